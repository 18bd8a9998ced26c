// Package audit records who did what to purchases and the catalog. Records
// go to the shared JSON log with type "audit".
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"posterstore.dev/internal/auth"
	"posterstore.dev/internal/obs"
)

// Event names.
const (
	PurchaseFulfilled  = "purchase.fulfilled"
	PurchaseDuplicate  = "purchase.duplicate"
	DownloadAuthorized = "download.authorized"
	AdminLogin         = "admin.login"
	AdminLoginFailed   = "admin.login.failed"
	AdminLoginLocked   = "admin.login.locked"
	PosterCreated      = "admin.poster.create"
	PosterUpdated      = "admin.poster.update"
	PosterDeleted      = "admin.poster.delete"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFromContext returns the identifier attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// MaskEmail keeps the first character of the local part and the domain, so
// records stay correlatable without holding customer addresses.
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// LogEvent writes one audit record. Admin actions carry admin_id from the
// session in ctx; purchase events have no actor.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if adminID, ok := auth.AdminIDFromContext(ctx); ok {
		entry["admin_id"] = adminID
	}
	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		payload[k] = v
	}
	entry["fields"] = payload
	obs.WriteEntry(entry)
	return nil
}
