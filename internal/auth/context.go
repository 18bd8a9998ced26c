package auth

import "context"

type adminContextKey struct{}

// ContextWithAdmin attaches the authenticated admin session to the context.
func ContextWithAdmin(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, adminContextKey{}, &claims)
}

// AdminFromContext extracts the authenticated admin session from the context.
func AdminFromContext(ctx context.Context) (Claims, bool) {
	if ctx == nil {
		return Claims{}, false
	}
	v, ok := ctx.Value(adminContextKey{}).(*Claims)
	if !ok || v == nil {
		return Claims{}, false
	}
	return *v, true
}

// AdminIDFromContext returns the admin id of the session, if any.
func AdminIDFromContext(ctx context.Context) (string, bool) {
	c, ok := AdminFromContext(ctx)
	if !ok || c.Subject == "" {
		return "", false
	}
	return c.Subject, true
}
