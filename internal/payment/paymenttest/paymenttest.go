// Package paymenttest builds signed checkout webhook deliveries for tests.
package paymenttest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"posterstore.dev/internal/payment"
)

const Secret = "whsec_test_posterstore"

// Item is one checkout line. Unpriced simulates a line the gateway reports
// without an amount.
type Item struct {
	PosterID string
	Quantity int
	Amount   int64
	Unpriced bool
}

// Lines is an in-memory LineItemSource keyed by session id.
type Lines map[string][]payment.ChargedLine

func (l Lines) ChargedLines(_ context.Context, sessionID string) ([]payment.ChargedLine, error) {
	return l[sessionID], nil
}

// CompletedPayload is a checkout.session.completed event body. Pass
// email "" to omit customer details.
func CompletedPayload(sessionID, email, paymentStatus string, metadata map[string]string) []byte {
	sess := map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"payment_status": paymentStatus,
		"metadata":       metadata,
	}
	if email != "" {
		sess["customer_details"] = map[string]any{"email": email}
	}
	return eventPayload(payment.EventCheckoutCompleted, sess)
}

// EventPayload wraps an arbitrary object in an event of the given type.
func EventPayload(eventType string, object map[string]any) []byte {
	return eventPayload(eventType, object)
}

func eventPayload(eventType string, object map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":          "evt_test",
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-01-27.acacia",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	return b
}

// Sign returns the signature header for payload under secret.
func Sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  secret,
	})
	return signed.Header
}

// ItemsMetadata encodes items the way checkout attaches them.
func ItemsMetadata(items ...Item) map[string]string {
	lines := make([]payment.CheckoutLine, len(items))
	for i, it := range items {
		lines[i] = payment.CheckoutLine{PosterID: it.PosterID, Quantity: it.Quantity}
	}
	md, err := payment.ItemsMetadata(lines)
	if err != nil {
		panic(err)
	}
	return md
}

// Charged converts items into the gateway's charged lines.
func Charged(items ...Item) []payment.ChargedLine {
	out := make([]payment.ChargedLine, len(items))
	for i, it := range items {
		if !it.Unpriced {
			out[i] = payment.ChargedLine{UnitAmount: it.Amount, Priced: true}
		}
	}
	return out
}

// Event pushes a signed paid-session delivery through a real WebhookParser and
// returns the verified event.
func Event(t testing.TB, sessionID, email string, items ...Item) payment.Event {
	t.Helper()
	payload := CompletedPayload(sessionID, email, "paid", ItemsMetadata(items...))
	parser, err := payment.NewWebhookParser(Secret, Lines{sessionID: Charged(items...)})
	if err != nil {
		t.Fatalf("NewWebhookParser: %v", err)
	}
	evt, handled, err := parser.Parse(context.Background(), payload, Sign(payload, Secret))
	if err != nil || !handled {
		t.Fatalf("parse signed event: handled=%v err=%v", handled, err)
	}
	return evt
}
