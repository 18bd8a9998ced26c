package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"posterstore.dev/internal/purchase"
)

// EventCheckoutCompleted is the only event type the parser turns into an Event.
const EventCheckoutCompleted = "checkout.session.completed"

// WebhookParser verifies signed webhook deliveries and turns completed,
// paid checkout sessions into Events.
type WebhookParser struct {
	secret    string
	lines     LineItemSource
	tolerance time.Duration
}

func NewWebhookParser(secret string, lines LineItemSource) (*WebhookParser, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if lines == nil {
		return nil, errors.New("line item source is required")
	}
	return &WebhookParser{secret: secret, lines: lines, tolerance: webhook.DefaultTolerance}, nil
}

// Parse returns handled=false for authentic deliveries that need no
// fulfillment (other event types, unpaid sessions). Unauthentic or malformed
// deliveries fail with purchase.ErrInvalidEvent.
func (p *WebhookParser) Parse(ctx context.Context, payload []byte, signature string) (Event, bool, error) {
	if signature == "" {
		return Event{}, false, fmt.Errorf("%w: missing signature", purchase.ErrInvalidEvent)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", purchase.ErrInvalidEvent, err)
	}
	if string(evt.Type) != EventCheckoutCompleted {
		return Event{}, false, nil
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return Event{}, false, fmt.Errorf("%w: event %s has no data", purchase.ErrInvalidEvent, evt.ID)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return Event{}, false, fmt.Errorf("%w: session: %v", purchase.ErrInvalidEvent, err)
	}
	if sess.ID == "" {
		return Event{}, false, fmt.Errorf("%w: session id missing", purchase.ErrInvalidEvent)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return Event{}, false, nil
	}

	items, err := itemsFromMetadata(sess.Metadata)
	if err != nil {
		return Event{}, false, err
	}
	charged, err := p.lines.ChargedLines(ctx, sess.ID)
	if err != nil {
		return Event{}, false, err
	}

	var email string
	if sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}
	return Event{
		SessionID:     sess.ID,
		CustomerEmail: email,
		Items:         applyCharges(items, charged),
		verified:      true,
	}, true, nil
}
