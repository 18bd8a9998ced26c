package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"posterstore.dev/internal/purchase"
)

const defaultGatewayTimeout = 10 * time.Second

// CheckoutLine is one poster the customer is paying for.
type CheckoutLine struct {
	PosterID    string
	Title       string
	Description string
	ImageURL    string
	UnitAmount  int64
	Quantity    int
}

// Checkout is a created hosted checkout session.
type Checkout struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Gateway creates Stripe checkout sessions and reads back their line items.
type Gateway struct {
	client   session.Client
	currency string
	timeout  time.Duration
}

var _ LineItemSource = (*Gateway)(nil)

type gatewayConfig struct {
	currency   string
	timeout    time.Duration
	apiURL     string
	httpClient *http.Client
}

type GatewayOption func(*gatewayConfig)

// WithCurrency sets the ISO currency code for checkout prices (default usd).
func WithCurrency(code string) GatewayOption {
	return func(c *gatewayConfig) {
		if code != "" {
			c.currency = strings.ToLower(code)
		}
	}
}

func WithGatewayTimeout(d time.Duration) GatewayOption {
	return func(c *gatewayConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAPIURL points the client at another API origin (stripe-mock, tests).
func WithAPIURL(u string) GatewayOption {
	return func(c *gatewayConfig) { c.apiURL = u }
}

func WithGatewayHTTPClient(hc *http.Client) GatewayOption {
	return func(c *gatewayConfig) { c.httpClient = hc }
}

func NewGateway(secretKey string, opts ...GatewayOption) (*Gateway, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("stripe secret key is required")
	}
	cfg := gatewayConfig{currency: "usd", timeout: defaultGatewayTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	hc := &http.Client{}
	if cfg.httpClient != nil {
		copied := *cfg.httpClient
		hc = &copied
	}
	hc.Timeout = cfg.timeout

	bc := &stripe.BackendConfig{
		HTTPClient:        hc,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.apiURL != "" {
		bc.URL = stripe.String(strings.TrimRight(cfg.apiURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
	return &Gateway{
		client:   session.Client{B: backend, Key: secretKey},
		currency: cfg.currency,
		timeout:  cfg.timeout,
	}, nil
}

// CreateCheckout opens a hosted payment session. The purchased items are
// attached as session metadata so the webhook can rebuild them.
func (g *Gateway) CreateCheckout(ctx context.Context, lines []CheckoutLine, successURL, cancelURL string) (Checkout, error) {
	if len(lines) == 0 {
		return Checkout{}, errors.New("checkout needs at least one line")
	}
	md, err := ItemsMetadata(lines)
	if err != nil {
		return Checkout{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:                     stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes:       stripe.StringSlice([]string{"card"}),
		BillingAddressCollection: stripe.String("required"),
		InvoiceCreation:          &stripe.CheckoutSessionInvoiceCreationParams{Enabled: stripe.Bool(true)},
		SuccessURL:               stripe.String(successURL),
		CancelURL:                stripe.String(cancelURL),
	}
	params.Context = ctx
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	for _, l := range lines {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(l.Title)}
		if l.Description != "" {
			product.Description = stripe.String(l.Description)
		}
		if l.ImageURL != "" {
			product.Images = stripe.StringSlice([]string{l.ImageURL})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(g.currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(l.UnitAmount),
			},
			Quantity: stripe.Int64(int64(l.Quantity)),
		})
	}

	s, err := g.client.New(params)
	if err != nil {
		return Checkout{}, classify(err)
	}
	return Checkout{SessionID: s.ID, URL: s.URL}, nil
}

// ChargedLines lists the session's line items in checkout order.
func (g *Gateway) ChargedLines(ctx context.Context, sessionID string) ([]ChargedLine, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Context = ctx
	it := g.client.ListLineItems(params)

	var out []ChargedLine
	for it.Next() {
		li := it.LineItem()
		if li.Price == nil {
			out = append(out, ChargedLine{})
			continue
		}
		out = append(out, ChargedLine{UnitAmount: li.Price.UnitAmount, Priced: true})
	}
	if err := it.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", purchase.ErrUpstreamTimeout, err)
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%w: %s (status %d)", ErrGateway, se.Msg, se.HTTPStatusCode)
	}
	return fmt.Errorf("%w: %v", ErrGateway, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
