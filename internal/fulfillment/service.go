// Package fulfillment turns verified payments into purchase ledger entries
// and exchanges download tokens for signed file URLs.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"posterstore.dev/internal/audit"
	"posterstore.dev/internal/catalog"
	"posterstore.dev/internal/ids"
	"posterstore.dev/internal/obs"
	"posterstore.dev/internal/payment"
	"posterstore.dev/internal/purchase"
	"posterstore.dev/internal/storage"
	"posterstore.dev/internal/stream"
)

const (
	DefaultURLTTL      = time.Hour
	DefaultSignTimeout = 10 * time.Second

	// A batch is retried with fresh tokens when the ledger reports a collision.
	maxTokenAttempts = 3
)

// URLSigner issues time-limited read URLs for stored files.
type URLSigner interface {
	Sign(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Publisher receives an event for every newly fulfilled session.
type Publisher interface {
	Publish(stream.OrderEvent)
}

// Grant is a signed download link for one purchased poster.
type Grant struct {
	URL         string
	ExpiresIn   time.Duration
	PosterTitle string
}

type Service struct {
	ledger      purchase.Ledger
	posters     catalog.Finder
	signer      URLSigner
	publisher   Publisher
	tokens      func() (string, error)
	now         func() time.Time
	urlTTL      time.Duration
	signTimeout time.Duration
}

type Option func(*Service)

func WithTokenSource(fn func() (string, error)) Option {
	return func(s *Service) { s.tokens = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// WithURLTTL sets how long signed download URLs stay valid.
func WithURLTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.urlTTL = d
		}
	}
}

func WithSignTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.signTimeout = d
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func NewService(ledger purchase.Ledger, posters catalog.Finder, signer URLSigner, opts ...Option) *Service {
	s := &Service{
		ledger:      ledger,
		posters:     posters,
		signer:      signer,
		tokens:      ids.NewToken,
		now:         time.Now,
		urlTTL:      DefaultURLTTL,
		signTimeout: DefaultSignTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessPaymentCompleted records one ledger entry per line item of a verified
// payment. Redelivered sessions are accepted without writing anything.
func (s *Service) ProcessPaymentCompleted(ctx context.Context, evt payment.Event) error {
	if !evt.Verified() {
		obs.FulfillmentEvents.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: event was not verified", purchase.ErrInvalidEvent)
	}
	if evt.SessionID == "" || len(evt.Items) == 0 {
		obs.FulfillmentEvents.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: session id and items are required", purchase.ErrInvalidEvent)
	}

	existing, err := s.ledger.EntriesBySession(ctx, evt.SessionID)
	if err != nil {
		obs.FulfillmentEvents.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: lookup session %s: %v", purchase.ErrPersistence, evt.SessionID, err)
	}
	if len(existing) > 0 {
		s.duplicate(ctx, evt.SessionID)
		return nil
	}

	email := strings.TrimSpace(evt.CustomerEmail)
	if email == "" {
		obs.FulfillmentEvents.WithLabelValues("invalid").Inc()
		obs.Warn("payment event without customer email", map[string]any{"session_id": evt.SessionID})
		return fmt.Errorf("%w: customer email missing", purchase.ErrInvalidEvent)
	}

	for _, item := range evt.Items {
		if item.AmountMissing {
			obs.PriceFallbacks.Inc()
			obs.Warn("charged amount missing, recording price 0", map[string]any{
				"session_id": evt.SessionID,
				"poster_id":  item.PosterID,
			})
		}
	}

	var entries []purchase.Entry
	for attempt := 1; ; attempt++ {
		entries, err = s.buildEntries(evt, email)
		if err != nil {
			obs.FulfillmentEvents.WithLabelValues("error").Inc()
			return fmt.Errorf("%w: %v", purchase.ErrPersistence, err)
		}
		err = s.ledger.CreateEntries(ctx, evt.SessionID, entries)
		if errors.Is(err, purchase.ErrDuplicateToken) && attempt < maxTokenAttempts {
			continue
		}
		break
	}
	switch {
	case errors.Is(err, purchase.ErrDuplicateSession):
		s.duplicate(ctx, evt.SessionID)
		return nil
	case err != nil:
		obs.FulfillmentEvents.WithLabelValues("error").Inc()
		obs.Error("purchase ledger write failed", map[string]any{"session_id": evt.SessionID, "error": err})
		return fmt.Errorf("%w: create entries for %s: %v", purchase.ErrPersistence, evt.SessionID, err)
	}

	var revenue int64
	for _, e := range entries {
		revenue += e.Total()
	}
	obs.FulfillmentEvents.WithLabelValues("created").Inc()
	obs.FulfillmentEntries.Add(float64(len(entries)))
	_ = audit.LogEvent(ctx, audit.PurchaseFulfilled, map[string]any{
		"session_id": evt.SessionID,
		"entries":    len(entries),
		"revenue":    revenue,
	})
	if s.publisher != nil {
		s.publisher.Publish(stream.OrderEvent{
			SessionID: evt.SessionID,
			Entries:   len(entries),
			Revenue:   revenue,
			Timestamp: entries[0].CreatedAt,
		})
	}
	return nil
}

func (s *Service) buildEntries(evt payment.Event, email string) ([]purchase.Entry, error) {
	now := s.now().UTC()
	entries := make([]purchase.Entry, 0, len(evt.Items))
	for _, item := range evt.Items {
		token, err := s.tokens()
		if err != nil {
			return nil, fmt.Errorf("generate download token: %w", err)
		}
		entries = append(entries, purchase.Entry{
			ID:               ids.New(),
			PosterID:         item.PosterID,
			CustomerEmail:    email,
			PaymentSessionID: evt.SessionID,
			DownloadToken:    token,
			Quantity:         item.Quantity,
			PriceAtPurchase:  item.UnitAmount,
			CreatedAt:        now,
		})
	}
	return entries, nil
}

func (s *Service) duplicate(ctx context.Context, sessionID string) {
	obs.FulfillmentEvents.WithLabelValues("duplicate").Inc()
	_ = audit.LogEvent(ctx, audit.PurchaseDuplicate, map[string]any{"session_id": sessionID})
}

// AuthorizeDownload resolves a download token to a signed URL for the
// purchased file and stamps the first download time.
func (s *Service) AuthorizeDownload(ctx context.Context, token string) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		obs.DownloadAuthorizations.WithLabelValues("not_found").Inc()
		return Grant{}, purchase.ErrNotFound
	}

	entry, err := s.ledger.EntryByToken(ctx, token)
	if errors.Is(err, purchase.ErrNotFound) {
		obs.DownloadAuthorizations.WithLabelValues("not_found").Inc()
		return Grant{}, purchase.ErrNotFound
	}
	if err != nil {
		obs.DownloadAuthorizations.WithLabelValues("error").Inc()
		return Grant{}, fmt.Errorf("%w: lookup token: %v", purchase.ErrPersistence, err)
	}

	poster, err := s.posters.FindByID(ctx, entry.PosterID)
	if errors.Is(err, catalog.ErrNotFound) {
		obs.DownloadAuthorizations.WithLabelValues("not_found").Inc()
		obs.Warn("purchase references missing poster", map[string]any{"entry_id": entry.ID, "poster_id": entry.PosterID})
		return Grant{}, fmt.Errorf("%w: poster %s", purchase.ErrNotFound, entry.PosterID)
	}
	if err != nil {
		obs.DownloadAuthorizations.WithLabelValues("error").Inc()
		return Grant{}, fmt.Errorf("%w: lookup poster: %v", purchase.ErrPersistence, err)
	}

	signCtx, cancel := context.WithTimeout(ctx, s.signTimeout)
	url, err := s.signer.Sign(signCtx, poster.FileURL, s.urlTTL)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			obs.DownloadAuthorizations.WithLabelValues("timeout").Inc()
			return Grant{}, fmt.Errorf("%w: sign %s: %v", purchase.ErrUpstreamTimeout, poster.FileURL, err)
		}
		obs.DownloadAuthorizations.WithLabelValues("storage_error").Inc()
		obs.Error("signed url failed", map[string]any{"entry_id": entry.ID, "error": err})
		return Grant{}, fmt.Errorf("%w: sign %s: %v", purchase.ErrStorage, poster.FileURL, err)
	}

	first := !entry.Downloaded()
	if first {
		if err := s.ledger.MarkDownloaded(ctx, entry.ID, s.now().UTC()); err != nil {
			obs.Warn("mark downloaded failed", map[string]any{"entry_id": entry.ID, "error": err})
		}
	}
	obs.DownloadAuthorizations.WithLabelValues("granted").Inc()
	_ = audit.LogEvent(ctx, audit.DownloadAuthorized, map[string]any{
		"entry_id":  entry.ID,
		"poster_id": entry.PosterID,
		"first":     first,
	})
	return Grant{URL: url, ExpiresIn: s.urlTTL, PosterTitle: poster.Title}, nil
}
