package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"posterstore.dev/internal/catalog"
	"posterstore.dev/internal/obs"
	"posterstore.dev/internal/payment"
	"posterstore.dev/internal/payment/paymenttest"
	"posterstore.dev/internal/purchase"
	"posterstore.dev/internal/storage"
	"posterstore.dev/internal/stream"
)

type fakeSigner struct {
	calls atomic.Int64
	err   error
	block bool
}

func (f *fakeSigner) Sign(ctx context.Context, path string, ttl time.Duration) (string, error) {
	n := f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("https://files.test/%s?ttl=%d&n=%d", path, int(ttl.Seconds()), n), nil
}

func seededCatalog() *catalog.InMemory {
	now := time.Now().UTC()
	return catalog.NewInMemory(
		catalog.Poster{ID: "P1", Title: "Starry Night", Price: 1000, FileURL: "files/p1.png", CreatedAt: now},
		catalog.Poster{ID: "P2", Title: "Great Wave", Price: 500, FileURL: "files/p2.png", CreatedAt: now},
	)
}

func sess1(t *testing.T) payment.Event {
	return paymenttest.Event(t, "sess_1", "a@b.com",
		paymenttest.Item{PosterID: "P1", Quantity: 2, Amount: 1000},
		paymenttest.Item{PosterID: "P2", Quantity: 1, Amount: 500},
	)
}

func TestProcessPaymentCompletedIsIdempotent(t *testing.T) {
	ledger := purchase.NewInMemory()
	svc := NewService(ledger, seededCatalog(), &fakeSigner{})
	ctx := context.Background()
	evt := sess1(t)

	if err := svc.ProcessPaymentCompleted(ctx, evt); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	entries, _ := ledger.EntriesBySession(ctx, "sess_1")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	var total int64
	for _, e := range entries {
		total += e.Total()
		if e.CustomerEmail != "a@b.com" || e.DownloadedAt != nil {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
	if total != 2500 {
		t.Fatalf("expected total 2500, got %d", total)
	}

	if err := svc.ProcessPaymentCompleted(ctx, evt); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	again, _ := ledger.EntriesBySession(ctx, "sess_1")
	if len(again) != 2 {
		t.Fatalf("redelivery created entries: %d", len(again))
	}
	if again[0].DownloadToken != entries[0].DownloadToken || again[1].DownloadToken != entries[1].DownloadToken {
		t.Fatal("redelivery changed tokens")
	}
}

func TestProcessRejectsUnverifiedEvent(t *testing.T) {
	ledger := purchase.NewInMemory()
	svc := NewService(ledger, seededCatalog(), &fakeSigner{})
	evt := payment.Event{SessionID: "sess_x", CustomerEmail: "a@b.com", Items: []payment.LineItem{{PosterID: "P1", Quantity: 1, UnitAmount: 1000}}}

	if err := svc.ProcessPaymentCompleted(context.Background(), evt); !errors.Is(err, purchase.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if got, _ := ledger.EntriesBySession(context.Background(), "sess_x"); len(got) != 0 {
		t.Fatalf("unverified event wrote %d entries", len(got))
	}
}

func TestProcessRequiresCustomerEmail(t *testing.T) {
	ledger := purchase.NewInMemory()
	svc := NewService(ledger, seededCatalog(), &fakeSigner{})
	evt := paymenttest.Event(t, "sess_noemail", "", paymenttest.Item{PosterID: "P1", Quantity: 1, Amount: 1000})

	if err := svc.ProcessPaymentCompleted(context.Background(), evt); !errors.Is(err, purchase.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if got, _ := ledger.EntriesBySession(context.Background(), "sess_noemail"); len(got) != 0 {
		t.Fatalf("expected no entries, got %d", len(got))
	}
}

// blindLedger hides existing entries so the storage guard is the only thing
// stopping duplicate fulfillment.
type blindLedger struct {
	*purchase.InMemory
}

func (blindLedger) EntriesBySession(context.Context, string) ([]purchase.Entry, error) {
	return nil, nil
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	mem := purchase.NewInMemory()
	svc := NewService(blindLedger{mem}, seededCatalog(), &fakeSigner{})
	evt := sess1(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.ProcessPaymentCompleted(context.Background(), evt)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("duplicate delivery must succeed, got %v", err)
		}
	}
	if got, _ := mem.EntriesBySession(context.Background(), "sess_1"); len(got) != 2 {
		t.Fatalf("expected exactly 2 entries, got %d", len(got))
	}
}

type failingLedger struct {
	*purchase.InMemory
	err error
}

func (f failingLedger) CreateEntries(context.Context, string, []purchase.Entry) error { return f.err }

func TestProcessPersistenceFailureLeavesNothing(t *testing.T) {
	mem := purchase.NewInMemory()
	svc := NewService(failingLedger{InMemory: mem, err: errors.New("connection reset")}, seededCatalog(), &fakeSigner{})

	err := svc.ProcessPaymentCompleted(context.Background(), sess1(t))
	if !errors.Is(err, purchase.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if got, _ := mem.EntriesBySession(context.Background(), "sess_1"); len(got) != 0 {
		t.Fatalf("expected no entries, got %d", len(got))
	}
}

func TestTokenCollisionIsAtomicAndRetried(t *testing.T) {
	ctx := context.Background()
	mem := purchase.NewInMemory()
	_ = mem.CreateEntries(ctx, "sess_old", []purchase.Entry{{ID: "old", PosterID: "P1", DownloadToken: "taken", Quantity: 1}})

	// The second line item always collides: the whole batch must be refused.
	var n atomic.Int64
	always := func() (string, error) {
		if n.Add(1)%2 == 0 {
			return "taken", nil
		}
		return fmt.Sprintf("fresh-%d", n.Load()), nil
	}
	svc := NewService(mem, seededCatalog(), &fakeSigner{}, WithTokenSource(always))
	if err := svc.ProcessPaymentCompleted(ctx, sess1(t)); !errors.Is(err, purchase.ErrPersistence) {
		t.Fatalf("expected ErrPersistence after repeated collisions, got %v", err)
	}
	if got, _ := mem.EntriesBySession(ctx, "sess_1"); len(got) != 0 {
		t.Fatalf("partial fulfillment: %d entries", len(got))
	}

	// A single collision is absorbed by regenerating the batch.
	var m atomic.Int64
	once := func() (string, error) {
		if m.Add(1) == 1 {
			return "taken", nil
		}
		return fmt.Sprintf("retry-%d", m.Load()), nil
	}
	svc = NewService(mem, seededCatalog(), &fakeSigner{}, WithTokenSource(once))
	if err := svc.ProcessPaymentCompleted(ctx, sess1(t)); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got, _ := mem.EntriesBySession(ctx, "sess_1"); len(got) != 2 {
		t.Fatalf("expected 2 entries after retry, got %d", len(got))
	}
}

func TestTokensAreUniqueAcrossEvents(t *testing.T) {
	ledger := purchase.NewInMemory()
	svc := NewService(ledger, seededCatalog(), &fakeSigner{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		evt := paymenttest.Event(t, fmt.Sprintf("sess_%d", i), "a@b.com",
			paymenttest.Item{PosterID: "P1", Quantity: 1, Amount: 1000},
			paymenttest.Item{PosterID: "P2", Quantity: 3, Amount: 500},
		)
		if err := svc.ProcessPaymentCompleted(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}
	entries, _, _ := ledger.ListEntries(ctx, 100, "")
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if len(e.DownloadToken) != 64 {
			t.Fatalf("token too short: %q", e.DownloadToken)
		}
		if seen[e.DownloadToken] {
			t.Fatalf("duplicate token %s", e.DownloadToken)
		}
		seen[e.DownloadToken] = true
	}
}

func TestMissingChargedAmountFallsBackToZero(t *testing.T) {
	ledger := purchase.NewInMemory()
	svc := NewService(ledger, seededCatalog(), &fakeSigner{})
	before := testutil.ToFloat64(obs.PriceFallbacks)

	evt := paymenttest.Event(t, "sess_gap", "a@b.com",
		paymenttest.Item{PosterID: "P1", Quantity: 1, Amount: 1000},
		paymenttest.Item{PosterID: "P2", Quantity: 1, Unpriced: true},
	)
	if err := svc.ProcessPaymentCompleted(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	entries, _ := ledger.EntriesBySession(context.Background(), "sess_gap")
	prices := map[string]int64{}
	for _, e := range entries {
		prices[e.PosterID] = e.PriceAtPurchase
	}
	if prices["P1"] != 1000 || prices["P2"] != 0 {
		t.Fatalf("unexpected prices %v", prices)
	}
	if got := testutil.ToFloat64(obs.PriceFallbacks) - before; got != 1 {
		t.Fatalf("expected 1 price fallback, got %v", got)
	}
}

func TestFulfillmentPublishesOrderEvent(t *testing.T) {
	st := stream.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := st.Subscribe(ctx)

	svc := NewService(purchase.NewInMemory(), seededCatalog(), &fakeSigner{}, WithPublisher(st))
	if err := svc.ProcessPaymentCompleted(context.Background(), sess1(t)); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.SessionID != "sess_1" || evt.Entries != 2 || evt.Revenue != 2500 {
			t.Fatalf("unexpected order event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no order event published")
	}
}

func fulfilled(t *testing.T, opts ...Option) (*Service, *purchase.InMemory, *catalog.InMemory, *fakeSigner, string) {
	t.Helper()
	ledger := purchase.NewInMemory()
	posters := seededCatalog()
	signer := &fakeSigner{}
	svc := NewService(ledger, posters, signer, opts...)
	evt := paymenttest.Event(t, "sess_dl", "a@b.com", paymenttest.Item{PosterID: "P1", Quantity: 1, Amount: 1999})
	if err := svc.ProcessPaymentCompleted(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	entries, _ := ledger.EntriesBySession(context.Background(), "sess_dl")
	return svc, ledger, posters, signer, entries[0].DownloadToken
}

func TestAuthorizeDownloadStampsFirstDownloadOnce(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, ledger, _, _, token := fulfilled(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	g1, err := svc.AuthorizeDownload(ctx, token)
	if err != nil {
		t.Fatalf("first download: %v", err)
	}
	if g1.PosterTitle != "Starry Night" || g1.ExpiresIn != time.Hour || g1.URL == "" {
		t.Fatalf("unexpected grant %+v", g1)
	}
	e1, _ := ledger.EntryByToken(ctx, token)
	if e1.DownloadedAt == nil || !e1.DownloadedAt.Equal(clock) {
		t.Fatalf("downloaded_at not stamped: %v", e1.DownloadedAt)
	}

	clock = clock.Add(48 * time.Hour)
	g2, err := svc.AuthorizeDownload(ctx, token)
	if err != nil {
		t.Fatalf("second download: %v", err)
	}
	if g2.URL == g1.URL {
		t.Fatalf("expected a freshly signed url")
	}
	e2, _ := ledger.EntryByToken(ctx, token)
	if !e2.DownloadedAt.Equal(*e1.DownloadedAt) {
		t.Fatalf("downloaded_at changed: %v -> %v", e1.DownloadedAt, e2.DownloadedAt)
	}
}

func TestAuthorizeDownloadUnknownToken(t *testing.T) {
	svc, _, _, signer, _ := fulfilled(t)
	for _, tok := range []string{"not-a-real-token", "", "   "} {
		if _, err := svc.AuthorizeDownload(context.Background(), tok); !errors.Is(err, purchase.ErrNotFound) {
			t.Fatalf("token %q: expected ErrNotFound, got %v", tok, err)
		}
	}
	if signer.calls.Load() != 0 {
		t.Fatal("signer called for unknown token")
	}
}

func TestAuthorizeDownloadOrphanedPurchase(t *testing.T) {
	svc, _, posters, _, token := fulfilled(t)
	_ = posters.Delete(context.Background(), "P1")
	if _, err := svc.AuthorizeDownload(context.Background(), token); !errors.Is(err, purchase.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPriceSnapshotSurvivesPosterPriceChange(t *testing.T) {
	_, ledger, posters, _, token := fulfilled(t)
	ctx := context.Background()
	p, _ := posters.FindByID(ctx, "P1")
	p.Price = 4999
	if _, err := posters.Update(ctx, p); err != nil {
		t.Fatal(err)
	}
	e, _ := ledger.EntryByToken(ctx, token)
	if e.PriceAtPurchase != 1999 {
		t.Fatalf("price snapshot changed to %d", e.PriceAtPurchase)
	}
}

func TestAuthorizeDownloadStorageFailures(t *testing.T) {
	svc, ledger, _, signer, token := fulfilled(t)
	ctx := context.Background()

	signer.err = storage.ErrStorage
	if _, err := svc.AuthorizeDownload(ctx, token); !errors.Is(err, purchase.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	signer.err = errors.Join(storage.ErrTimeout, context.DeadlineExceeded)
	if _, err := svc.AuthorizeDownload(ctx, token); !errors.Is(err, purchase.ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
	if e, _ := ledger.EntryByToken(ctx, token); e.DownloadedAt != nil {
		t.Fatal("downloaded_at set although no url was issued")
	}
}

func TestAuthorizeDownloadBoundsSigning(t *testing.T) {
	svc, _, _, signer, token := fulfilled(t, WithSignTimeout(20*time.Millisecond))
	signer.block = true
	if _, err := svc.AuthorizeDownload(context.Background(), token); !errors.Is(err, purchase.ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}

type markFailLedger struct {
	*purchase.InMemory
}

func (markFailLedger) MarkDownloaded(context.Context, string, time.Time) error {
	return errors.New("disk full")
}

func TestAuthorizeDownloadSurvivesBookkeepingFailure(t *testing.T) {
	_, mem, posters, _, token := fulfilled(t)
	svc := NewService(markFailLedger{mem}, posters, &fakeSigner{})
	g, err := svc.AuthorizeDownload(context.Background(), token)
	if err != nil || g.URL == "" {
		t.Fatalf("expected grant despite bookkeeping failure, got %+v %v", g, err)
	}
}
