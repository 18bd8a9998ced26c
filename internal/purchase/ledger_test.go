package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func entry(id, session, token string, qty int, price int64) Entry {
	return Entry{
		ID:               id,
		PosterID:         "P-" + id,
		CustomerEmail:    "a@b.com",
		PaymentSessionID: session,
		DownloadToken:    token,
		Quantity:         qty,
		PriceAtPurchase:  price,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestCreateEntriesRejectsDuplicateSession(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	if err := s.CreateEntries(ctx, "sess_1", []Entry{entry("1", "sess_1", "t1", 2, 1000)}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateEntries(ctx, "sess_1", []Entry{entry("2", "sess_1", "t2", 1, 500)})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	got, _ := s.EntriesBySession(ctx, "sess_1")
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
}

func TestCreateEntriesIsAtomicOnTokenCollision(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	err := s.CreateEntries(ctx, "sess_1", []Entry{
		entry("1", "sess_1", "same", 1, 100),
		entry("2", "sess_1", "same", 1, 100),
	})
	if !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	got, _ := s.EntriesBySession(ctx, "sess_1")
	if len(got) != 0 {
		t.Fatalf("partial write: %d entries persisted", len(got))
	}
	// The session must still be fulfillable after a failed attempt.
	if err := s.CreateEntries(ctx, "sess_1", []Entry{entry("3", "sess_1", "fresh", 1, 100)}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestMarkDownloadedSetsOnce(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.CreateEntries(ctx, "sess_1", []Entry{entry("1", "sess_1", "tok", 1, 100)})

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.MarkDownloaded(ctx, "1", first); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDownloaded(ctx, "1", first.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	e, err := s.EntryByToken(ctx, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if e.DownloadedAt == nil || !e.DownloadedAt.Equal(first) {
		t.Fatalf("downloaded_at changed: %v", e.DownloadedAt)
	}
	if err := s.MarkDownloaded(ctx, "missing", first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEntryByTokenReturnsCopy(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.CreateEntries(ctx, "sess_1", []Entry{entry("1", "sess_1", "tok", 1, 1999)})

	e, _ := s.EntryByToken(ctx, "tok")
	e.PriceAtPurchase = 1
	again, _ := s.EntryByToken(ctx, "tok")
	if again.PriceAtPurchase != 1999 {
		t.Fatalf("stored entry mutated through copy: %d", again.PriceAtPurchase)
	}
	if _, err := s.EntryByToken(ctx, "not-a-real-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEntriesNewestFirstWithCursor(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		sess := fmt.Sprintf("sess_%d", i)
		_ = s.CreateEntries(ctx, sess, []Entry{entry(fmt.Sprintf("e%d", i), sess, fmt.Sprintf("t%d", i), 1, 100)})
	}

	page, next, err := s.ListEntries(ctx, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "e4" || page[1].ID != "e3" || next != "e3" {
		t.Fatalf("unexpected first page: %v next=%q", ids(page), next)
	}
	page, next, _ = s.ListEntries(ctx, 2, next)
	if len(page) != 2 || page[0].ID != "e2" || next != "e1" {
		t.Fatalf("unexpected second page: %v next=%q", ids(page), next)
	}
	page, next, _ = s.ListEntries(ctx, 2, next)
	if len(page) != 1 || page[0].ID != "e0" || next != "" {
		t.Fatalf("unexpected last page: %v next=%q", ids(page), next)
	}
}

func TestSummary(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.CreateEntries(ctx, "sess_1", []Entry{
		entry("1", "sess_1", "t1", 2, 1000),
		entry("2", "sess_1", "t2", 1, 500),
	})
	sum, _ := s.Summary(ctx)
	if sum.Orders != 2 || sum.Revenue != 2500 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateEntries(ctx, "sess_race", []Entry{entry(fmt.Sprintf("r%d", i), "sess_race", fmt.Sprintf("tok%d", i), 1, 100)})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.EntriesBySession(ctx, "sess_race")
	if created != 1 || len(got) != 1 {
		t.Fatalf("expected exactly one winner, created=%d entries=%d", created, len(got))
	}
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
