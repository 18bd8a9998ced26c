package purchase

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Ledger persists purchase entries.
type Ledger interface {
	// CreateEntries stores all entries of one payment session as a single unit.
	// It returns ErrDuplicateSession if the session was fulfilled before, in
	// which case nothing is written.
	CreateEntries(ctx context.Context, sessionID string, entries []Entry) error
	EntriesBySession(ctx context.Context, sessionID string) ([]Entry, error)
	EntryByToken(ctx context.Context, token string) (Entry, error)
	// MarkDownloaded sets DownloadedAt unless it is already set.
	MarkDownloaded(ctx context.Context, id string, at time.Time) error
	// ListEntries returns entries newest first. after is the id of the last
	// entry of the previous page.
	ListEntries(ctx context.Context, limit int, after string) ([]Entry, string, error)
	Summary(ctx context.Context) (Summary, error)
}

// InMemory implements Ledger with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	entries  []Entry
	byID     map[string]int
	byToken  map[string]int
	sessions map[string]struct{}
}

var _ Ledger = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[string]int),
		byToken:  make(map[string]int),
		sessions: make(map[string]struct{}),
	}
}

func (s *InMemory) CreateEntries(ctx context.Context, sessionID string, entries []Entry) error {
	if strings.TrimSpace(sessionID) == "" || len(entries) == 0 {
		return ErrInvalidEvent
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return ErrDuplicateSession
	}

	// Validate the whole batch before touching state.
	batch := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := s.byToken[e.DownloadToken]; ok {
			return ErrDuplicateToken
		}
		if _, ok := batch[e.DownloadToken]; ok {
			return ErrDuplicateToken
		}
		batch[e.DownloadToken] = struct{}{}
	}

	s.sessions[sessionID] = struct{}{}
	for _, e := range entries {
		idx := len(s.entries)
		s.entries = append(s.entries, cloneEntry(e))
		s.byID[e.ID] = idx
		s.byToken[e.DownloadToken] = idx
	}
	return nil
}

func (s *InMemory) EntriesBySession(ctx context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Entry
	for _, e := range s.entries {
		if e.PaymentSessionID == sessionID {
			res = append(res, cloneEntry(e))
		}
	}
	return res, nil
}

func (s *InMemory) EntryByToken(ctx context.Context, token string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byToken[token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(s.entries[idx]), nil
}

func (s *InMemory) MarkDownloaded(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if s.entries[idx].DownloadedAt == nil {
		at = at.UTC()
		s.entries[idx].DownloadedAt = &at
	}
	return nil
}

func (s *InMemory) ListEntries(ctx context.Context, limit int, after string) ([]Entry, string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.entries) - 1
	if after != "" {
		idx, ok := s.byID[after]
		if !ok {
			return nil, "", nil
		}
		start = idx - 1
	}
	var res []Entry
	for i := start; i >= 0 && len(res) < limit; i-- {
		res = append(res, cloneEntry(s.entries[i]))
	}
	var next string
	if len(res) == limit && start-limit >= 0 {
		next = res[len(res)-1].ID
	}
	return res, next, nil
}

func (s *InMemory) Summary(ctx context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum Summary
	for _, e := range s.entries {
		sum.Orders++
		sum.Revenue += e.Total()
	}
	return sum, nil
}
