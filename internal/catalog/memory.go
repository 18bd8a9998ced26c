package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"posterstore.dev/internal/ids"
)

// InMemory implements Store for tests and DSN-less development runs.
type InMemory struct {
	mu      sync.RWMutex
	posters map[string]Poster
}

var _ Store = (*InMemory)(nil)

func NewInMemory(seed ...Poster) *InMemory {
	s := &InMemory{posters: make(map[string]Poster)}
	for _, p := range seed {
		if p.ID == "" {
			p.ID = ids.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		s.posters[p.ID] = p
	}
	return s
}

func (s *InMemory) FindByID(ctx context.Context, id string) (Poster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posters[id]
	if !ok {
		return Poster{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemory) List(ctx context.Context) ([]Poster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Poster, 0, len(s.posters))
	for _, p := range s.posters {
		res = append(res, p)
	}
	newestFirst(res)
	return res, nil
}

func (s *InMemory) Search(ctx context.Context, query string) ([]Poster, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Poster{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []Poster{}
	for _, p := range s.posters {
		if strings.Contains(strings.ToLower(p.Title), q) || strings.Contains(strings.ToLower(p.Category), q) {
			res = append(res, p)
		}
	}
	newestFirst(res)
	return res, nil
}

func (s *InMemory) Create(ctx context.Context, p Poster) (Poster, error) {
	if err := p.Validate(); err != nil {
		return Poster{}, err
	}
	now := time.Now().UTC()
	p.ID = ids.New()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.mu.Lock()
	s.posters[p.ID] = p
	s.mu.Unlock()
	return p, nil
}

func (s *InMemory) Update(ctx context.Context, p Poster) (Poster, error) {
	if err := p.Validate(); err != nil {
		return Poster{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.posters[p.ID]
	if !ok {
		return Poster{}, ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.posters[p.ID] = p
	return p, nil
}

func (s *InMemory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posters[id]; !ok {
		return ErrNotFound
	}
	delete(s.posters, id)
	return nil
}

func newestFirst(ps []Poster) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID > ps[j].ID
		}
		return ps[i].CreatedAt.After(ps[j].CreatedAt)
	})
}
