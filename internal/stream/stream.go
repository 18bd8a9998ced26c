package stream

import (
	"context"
	"sync"
	"time"
)

// OrderEvent announces a fulfilled checkout session to the admin live feed.
type OrderEvent struct {
	SessionID string    `json:"session_id"`
	Entries   int       `json:"entries"`
	Revenue   int64     `json:"revenue"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs order events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan OrderEvent
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan OrderEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan OrderEvent {
	ch := make(chan OrderEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt OrderEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports how many clients are attached.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
