package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Subscription is one consumer's bounded view of an identity's inbound
// events. A slow consumer never blocks delivery to others; when the buffer
// fills, the oldest buffered event is discarded and the drop counter
// advances.
type Subscription struct {
	ID    string
	BotID string

	events  chan Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func newSubscription(botID string, size int) *Subscription {
	if size < 1 {
		size = 1
	}
	return &Subscription{
		ID:     uuid.NewString(),
		BotID:  botID,
		events: make(chan Event, size),
	}
}

// Events yields buffered events in arrival order. The channel closes when
// the subscription is cancelled or the gateway shuts down.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped returns the number of events discarded so far. The counter is
// monotonic for the life of the subscription.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// publish never blocks. The read lock excludes close, so the send cannot
// race a channel close.
func (s *Subscription) publish(ev Event) (droppedOne bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.events <- ev:
			return droppedOne
		default:
		}
		// Buffer full. Evict the oldest event and try again; the retry
		// loop handles a consumer racing the eviction.
		select {
		case <-s.events:
			s.dropped.Add(1)
			droppedOne = true
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
