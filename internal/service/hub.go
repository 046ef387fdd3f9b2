package service

import (
	"sync"
	"sync/atomic"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

const DefaultSubscriberBuffer = 256

// Subscription is one live consumer of service events.
type Subscription struct {
	ch      chan models.ServiceEvent
	dropped atomic.Int64
}

// Events is closed when the subscription is removed or the hub closes.
func (s *Subscription) Events() <-chan models.ServiceEvent {
	return s.ch
}

// Dropped counts events discarded because the consumer fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Hub fans service events out to subscribers. Publishing never blocks: a
// subscriber whose queue is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{ch: make(chan models.ServiceEvent, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (h *Hub) Publish(ev models.ServiceEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = make(map[*Subscription]struct{})
}
