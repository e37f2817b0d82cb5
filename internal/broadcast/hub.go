// Package broadcast fans canonical records out to in-process subscribers.
package broadcast

import (
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/tickgate/internal/observability"
	"github.com/coachpo/tickgate/internal/schema"
)

// Subscriber is one fan-out target with a bounded delivery queue.
type Subscriber struct {
	id string
	ch chan *schema.Record

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// C is the delivery channel. It closes when the subscriber is removed.
func (s *Subscriber) C() <-chan *schema.Record { return s.ch }

// Dropped reports records discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) deliver(rec *schema.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- rec:
		return true
	default:
		s.dropped++
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub broadcasts records to every registered subscriber. A slow subscriber
// never blocks the hub; overflowing records are dropped per subscriber.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]*Subscriber

	delivered uint64
	dropped   uint64
}

// NewHub constructs a hub with the given per-subscriber queue size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{buffer: buffer, subs: make(map[string]*Subscriber)}
}

// Subscribe registers a new subscriber and returns it.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan *schema.Record, h.buffer),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Broadcast delivers the record to every subscriber without blocking.
func (h *Hub) Broadcast(rec *schema.Record) {
	if rec == nil {
		return
	}
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var delivered, dropped uint64
	for _, sub := range subs {
		if sub.deliver(rec) {
			delivered++
		} else {
			dropped++
		}
	}

	h.mu.Lock()
	h.delivered += delivered
	h.dropped += dropped
	h.mu.Unlock()

	if dropped > 0 {
		observability.Log().Debug("broadcast queue overflow",
			observability.Field{Key: "key", Value: rec.Key()},
			observability.Field{Key: "dropped", Value: dropped})
	}
}

// Stats aggregates hub-wide delivery counters.
type Stats struct {
	Subscribers int
	Delivered   uint64
	Dropped     uint64
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Subscribers: len(h.subs),
		Delivered:   h.delivered,
		Dropped:     h.dropped,
	}
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
