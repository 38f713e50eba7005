package events

import (
	"sync"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// DefaultSubscriptionBuffer is the per-subscriber channel capacity.
const DefaultSubscriptionBuffer = 128

// Hub fans replica events out to subscribers. Every subscriber of a
// namespace receives every event independently; this is a broadcast, not a
// competing-consumer queue.
//
// Producers never block on subscriber consumption speed. When a
// subscriber's buffer is full the event is dropped and the subscriber is
// handed an EventLagged marker as soon as it drains, so it knows to
// re-query state instead of trusting the stream to be gapless.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[model.NamespaceID]map[uint64]*Subscription
}

// Subscription is one subscriber's view of a replica's event stream.
// Events are delivered in production order within the stream.
type Subscription struct {
	hub       *Hub
	namespace model.NamespaceID
	id        uint64

	ch chan LiveEvent

	mu     sync.Mutex
	lagged bool
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[model.NamespaceID]map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber for the namespace.
func (h *Hub) Subscribe(ns model.NamespaceID) *Subscription {
	return h.SubscribeBuffered(ns, DefaultSubscriptionBuffer)
}

// SubscribeBuffered registers a subscriber with an explicit buffer size.
func (h *Hub) SubscribeBuffered(ns model.NamespaceID, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		hub:       h,
		namespace: ns,
		id:        h.nextID,
		ch:        make(chan LiveEvent, buffer),
	}
	if h.subs[ns] == nil {
		h.subs[ns] = make(map[uint64]*Subscription)
	}
	h.subs[ns][sub.id] = sub
	return sub
}

// SubscriberCount returns the number of open subscriptions for a namespace.
func (h *Hub) SubscriberCount(ns model.NamespaceID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ns])
}

// Publish delivers an event to every subscriber of the namespace.
func (h *Hub) Publish(ns model.NamespaceID, ev LiveEvent) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs[ns]))
	for _, s := range h.subs[ns] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

// DropNamespace closes every subscription of a namespace. Used when a
// document is dropped.
func (h *Hub) DropNamespace(ns model.NamespaceID) {
	h.mu.Lock()
	subs := h.subs[ns]
	delete(h.subs, ns)
	h.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
}

func (s *Subscription) deliver(ev LiveEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.lagged {
		// The subscriber must learn about the gap before any new event.
		select {
		case s.ch <- LiveEvent{Kind: EventLagged}:
			s.lagged = false
		default:
			return
		}
	}

	select {
	case s.ch <- ev:
	default:
		s.lagged = true
	}
}

// Events returns the receive channel of the subscription. The channel is
// closed when the subscription or its document is closed.
func (s *Subscription) Events() <-chan LiveEvent {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	if subs := s.hub.subs[s.namespace]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.hub.subs, s.namespace)
		}
	}
	s.hub.mu.Unlock()

	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
