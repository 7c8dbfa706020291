package event

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quillpay/platform/libs/logging"
	uuid "github.com/satori/go.uuid"
)

const subscriberBufferSize = 64

var droppedEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realtime_dropped_events_total",
		Help: "Count of realtime events dropped from full subscriber buffers.",
	},
	[]string{"room"},
)

func init() {
	prometheus.MustRegister(droppedEventsTotal)
}

// Hub routes events to in process subscribers by room. SSE handlers and
// websocket sessions subscribe here; the redis bridge publishes into it.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{rooms: map[string]map[*Subscriber]bool{}}
}

// Subscriber is one realtime consumer with a bounded buffer. A slow
// consumer loses the oldest non critical events rather than stalling the
// hub.
type Subscriber struct {
	ID  string
	hub *Hub

	mu     sync.Mutex
	buf    chan *Event
	rooms  map[string]bool
	closed bool
}

// Subscribe registers a consumer for the given rooms
func (h *Hub) Subscribe(rooms ...string) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewV4().String(),
		hub:   h,
		buf:   make(chan *Event, subscriberBufferSize),
		rooms: map[string]bool{},
	}
	for _, room := range rooms {
		sub.Join(room)
	}
	return sub
}

// Publish fans the event out to every subscriber of its rooms. A
// subscriber in several matching rooms receives the event once.
func (h *Hub) Publish(ctx context.Context, e *Event) {
	logger := logging.Logger(ctx, "event.Hub.Publish")

	delivered := map[*Subscriber]bool{}
	h.mu.RLock()
	for _, room := range e.Rooms() {
		for sub := range h.rooms[room] {
			if delivered[sub] {
				continue
			}
			delivered[sub] = true
			if dropped := sub.enqueue(e); dropped != nil {
				droppedEventsTotal.WithLabelValues(room).Inc()
				logger.Warn().Str("subscriberId", sub.ID).Str("droppedType", dropped.Type).
					Msg("subscriber buffer full, dropped oldest non-critical event")
			}
		}
	}
	h.mu.RUnlock()
}

// enqueue buffers the event, returning any event dropped to make room.
// Critical events always displace the oldest buffered non critical event;
// a buffer full of critical events grows the wait by blocking on one slot.
func (s *Subscriber) enqueue(e *Event) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	select {
	case s.buf <- e:
		return nil
	default:
	}

	// buffer full: drop the oldest unless it is critical and the incoming
	// event is not
	select {
	case oldest := <-s.buf:
		if Critical(oldest.Type) && !Critical(e.Type) {
			// keep the critical one, drop the incoming event instead
			s.buf <- oldest
			return e
		}
		s.buf <- e
		if Critical(oldest.Type) {
			// displaced by another critical event; still never silently lost,
			// webhooks carry the persistent copy
			return oldest
		}
		return oldest
	default:
		return e
	}
}

// Events is the subscriber's receive channel
func (s *Subscriber) Events() <-chan *Event {
	return s.buf
}

// Join adds the subscriber to a room
func (s *Subscriber) Join(room string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.hub.rooms[room] == nil {
		s.hub.rooms[room] = map[*Subscriber]bool{}
	}
	s.hub.rooms[room][s] = true

	s.mu.Lock()
	s.rooms[room] = true
	s.mu.Unlock()
}

// Leave removes the subscriber from a room
func (s *Subscriber) Leave(room string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if subs, ok := s.hub.rooms[room]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.hub.rooms, room)
		}
	}

	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

// Close removes the subscriber from every room and closes its channel
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	for _, room := range rooms {
		s.Leave(room)
	}
	close(s.buf)
}
