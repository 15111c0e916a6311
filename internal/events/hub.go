// Package events fans bridge lifecycle and traffic events out to the control
// API's event stream.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type names an event kind.
type Type string

const (
	ProcessStarted  Type = "process.started"
	ProcessExited   Type = "process.exited"
	ProcessStopped  Type = "process.stopped"
	BridgeReset     Type = "bridge.reset"
	CommandSent     Type = "command.sent"
	CommandDropped  Type = "command.dropped"
	CommandReceived Type = "command.received"
	RecordReported  Type = "record.reported"
	RecordDeferred  Type = "record.deferred"
)

// Event is one published occurrence. IDs increase by one per Publish.
type Event struct {
	ID   int64           `json:"id"`
	Type Type            `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

const (
	defaultBacklog   = 100
	subscriberBuffer = 64
)

// Hub keeps the most recent events for replay and pushes new ones to
// subscribers. A nil *Hub drops everything, so components publish
// unconditionally.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event
	limit   int
	subs    map[*Subscription]struct{}
}

// NewHub keeps up to backlog events for late subscribers.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish records an event of type t carrying data as JSON. Data that cannot
// be encoded is published as an empty object.
func (h *Hub) Publish(t Type, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastID++
	ev := Event{ID: h.lastID, Type: t, At: time.Now().UTC(), Data: payload}
	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for sub := range h.subs {
		sub.offer(ev)
	}
}

// Subscribe starts a feed of events of the given types, or of every type
// when none are given. Close it when done.
func (h *Hub) Subscribe(types ...Type) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, filter: newFilter(types)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// SnapshotSince returns buffered events with ID > lastID, oldest first,
// limited to types when any are given.
func (h *Hub) SnapshotSince(lastID int64, types ...Type) []Event {
	f := newFilter(types)
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for _, ev := range h.backlog {
		if ev.ID > lastID && f.match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Subscription is a live feed from a Hub. C is closed by Close.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	hub    *Hub
	filter filter
	missed int
}

// offer delivers ev without blocking the publisher; a full buffer drops it.
// Called with the hub lock held.
func (s *Subscription) offer(ev Event) {
	if !s.filter.match(ev.Type) {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.missed++
	}
}

// Close detaches the subscription and returns how many events it missed
// because its buffer was full. Closing twice is harmless.
func (s *Subscription) Close() int {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
		close(s.ch)
	}
	return s.missed
}

type filter map[Type]struct{}

func newFilter(types []Type) filter {
	if len(types) == 0 {
		return nil
	}
	f := make(filter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}
	return f
}

func (f filter) match(t Type) bool {
	if f == nil {
		return true
	}
	_, ok := f[t]
	return ok
}
