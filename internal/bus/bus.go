// Package bus carries domain events between the gateway's components.
//
// Publishing never blocks: a subscriber that cannot keep up loses
// events rather than stalling the driver callbacks that feed the bus.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "wams_bus_dropped_events_total",
	Help: "Events dropped because a subscriber buffer was full.",
})

func init() {
	prometheus.MustRegister(droppedEvents)
}

type subscriber struct {
	prefix string
	ch     chan Event
}

func (s *subscriber) wants(kind string) bool {
	return strings.HasPrefix(kind, s.prefix)
}

// Bus fans events out to prefix-filtered subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Emit stamps a fresh ID and timestamp onto the event and publishes it.
func (b *Bus) Emit(kind, sessionID string, payload any) {
	b.Publish(Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Publish delivers evt to every subscriber whose prefix matches
// evt.Kind. Full subscribers are skipped, not waited on.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(evt.Kind) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			droppedEvents.Inc()
		}
	}
}

// Subscribe registers interest in every event kind starting with
// prefix; the empty prefix matches everything. The returned func
// removes the subscription. The channel is never closed, so a
// receiver draining after unsubscribe simply stops seeing sends.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	s := &subscriber{prefix: prefix, ch: make(chan Event, buf)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}
}
