// Package audit captures every event published on the bus and keeps a
// bounded, queryable record of them. It is the in-process view used by the
// events API; durable audit log storage is an external collaborator that
// can attach its own bus subscription.
package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/events"
)

// defaultCapacity is how many events the sink retains when no explicit
// capacity is configured.
const defaultCapacity = 10000

// Filter narrows an Events query. Zero-valued fields are ignored.
type Filter struct {
	TraceID  string
	Category string
	Severity events.Severity

	// Limit caps the number of returned events (most recent wins).
	// Zero means no cap beyond the sink's retention.
	Limit int
}

// Sink subscribes to all bus topics and records the events it sees.
// Run must be started in its own goroutine before events are published,
// otherwise early events are missed.
type Sink struct {
	mu       sync.RWMutex
	buf      []events.Event
	next     int
	count    int
	counters map[string]uint64

	sub       *events.Subscription
	logger    *zap.Logger
	evCounter *prometheus.CounterVec
}

// New creates a Sink attached to bus. capacity <= 0 selects the default.
// If reg is non-nil an events counter vector is registered on it.
func New(bus *events.Bus, capacity int, reg prometheus.Registerer, logger *zap.Logger) *Sink {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	s := &Sink{
		buf:      make([]events.Event, capacity),
		counters: make(map[string]uint64),
		sub:      bus.Subscribe("*"),
		logger:   logger.Named("audit"),
	}
	if reg != nil {
		s.evCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roboedge_events_total",
			Help: "Events captured by the audit sink, by category and severity.",
		}, []string{"category", "severity"})
		reg.MustRegister(s.evCounter)
	}
	return s
}

// Run drains the bus subscription until ctx is cancelled or the bus closes.
// Call it exactly once, in its own goroutine.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			s.record(ev)
		case <-ctx.Done():
			s.sub.Close()
			return
		}
	}
}

func (s *Sink) record(ev events.Event) {
	s.mu.Lock()
	s.buf[s.next] = ev
	s.next = (s.next + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
	s.counters[fmt.Sprintf("event_%s_%s", ev.Category, ev.Severity)]++
	s.mu.Unlock()

	if s.evCounter != nil {
		s.evCounter.WithLabelValues(ev.Category, string(ev.Severity)).Inc()
	}
}

// Events returns retained events matching the filter, oldest first.
func (s *Sink) Events(f Filter) []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]events.Event, 0, s.count)
	start := s.next - s.count
	if start < 0 {
		start += len(s.buf)
	}
	for i := 0; i < s.count; i++ {
		ev := s.buf[(start+i)%len(s.buf)]
		if f.TraceID != "" && ev.TraceID != f.TraceID {
			continue
		}
		if f.Category != "" && ev.Category != f.Category {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		matched = append(matched, ev)
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}

// Metrics returns a copy of the event counter map, keyed
// "event_<category>_<severity>".
func (s *Sink) Metrics() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]uint64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}
