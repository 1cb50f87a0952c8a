package events

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// defaultHistorySize is how many events the bus retains for Recent queries
// when no explicit size is given.
const defaultHistorySize = 1000

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls more than this many events behind starts losing events.
const subscriberBuffer = 256

// Subscription is a live attachment to the bus. Events matching the
// subscription's pattern are delivered on C in publish order. Close the
// subscription when done to release bus resources; C is closed afterwards.
type Subscription struct {
	// C delivers matching events. The channel is closed when the
	// subscription is cancelled or the bus shuts down.
	C <-chan Event

	pattern string
	ch      chan Event
	bus     *Bus

	// dropped counts events lost because the channel buffer was full.
	// Guarded by the bus mutex.
	dropped uint64

	once sync.Once
}

// Pattern returns the topic pattern this subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// Dropped reports how many events were discarded because this subscriber
// could not keep up with the publish rate.
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.dropped
}

// Close detaches the subscription from the bus and closes C.
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus is the in-process publish/subscribe broker.
//
// Publish delivers with a non-blocking send under the bus lock, so one slow
// subscriber can never stall the publisher or its peers — it just starts
// losing events once its buffer fills.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	logger  *zap.Logger
	history *ring
}

// NewBus creates a Bus retaining historySize events for Recent.
// historySize <= 0 selects the default.
func NewBus(historySize int, logger *zap.Logger) *Bus {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		logger:  logger.Named("events"),
		history: newRing(historySize),
	}
}

// Subscribe attaches a new subscriber for the given topic pattern.
// Patterns: exact topic ("queue.status_changed"), prefix wildcard
// ("robot.*"), or "*" for every topic.
func (b *Bus) Subscribe(pattern string) *Subscription {
	sub := &Subscription{
		pattern: pattern,
		ch:      make(chan Event, subscriberBuffer),
		bus:     b,
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber whose pattern matches topic and
// records it in the history ring. It never blocks: subscribers with a full
// buffer lose the event.
func (b *Bus) Publish(topic string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history.add(ev)

	// The exclusive lock serializes publishers, which is what gives
	// subscribers a single global delivery order, and keeps a racing Close
	// from closing channels mid-send. The sends are non-blocking, so the
	// hold time stays bounded.
	for sub := range b.subs {
		if !topicMatches(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				b.logger.Warn("subscriber lagging, dropping events",
					zap.String("pattern", sub.pattern),
					zap.String("topic", topic),
					zap.Uint64("dropped", sub.dropped),
				)
			}
		}
	}
}

// Recent returns up to n of the most recently published events, oldest
// first. n <= 0 returns the full retained history.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.snapshot(n)
}

// SubscriberCount returns the number of live subscriptions. Intended for
// health endpoints and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down, closing every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// topicMatches reports whether a subscription pattern matches a concrete
// topic. "*" matches everything; "robot.*" matches "robot.registered" and
// any other topic under the "robot." prefix; anything else is an exact
// comparison.
func topicMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return pattern == topic
}

// ring is a fixed-size circular buffer of events.
// Not safe for concurrent use on its own — the bus mutex guards it.
type ring struct {
	buf   []Event
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) add(ev Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns up to n retained events, oldest first.
func (r *ring) snapshot(n int) []Event {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Event, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
