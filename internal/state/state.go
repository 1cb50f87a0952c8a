// Package state provides the observable key/value view shared between
// components. Keys are namespaced by convention ("robot:<id>",
// "queue:status", "service:health") and every mutation publishes a change
// event on a well-known bus topic derived from the key's namespace, so
// interested components subscribe to the bus rather than polling the store.
package state

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/events"
)

// Topics published on key mutation, by key namespace.
const (
	TopicRobotStatus   = "robot.status_updated"
	TopicQueueStatus   = "queue.status_changed"
	TopicServiceHealth = "service.health_changed"
	TopicStateChanged  = "state.changed"
)

// Store is the shared key/value store. Reads are served from an in-memory
// map under a read lock; writes publish a change event after the map is
// updated, so a reader woken by the event always observes the new value.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	bus    *events.Bus
	logger *zap.Logger
}

// New creates an empty Store publishing change events on bus.
func New(bus *events.Bus, logger *zap.Logger) *Store {
	return &Store{
		values: make(map[string]any),
		bus:    bus,
		logger: logger.Named("state"),
	}
}

// Set stores value under key and publishes a change event on the topic for
// the key's namespace. traceID may be empty for mutations not tied to a
// request.
func (s *Store) Set(key string, value any, traceID string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()

	topic := topicForKey(key)
	s.bus.Publish(topic, events.New(traceID, events.SeverityDebug, events.CategoryState, "state updated", map[string]any{
		"key":   key,
		"value": value,
	}))
}

// Get returns the value stored under key, or false if the key is unset.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Delete removes key from the store. Deleting an absent key is a no-op and
// publishes nothing.
func (s *Store) Delete(key string, traceID string) {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()

	if !existed {
		return
	}
	s.bus.Publish(topicForKey(key), events.New(traceID, events.SeverityDebug, events.CategoryState, "state deleted", map[string]any{
		"key": key,
	}))
}

// Snapshot returns a copy of all entries under the given key prefix.
// An empty prefix copies the whole store.
func (s *Store) Snapshot(prefix string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any)
	for k, v := range s.values {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// topicForKey maps a key namespace to its bus topic. Unknown namespaces
// fall through to the generic state topic.
func topicForKey(key string) string {
	ns, _, _ := strings.Cut(key, ":")
	switch ns {
	case "robot":
		return TopicRobotStatus
	case "queue":
		return TopicQueueStatus
	case "service":
		return TopicServiceHealth
	default:
		return TopicStateChanged
	}
}
