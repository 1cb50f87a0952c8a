// Package events implements the in-process event bus used by every core
// component to announce state transitions. Topics are dot-separated strings
// ("command.accepted", "robot.status_updated"); subscribers match either an
// exact topic, a prefix wildcard ("robot.*"), or everything ("*").
//
// Publishing never blocks: each subscriber owns a buffered channel and a
// subscriber that cannot keep up has events dropped (and counted) rather
// than stalling the publisher or other subscribers. A bounded ring buffer
// keeps the most recent events for post-hoc inspection.
package events

import (
	"time"
)

// Severity classifies an event. The canonical set is DEBUG, INFO, WARN, ERROR.
type Severity string

const (
	SeverityDebug Severity = "DEBUG"
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Well-known event categories. The category names the subsystem that emitted
// the event and doubles as the first segment of the bus topic.
const (
	CategoryCommand = "command"
	CategoryAuth    = "auth"
	CategoryRobot   = "robot"
	CategoryQueue   = "queue"
	CategoryService = "service"
	CategoryState   = "state"
)

// Event is the structured record emitted on every decision and state
// transition in the core. TraceID ties an event back to the request that
// caused it; all events emitted while processing one request share its
// trace ID.
type Event struct {
	TraceID   string         `json:"trace_id"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// New builds an Event with the timestamp set to the current UTC time.
// Context may be nil.
func New(traceID string, severity Severity, category, message string, ctx map[string]any) Event {
	return Event{
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Category:  category,
		Message:   message,
		Context:   ctx,
	}
}
