package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/audit"
	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/ws"
)

// EventHandler serves the audit trail: filtered queries over retained
// events and a live WebSocket stream.
type EventHandler struct {
	sink   *audit.Sink
	bus    *events.Bus
	hub    *ws.Hub
	logger *zap.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(sink *audit.Sink, bus *events.Bus, hub *ws.Hub, logger *zap.Logger) *EventHandler {
	return &EventHandler{sink: sink, bus: bus, hub: hub, logger: logger}
}

// List handles GET /api/events?trace_id=&category=&severity=&limit=.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ErrBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	evs := h.sink.Events(audit.Filter{
		TraceID:  q.Get("trace_id"),
		Category: q.Get("category"),
		Severity: events.Severity(q.Get("severity")),
		Limit:    limit,
	})
	Ok(w, map[string]any{
		"events": evs,
		"count":  len(evs),
	})
}

// Metrics handles GET /api/events/metrics: the event counter map keyed
// event_<category>_<severity>.
func (h *EventHandler) Metrics(w http.ResponseWriter, _ *http.Request) {
	Ok(w, h.sink.Metrics())
}

// Stream handles GET /api/events/stream: upgrades to WebSocket and pushes
// events matching the optional topic pattern and trace_id as they occur.
// Delivery order is the bus's publish order, so per-trace order holds.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("topic")
	if pattern == "" {
		pattern = "*"
	}
	if err := ws.Serve(h.hub, h.bus, w, r, pattern, r.URL.Query().Get("trace_id"), h.logger); err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
	}
}
