package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/robot"
	"github.com/roboedge-io/roboedge/internal/state"
	"github.com/roboedge-io/roboedge/internal/syncsvc"
	"github.com/roboedge-io/roboedge/internal/ws"
)

// HealthHandler serves the liveness/overview endpoint.
type HealthHandler struct {
	router *robot.Router
	sync   *syncsvc.Service
	hub    *ws.Hub
	state  *state.Store
	logger *zap.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(router *robot.Router, sync *syncsvc.Service, hub *ws.Hub, st *state.Store, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{router: router, sync: sync, hub: hub, state: st, logger: logger}
}

// Healthz handles GET /api/healthz: always 200 while the process serves,
// with a snapshot of the moving parts for operators.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"robots":     len(h.router.List("", "")),
		"ws_clients": h.hub.ConnectedCount(),
	}
	if status, err := h.sync.CloudStatus(r.Context()); err != nil {
		h.logger.Warn("queue statistics unavailable", zap.Error(err))
	} else {
		body["cloud_available"] = status.CloudAvailable
		body["queue"] = status.Queue
	}
	if snap, ok := h.state.Get("service:health"); ok {
		body["host"] = snap
	}
	JSON(w, http.StatusOK, body)
}
