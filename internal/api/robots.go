package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/robot"
)

// RobotHandler exposes the robot registry.
type RobotHandler struct {
	router *robot.Router
	logger *zap.Logger
}

// NewRobotHandler creates a RobotHandler.
func NewRobotHandler(router *robot.Router, logger *zap.Logger) *RobotHandler {
	return &RobotHandler{router: router, logger: logger}
}

// Register handles POST /api/robots/register: create-or-update by
// robot_id. 201 for a new robot, 200 for an update.
func (h *RobotHandler) Register(w http.ResponseWriter, r *http.Request) {
	var reg robot.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		ErrBadRequest(w, "invalid registration body")
		return
	}
	if reg.RobotID == "" || reg.Endpoint == "" {
		ErrBadRequest(w, "robot_id and endpoint are required")
		return
	}
	if reg.Protocol == "" {
		reg.Protocol = robot.ProtocolHTTP
	}

	created := h.router.Register(reg)
	got, _ := h.router.Get(reg.RobotID)
	if created {
		Created(w, got)
		return
	}
	Ok(w, got)
}

// Unregister handles DELETE /api/robots/{robot_id}.
func (h *RobotHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")
	if !h.router.Unregister(robotID) {
		ErrNotFound(w)
		return
	}
	Ok(w, map[string]string{"robot_id": robotID})
}

// Heartbeat handles POST /api/robots/heartbeat. Unknown robots get a 404
// telling them to register first.
func (h *RobotHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb robot.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		ErrBadRequest(w, "invalid heartbeat body")
		return
	}
	if hb.RobotID == "" {
		ErrBadRequest(w, "robot_id is required")
		return
	}
	if !h.router.UpdateHeartbeat(hb) {
		errJSON(w, http.StatusNotFound, "robot is not registered", "not_found")
		return
	}
	Ok(w, map[string]string{"robot_id": hb.RobotID})
}

// List handles GET /api/robots with optional robot_type and status
// filters.
func (h *RobotHandler) List(w http.ResponseWriter, r *http.Request) {
	robots := h.router.List(
		r.URL.Query().Get("robot_type"),
		robot.Status(r.URL.Query().Get("status")),
	)
	Ok(w, map[string]any{
		"robots": robots,
		"count":  len(robots),
	})
}

// Get handles GET /api/robots/{robot_id}.
func (h *RobotHandler) Get(w http.ResponseWriter, r *http.Request) {
	got, ok := h.router.Get(chi.URLParam(r, "robot_id"))
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, got)
}
