package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/command"
	"github.com/roboedge-io/roboedge/internal/wire"
)

// maxCommandBodyBytes bounds the command request envelope.
const maxCommandBodyBytes = 1 << 20

// CommandHandler exposes the command pipeline over HTTP. The POST
// endpoint authenticates through the envelope's auth.token, not the
// Authorization header, because the envelope is the platform contract.
type CommandHandler struct {
	pipeline *command.Handler
	logger   *zap.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(pipeline *command.Handler, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{pipeline: pipeline, logger: logger}
}

// Post handles POST /api/command. The response body is always a
// CommandResponse; the HTTP status follows the error taxonomy, 200 for
// accepted and for cached terminal responses.
func (h *CommandHandler) Post(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBodyBytes))
	if err != nil {
		resp := wire.NewResponse("", "", wire.StatusFailed)
		resp.Error = wire.NewError(wire.ErrValidation, "unreadable request body")
		JSON(w, http.StatusBadRequest, resp)
		return
	}

	resp := h.pipeline.Handle(r.Context(), raw)
	status := http.StatusOK
	if resp.Error != nil {
		status = wire.HTTPStatus(resp.Error.Code)
	}
	JSON(w, status, resp)
}

// Get handles GET /api/command/{command_id}.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, ok := h.pipeline.CommandStatus(chi.URLParam(r, "command_id"))
	if !ok {
		ErrNotFound(w)
		return
	}
	JSON(w, http.StatusOK, info)
}

// Delete handles DELETE /api/command/{command_id}: best-effort
// cancellation. Unknown or already-terminal commands are a 404.
func (h *CommandHandler) Delete(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "command_id")
	if !h.pipeline.CancelCommand(commandID, "") {
		ErrNotFound(w)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"message":    "cancellation requested",
		"command_id": commandID,
	})
}
