package command

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/auth"
	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/metrics"
	"github.com/roboedge-io/roboedge/internal/robot"
	"github.com/roboedge-io/roboedge/internal/schema"
	"github.com/roboedge-io/roboedge/internal/wire"
)

// DefaultCommandTimeoutMS applies when a request omits timeout_ms.
const DefaultCommandTimeoutMS = 10000

// Handler runs the command pipeline: validate, authenticate, authorize,
// de-duplicate, record, reply accepted, then execute asynchronously via
// the router. The synchronous reply always precedes the execution
// goroutine; the terminal response is cached before its event is
// published.
type Handler struct {
	schemas *schema.Registry
	auth    *auth.Manager
	router  *robot.Router
	store   *Store
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	defaultTimeoutMS int
}

// NewHandler wires the pipeline. defaultTimeoutMS <= 0 selects the
// default.
func NewHandler(schemas *schema.Registry, authMgr *auth.Manager, router *robot.Router, store *Store, bus *events.Bus, m *metrics.Metrics, defaultTimeoutMS int, logger *zap.Logger) *Handler {
	if defaultTimeoutMS <= 0 {
		defaultTimeoutMS = DefaultCommandTimeoutMS
	}
	return &Handler{
		schemas:          schemas,
		auth:             authMgr,
		router:           router,
		store:            store,
		bus:              bus,
		metrics:          m,
		logger:           logger.Named("command"),
		defaultTimeoutMS: defaultTimeoutMS,
	}
}

// Handle runs the pipeline on a raw request envelope and returns the
// synchronous response: a cached response for duplicates, an error
// response for rejections, or accepted. A pipeline panic is caught at
// this boundary and surfaces as ERR_INTERNAL.
func (h *Handler) Handle(ctx context.Context, raw []byte) (resp *wire.CommandResponse) {
	var req wire.CommandRequest

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("command pipeline panicked",
				zap.String("trace_id", req.TraceID),
				zap.Any("panic", r),
			)
			resp = h.reject(req, wire.NewError(wire.ErrInternal, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	// 1. Schema validation.
	if err := h.schemas.ValidateCommandRequest(raw); err != nil {
		// Best-effort decode so the rejection carries whatever IDs the
		// caller did send.
		_ = json.Unmarshal(raw, &req)
		return h.reject(req, wire.NewError(wire.ErrValidation, err.Error()))
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return h.reject(req, wire.NewError(wire.ErrValidation, err.Error()))
	}

	// 2. Authentication.
	claims, err := h.auth.VerifyToken(req.Auth.Token, auth.TokenAccess, req.TraceID)
	if err != nil {
		return h.reject(req, wire.NewError(wire.ErrUnauthorized, "authentication failed: "+err.Error()))
	}

	// 3. Authorization: the action is the command type, the resource the
	// target robot.
	if !h.auth.CheckPermission(ctx, claims.UserID, req.Command.Type, req.Command.Target.RobotID) {
		h.bus.Publish("auth.denied", events.New(req.TraceID, events.SeverityWarn, events.CategoryAuth, "permission denied", map[string]any{
			"user_id":  claims.UserID,
			"action":   req.Command.Type,
			"resource": req.Command.Target.RobotID,
		}))
		h.countAuthFailure("permission_denied")
		return h.reject(req, wire.NewError(wire.ErrUnauthorized,
			fmt.Sprintf("user is not allowed to perform %q", req.Command.Type)))
	}

	// 4. Business validation. The schema already bounds an explicit
	// timeout_ms; an omitted one gets the default here.
	timeoutMS := req.Command.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = h.defaultTimeoutMS
	}
	if timeoutMS < wire.MinTimeoutMS || timeoutMS > wire.MaxTimeoutMS {
		return h.reject(req, wire.NewError(wire.ErrValidation,
			fmt.Sprintf("timeout_ms %d outside [%d, %d]", timeoutMS, wire.MinTimeoutMS, wire.MaxTimeoutMS)))
	}

	// 5. Idempotency: a known command ID returns its cached response
	// verbatim, whatever state the command is in.
	if cached, ok := h.store.CachedResponse(req.Command.ID); ok {
		h.logger.Debug("duplicate command, returning cached response",
			zap.String("command_id", req.Command.ID),
			zap.String("trace_id", req.TraceID),
		)
		return cached
	}

	// 6. Context creation.
	accepted := wire.NewResponse(req.TraceID, req.Command.ID, wire.StatusAccepted)
	if !h.store.CreateContext(req, accepted) {
		return h.reject(req, wire.NewError(wire.ErrInternal, "command context store is full"))
	}

	// 7. Accepted event, synchronous accepted reply.
	h.publishCommand("command.accepted", req.TraceID, events.SeverityInfo, "command accepted", map[string]any{
		"command_id":   req.Command.ID,
		"command_type": req.Command.Type,
		"robot_id":     req.Command.Target.RobotID,
		"status":       string(wire.StatusAccepted),
	})

	// 8. Async execution. The goroutine is spawned after the accepted
	// response is fully built, and detaches from the request context so
	// the client disconnecting does not abort the command.
	go h.execute(context.WithoutCancel(ctx), req, timeoutMS)

	return accepted
}

// execute drives the running → terminal half of the state machine.
func (h *Handler) execute(ctx context.Context, req wire.CommandRequest, timeoutMS int) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("command execution panicked",
				zap.String("command_id", req.Command.ID),
				zap.Any("panic", r),
			)
			resp := wire.NewResponse(req.TraceID, req.Command.ID, wire.StatusFailed)
			resp.Error = wire.NewError(wire.ErrInternal, fmt.Sprintf("internal error: %v", r))
			h.finish(req, resp)
		}
	}()

	h.store.SetStatus(req.Command.ID, wire.StatusRunning)
	h.publishCommand("command.running", req.TraceID, events.SeverityDebug, "command running", map[string]any{
		"command_id": req.Command.ID,
		"robot_id":   req.Command.Target.RobotID,
	})

	result, werr := h.router.RouteCommand(ctx, req.Command.Target.RobotID, req.Command.Type, req.Command.Params, timeoutMS, req.TraceID)

	var resp *wire.CommandResponse
	if werr != nil {
		resp = wire.NewResponse(req.TraceID, req.Command.ID, wire.StatusFailed)
		resp.Error = werr
	} else {
		resp = wire.NewResponse(req.TraceID, req.Command.ID, wire.StatusSucceeded)
		resp.Result = result.Data
	}
	h.finish(req, resp)
}

// finish stores the terminal response and publishes the matching event.
// The store decides the true terminal state: a success that raced with a
// cancellation comes back as cancelled.
func (h *Handler) finish(req wire.CommandRequest, resp *wire.CommandResponse) {
	stored := h.store.UpdateResult(req.Command.ID, resp)
	status := stored.Command.Status

	evCtx := map[string]any{
		"command_id":   req.Command.ID,
		"command_type": req.Command.Type,
		"robot_id":     req.Command.Target.RobotID,
		"actor_id":     req.Actor.ID,
		"status":       string(status),
	}
	sev := events.SeverityInfo
	topic := "command." + string(status)
	if stored.Error != nil {
		evCtx["error_code"] = string(stored.Error.Code)
		sev = severityFor(stored.Error.Code)
	}
	h.publishCommand(topic, req.TraceID, sev, "command "+string(status), evCtx)

	if h.metrics != nil {
		h.metrics.CommandsTotal.WithLabelValues(string(status)).Inc()
	}
}

// CancelCommand flips the best-effort cancellation flag. A command that
// has already reached a terminal state cannot be cancelled.
func (h *Handler) CancelCommand(commandID, traceID string) bool {
	if !h.store.Cancel(commandID) {
		return false
	}
	h.publishCommand("command.cancel_requested", traceID, events.SeverityInfo, "command cancellation requested", map[string]any{
		"command_id": commandID,
	})
	return true
}

// CommandStatus answers a status query from the context store.
func (h *Handler) CommandStatus(commandID string) (*StatusInfo, bool) {
	return h.store.CommandStatus(commandID)
}

// reject builds an error response, emits the rejection event, and counts
// it. Every rejection is observable on the bus.
func (h *Handler) reject(req wire.CommandRequest, werr *wire.Error) *wire.CommandResponse {
	resp := wire.NewResponse(req.TraceID, req.Command.ID, wire.StatusFailed)
	resp.Error = werr

	h.publishCommand("command.rejected", req.TraceID, severityFor(werr.Code), "command rejected", map[string]any{
		"command_id": req.Command.ID,
		"error_code": string(werr.Code),
	})

	if h.metrics != nil {
		h.metrics.CommandsTotal.WithLabelValues("rejected").Inc()
	}
	return resp
}

func (h *Handler) publishCommand(topic, traceID string, sev events.Severity, msg string, evCtx map[string]any) {
	h.bus.Publish(topic, events.New(traceID, sev, events.CategoryCommand, msg, evCtx))
}

func (h *Handler) countAuthFailure(reason string) {
	if h.metrics != nil {
		h.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// severityFor maps an error code onto the event severity: client and auth
// errors warn, internal and transport errors are errors.
func severityFor(code wire.ErrorCode) events.Severity {
	switch code {
	case wire.ErrInternal, wire.ErrProtocol:
		return events.SeverityError
	default:
		return events.SeverityWarn
	}
}
