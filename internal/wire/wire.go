// Package wire defines the JSON contracts the platform speaks on its
// boundaries: the command request/response envelopes and the error
// taxonomy. Both the edge API and the cloud side consume these shapes, so
// they live in one place and change together.
package wire

import (
	"net/http"
	"time"
)

// Bounds applied to CommandRequest.Command.TimeoutMS. Values outside the
// window are rejected, not clamped silently — the caller asked for
// something the platform will not honor.
const (
	MinTimeoutMS = 100
	MaxTimeoutMS = 600000
)

// ErrorCode is the machine-readable error taxonomy used on the wire.
type ErrorCode string

const (
	ErrValidation    ErrorCode = "ERR_VALIDATION"
	ErrUnauthorized  ErrorCode = "ERR_UNAUTHORIZED"
	ErrRobotNotFound ErrorCode = "ERR_ROBOT_NOT_FOUND"
	ErrRobotOffline  ErrorCode = "ERR_ROBOT_OFFLINE"
	ErrRobotBusy     ErrorCode = "ERR_ROBOT_BUSY"
	ErrProtocol      ErrorCode = "ERR_PROTOCOL"
	ErrTimeout       ErrorCode = "ERR_TIMEOUT"
	ErrInternal      ErrorCode = "ERR_INTERNAL"
)

// Error is the structured error object carried in a CommandResponse.
// It implements error so it can travel through Go call chains, but it is
// data, not control flow: it never crosses an async boundary as a panic.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError builds an *Error with no details.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// HTTPStatus maps an error code to the HTTP status the API responds with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrRobotNotFound:
		return http.StatusNotFound
	case ErrRobotBusy:
		return http.StatusConflict
	case ErrRobotOffline:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// CommandStatus is the lifecycle state of a command.
// pending → accepted → running → succeeded | failed | cancelled.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusAccepted  CommandStatus = "accepted"
	StatusRunning   CommandStatus = "running"
	StatusSucceeded CommandStatus = "succeeded"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s CommandStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Actor identifies who issued a request ("user", "service", "schedule").
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Target names the robot a command is addressed to.
type Target struct {
	RobotID string `json:"robot_id"`
}

// Command is the command block of a CommandRequest.
type Command struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Target    Target         `json:"target"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMS int            `json:"timeout_ms,omitempty"`
	Priority  string         `json:"priority,omitempty"`
}

// Auth carries the bearer token of a CommandRequest.
type Auth struct {
	Token string `json:"token"`
}

// CommandRequest is the inbound command envelope.
type CommandRequest struct {
	TraceID   string            `json:"trace_id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     Actor             `json:"actor"`
	Source    string            `json:"source,omitempty"`
	Command   Command           `json:"command"`
	Auth      Auth              `json:"auth"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// ResponseCommand is the command block echoed in a CommandResponse.
type ResponseCommand struct {
	ID     string        `json:"id"`
	Status CommandStatus `json:"status"`
}

// CommandResponse is the outbound envelope. On accepted, neither Result
// nor Error is set; on a terminal state exactly one of them is.
type CommandResponse struct {
	TraceID   string          `json:"trace_id"`
	Timestamp time.Time       `json:"timestamp"`
	Command   ResponseCommand `json:"command"`
	Result    map[string]any  `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// NewResponse builds a CommandResponse with the timestamp set.
func NewResponse(traceID, commandID string, status CommandStatus) *CommandResponse {
	return &CommandResponse{
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
		Command:   ResponseCommand{ID: commandID, Status: status},
	}
}
