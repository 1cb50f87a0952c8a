package schema

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() string {
	return fmt.Sprintf(`{
		"trace_id": "trace-1",
		"timestamp": %q,
		"actor": {"type": "user", "id": "u1"},
		"command": {
			"id": "cmd-1",
			"type": "robot.move",
			"target": {"robot_id": "r1"},
			"params": {"direction": "forward"},
			"timeout_ms": 5000
		},
		"auth": {"token": "jwt-here"}
	}`, time.Now().UTC().Format(time.RFC3339))
}

func TestValidCommandRequest(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)
	assert.NoError(t, reg.ValidateCommandRequest([]byte(validRequest())))
}

func TestCommandRequestViolations(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"trace_id": `},
		{"missing auth", `{
			"trace_id": "t", "timestamp": "2026-01-01T00:00:00Z",
			"actor": {"type": "user", "id": "u1"},
			"command": {"id": "c", "type": "robot.move", "target": {"robot_id": "r1"}}
		}`},
		{"empty trace_id", `{
			"trace_id": "", "timestamp": "2026-01-01T00:00:00Z",
			"actor": {"type": "user", "id": "u1"},
			"command": {"id": "c", "type": "robot.move", "target": {"robot_id": "r1"}},
			"auth": {"token": "x"}
		}`},
		{"unknown actor type", `{
			"trace_id": "t", "timestamp": "2026-01-01T00:00:00Z",
			"actor": {"type": "robot", "id": "u1"},
			"command": {"id": "c", "type": "robot.move", "target": {"robot_id": "r1"}},
			"auth": {"token": "x"}
		}`},
		{"timeout below minimum", `{
			"trace_id": "t", "timestamp": "2026-01-01T00:00:00Z",
			"actor": {"type": "user", "id": "u1"},
			"command": {"id": "c", "type": "robot.move", "target": {"robot_id": "r1"}, "timeout_ms": 50},
			"auth": {"token": "x"}
		}`},
		{"timeout above maximum", `{
			"trace_id": "t", "timestamp": "2026-01-01T00:00:00Z",
			"actor": {"type": "user", "id": "u1"},
			"command": {"id": "c", "type": "robot.move", "target": {"robot_id": "r1"}, "timeout_ms": 600001},
			"auth": {"token": "x"}
		}`},
		{"missing target robot", `{
			"trace_id": "t", "timestamp": "2026-01-01T00:00:00Z",
			"actor": {"type": "user", "id": "u1"},
			"command": {"id": "c", "type": "robot.move", "target": {}},
			"auth": {"token": "x"}
		}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, reg.ValidateCommandRequest([]byte(tt.body)))
		})
	}
}

func TestValidCommandResponse(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateCommandResponse([]byte(`{
		"trace_id": "t",
		"timestamp": "2026-01-01T00:00:00Z",
		"command": {"id": "c", "status": "succeeded"},
		"result": {"distance": 2.5}
	}`)))

	assert.NoError(t, reg.ValidateCommandResponse([]byte(`{
		"trace_id": "t",
		"timestamp": "2026-01-01T00:00:00Z",
		"command": {"id": "c", "status": "failed"},
		"error": {"code": "ERR_TIMEOUT", "message": "command timed out after 5000ms"}
	}`)))
}

func TestCommandResponseRejectsUnknownStatus(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	assert.Error(t, reg.ValidateCommandResponse([]byte(`{
		"trace_id": "t",
		"timestamp": "2026-01-01T00:00:00Z",
		"command": {"id": "c", "status": "exploded"}
	}`)))
}

func TestEventSchema(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	assert.NoError(t, reg.Validate(Event, []byte(`{
		"trace_id": "t",
		"timestamp": "2026-01-01T00:00:00Z",
		"severity": "WARN",
		"category": "robot",
		"message": "robot heartbeat stale, marked offline"
	}`)))

	assert.Error(t, reg.Validate(Event, []byte(`{
		"timestamp": "2026-01-01T00:00:00Z",
		"severity": "CRITICAL",
		"category": "robot",
		"message": "m"
	}`)))
}

func TestUnknownSchemaName(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)
	assert.Error(t, reg.Validate("nope.json", []byte(`{}`)))
}
