package robot

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxDispatchResponseBytes bounds how much of a robot's response body is
// read. Robots answer with small JSON documents; anything larger is a
// misbehaving endpoint.
const maxDispatchResponseBytes = 1 << 20

// Dispatcher delivers one command to one robot and returns the robot's
// response body. Implementations translate transport failures into plain
// errors; the router maps them onto the wire taxonomy.
type Dispatcher interface {
	Dispatch(ctx context.Context, r *Robot, commandType string, params map[string]any, traceID string) (map[string]any, error)
}

// dispatchRequest is the JSON body POSTed to an HTTP robot.
type dispatchRequest struct {
	TraceID     string         `json:"trace_id"`
	CommandType string         `json:"command_type"`
	Params      map[string]any `json:"params,omitempty"`
}

// HTTPDispatcher dispatches commands to robots that expose an HTTP
// command endpoint: POST {endpoint}/api/command. Any 2xx JSON body is the
// result; a non-2xx response is a protocol error carrying the body text.
type HTTPDispatcher struct {
	client *http.Client
}

// NewHTTPDispatcher creates an HTTPDispatcher. When verifyTLS is false,
// certificate verification is disabled — development convenience only,
// the default configuration keeps it on.
func NewHTTPDispatcher(verifyTLS bool) *HTTPDispatcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &HTTPDispatcher{
		// Per-call deadlines come from the caller's context; the client
		// itself carries no timeout so it cannot undercut a long
		// command's timeout_ms.
		client: &http.Client{Transport: transport},
	}
}

// Dispatch implements Dispatcher for HTTP robots.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, r *Robot, commandType string, params map[string]any, traceID string) (map[string]any, error) {
	body, err := json.Marshal(dispatchRequest{
		TraceID:     traceID,
		CommandType: commandType,
		Params:      params,
	})
	if err != nil {
		return nil, fmt.Errorf("robot: encoding dispatch body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint+"/api/command", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("robot: building dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("robot: dispatch to %s failed: %w", r.RobotID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDispatchResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("robot: reading dispatch response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("robot: %s answered %d: %s", r.RobotID, resp.StatusCode, string(raw))
	}

	// Any JSON body is accepted as the result. An empty or non-object
	// body is preserved under a generic key rather than rejected —
	// the contract is "200 means the robot did it".
	var data map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = map[string]any{"raw": string(raw)}
		}
	}
	return data, nil
}

// reservedDispatcher stands in for the mqtt and websocket transports.
// The dispatch signature is already final, so future implementations
// replace this without touching the router.
type reservedDispatcher struct {
	protocol Protocol
}

func (d *reservedDispatcher) Dispatch(_ context.Context, r *Robot, _ string, _ map[string]any, _ string) (map[string]any, error) {
	return nil, fmt.Errorf("robot: protocol %q not implemented (robot %s)", d.protocol, r.RobotID)
}

// dispatchDeadline converts a timeout in milliseconds to an absolute
// context deadline.
func dispatchDeadline(ctx context.Context, timeoutMS int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
}
