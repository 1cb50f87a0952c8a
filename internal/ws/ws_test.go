package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/events"
)

func newStreamServer(t *testing.T) (*Hub, *events.Bus, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	bus := events.NewBus(100, zap.NewNop())
	t.Cleanup(bus.Close)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("topic")
		if pattern == "" {
			pattern = "*"
		}
		_ = Serve(hub, bus, w, r, pattern, r.URL.Query().Get("trace_id"), zap.NewNop())
	}))
	t.Cleanup(srv.Close)
	return hub, bus, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func waitConnected(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ConnectedCount() == n },
		2*time.Second, 5*time.Millisecond)
}

func TestStreamDeliversMatchingEvents(t *testing.T) {
	hub, bus, srv := newStreamServer(t)
	conn := dial(t, srv, "topic=robot.*")
	waitConnected(t, hub, 1)

	bus.Publish("robot.registered", events.New("t1", events.SeverityInfo, events.CategoryRobot, "robot registered", map[string]any{"robot_id": "r1"}))
	bus.Publish("queue.flushed", events.New("t2", events.SeverityInfo, events.CategoryQueue, "queue flushed", nil))
	bus.Publish("robot.offline", events.New("t3", events.SeverityWarn, events.CategoryRobot, "robot offline", nil))

	ev := readEvent(t, conn)
	assert.Equal(t, "robot registered", ev.Message)
	ev = readEvent(t, conn)
	assert.Equal(t, "robot offline", ev.Message, "non-matching topics are filtered out")
}

func TestStreamPreservesPerTraceOrder(t *testing.T) {
	hub, bus, srv := newStreamServer(t)
	conn := dial(t, srv, "topic=command.*&trace_id=t1")
	waitConnected(t, hub, 1)

	for i := 0; i < 5; i++ {
		bus.Publish("command.accepted", events.New("t1", events.SeverityInfo, events.CategoryCommand, fmt.Sprintf("step-%d", i), nil))
		bus.Publish("command.accepted", events.New("other", events.SeverityInfo, events.CategoryCommand, "noise", nil))
	}

	for i := 0; i < 5; i++ {
		ev := readEvent(t, conn)
		assert.Equal(t, fmt.Sprintf("step-%d", i), ev.Message)
		assert.Equal(t, "t1", ev.TraceID)
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub, _, srv := newStreamServer(t)
	conn := dial(t, srv, "topic=*")
	waitConnected(t, hub, 1)

	require.NoError(t, conn.Close())
	waitConnected(t, hub, 0)
}

func TestShutdownClosesClients(t *testing.T) {
	hub, _, srv := newStreamServer(t)
	conn := dial(t, srv, "topic=*")
	waitConnected(t, hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hub.Shutdown(ctx)
	assert.Zero(t, hub.ConnectedCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server side closed the connection")
}
