package robot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/state"
	"github.com/roboedge-io/roboedge/internal/wire"
)

// dispatchFunc adapts a function to the Dispatcher interface for tests.
type dispatchFunc func(ctx context.Context, r *Robot, commandType string, params map[string]any, traceID string) (map[string]any, error)

func (f dispatchFunc) Dispatch(ctx context.Context, r *Robot, commandType string, params map[string]any, traceID string) (map[string]any, error) {
	return f(ctx, r, commandType, params, traceID)
}

func newTestRouter(t *testing.T, threshold time.Duration, d Dispatcher) (*Router, *events.Bus, *state.Store) {
	t.Helper()
	bus := events.NewBus(100, zap.NewNop())
	t.Cleanup(bus.Close)
	store := state.New(bus, zap.NewNop())

	dispatchers := map[Protocol]Dispatcher{}
	if d != nil {
		dispatchers[ProtocolHTTP] = d
	}
	return NewRouter(Config{
		OfflineThreshold: threshold,
		Dispatchers:      dispatchers,
		Bus:              bus,
		Store:            store,
		Logger:           zap.NewNop(),
	}), bus, store
}

func testRegistration(id string) Registration {
	return Registration{
		RobotID:   id,
		RobotType: "humanoid",
		Endpoint:  "http://robot.local:9000",
		Protocol:  ProtocolHTTP,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	rt, _, store := newTestRouter(t, 0, nil)

	assert.True(t, rt.Register(testRegistration("r1")), "first registration is new")
	assert.False(t, rt.Register(testRegistration("r1")), "re-registration is an update")

	r, ok := rt.Get("r1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, r.Status)
	assert.False(t, r.LastHeartbeat.IsZero())

	v, ok := store.Get("robot:r1")
	require.True(t, ok)
	assert.Equal(t, "online", v)

	_, ok = rt.Get("ghost")
	assert.False(t, ok)
}

func TestListFilters(t *testing.T) {
	rt, _, _ := newTestRouter(t, 0, nil)
	rt.Register(testRegistration("r1"))

	reg := testRegistration("r2")
	reg.RobotType = "arm"
	rt.Register(reg)

	assert.Len(t, rt.List("", ""), 2)
	assert.Len(t, rt.List("arm", ""), 1)
	assert.Len(t, rt.List("", StatusOnline), 2)
	assert.Empty(t, rt.List("", StatusOffline))
}

func TestUnregister(t *testing.T) {
	rt, _, store := newTestRouter(t, 0, nil)
	rt.Register(testRegistration("r1"))

	assert.True(t, rt.Unregister("r1"))
	assert.False(t, rt.Unregister("r1"), "second unregister finds nothing")

	_, ok := store.Get("robot:r1")
	assert.False(t, ok, "state entry removed with the robot")
}

func TestHeartbeatUnknownRobot(t *testing.T) {
	rt, _, _ := newTestRouter(t, 0, nil)
	assert.False(t, rt.UpdateHeartbeat(Heartbeat{RobotID: "ghost"}))
}

func TestHeartbeatMaintenance(t *testing.T) {
	rt, _, _ := newTestRouter(t, 0, nil)
	rt.Register(testRegistration("r1"))

	require.True(t, rt.UpdateHeartbeat(Heartbeat{RobotID: "r1", Status: StatusMaintenance}))
	r, _ := rt.Get("r1")
	assert.Equal(t, StatusMaintenance, r.Status)

	require.True(t, rt.UpdateHeartbeat(Heartbeat{RobotID: "r1"}))
	r, _ = rt.Get("r1")
	assert.Equal(t, StatusOnline, r.Status, "empty heartbeat status means online")
}

func TestRouteCommandSuccess(t *testing.T) {
	rt, _, _ := newTestRouter(t, 0, dispatchFunc(func(_ context.Context, r *Robot, commandType string, params map[string]any, traceID string) (map[string]any, error) {
		assert.Equal(t, "r1", r.RobotID)
		assert.Equal(t, "move", commandType)
		assert.Equal(t, "trace-1", traceID)
		return map[string]any{"distance": 2.5}, nil
	}))
	rt.Register(testRegistration("r1"))

	res, werr := rt.RouteCommand(context.Background(), "r1", "move", map[string]any{"direction": "forward"}, 1000, "trace-1")
	require.Nil(t, werr)
	assert.Equal(t, "command executed successfully", res.Summary)
	assert.Equal(t, 2.5, res.Data["distance"])

	r, _ := rt.Get("r1")
	assert.Equal(t, StatusOnline, r.Status, "status restored after dispatch")
}

func TestRouteCommandUnknownRobot(t *testing.T) {
	rt, _, _ := newTestRouter(t, 0, nil)
	_, werr := rt.RouteCommand(context.Background(), "ghost", "move", nil, 1000, "t")
	require.NotNil(t, werr)
	assert.Equal(t, wire.ErrRobotNotFound, werr.Code)
}

func TestRouteCommandOfflineRobot(t *testing.T) {
	var calls atomic.Int64
	rt, _, _ := newTestRouter(t, 0, dispatchFunc(func(context.Context, *Robot, string, map[string]any, string) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	}))
	rt.Register(testRegistration("r1"))
	rt.UpdateHeartbeat(Heartbeat{RobotID: "r1", Status: StatusOffline})

	_, werr := rt.RouteCommand(context.Background(), "r1", "move", nil, 1000, "t")
	require.NotNil(t, werr)
	assert.Equal(t, wire.ErrRobotOffline, werr.Code)
	assert.Zero(t, calls.Load(), "offline robot must not be contacted")
}

func TestRouteCommandBusySingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int64

	rt, _, _ := newTestRouter(t, 0, dispatchFunc(func(context.Context, *Robot, string, map[string]any, string) (map[string]any, error) {
		calls.Add(1)
		close(started)
		<-release
		return map[string]any{}, nil
	}))
	rt.Register(testRegistration("r1"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, werr := rt.RouteCommand(context.Background(), "r1", "move", nil, 5000, "t1")
		assert.Nil(t, werr)
		assert.NotNil(t, res)
	}()

	<-started
	r, _ := rt.Get("r1")
	assert.Equal(t, StatusBusy, r.Status, "busy is observable while dispatching")

	// Second command for the same robot fails fast and never reaches
	// the transport.
	_, werr := rt.RouteCommand(context.Background(), "r1", "stop", nil, 5000, "t2")
	require.NotNil(t, werr)
	assert.Equal(t, wire.ErrRobotBusy, werr.Code)
	assert.Equal(t, int64(1), calls.Load())

	close(release)
	wg.Wait()

	r, _ = rt.Get("r1")
	assert.Equal(t, StatusOnline, r.Status)
}

func TestRouteCommandTimeout(t *testing.T) {
	rt, _, _ := newTestRouter(t, 0, dispatchFunc(func(ctx context.Context, _ *Robot, _ string, _ map[string]any, _ string) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	rt.Register(testRegistration("r1"))

	_, werr := rt.RouteCommand(context.Background(), "r1", "move", nil, 100, "t")
	require.NotNil(t, werr)
	assert.Equal(t, wire.ErrTimeout, werr.Code)
}

func TestRouteCommandTransportError(t *testing.T) {
	rt, _, _ := newTestRouter(t, 0, dispatchFunc(func(context.Context, *Robot, string, map[string]any, string) (map[string]any, error) {
		return nil, errors.New("connection refused")
	}))
	rt.Register(testRegistration("r1"))

	_, werr := rt.RouteCommand(context.Background(), "r1", "move", nil, 1000, "t")
	require.NotNil(t, werr)
	assert.Equal(t, wire.ErrProtocol, werr.Code)
	assert.Contains(t, werr.Message, "connection refused")
}

func TestRouteCommandReservedProtocol(t *testing.T) {
	rt, _, _ := newTestRouter(t, 0, nil)
	reg := testRegistration("r1")
	reg.Protocol = ProtocolMQTT
	rt.Register(reg)

	_, werr := rt.RouteCommand(context.Background(), "r1", "move", nil, 1000, "t")
	require.NotNil(t, werr)
	assert.Equal(t, wire.ErrProtocol, werr.Code)
	assert.Contains(t, werr.Message, "not implemented")
}

func TestReapStale(t *testing.T) {
	rt, bus, _ := newTestRouter(t, 20*time.Millisecond, nil)
	sub := bus.Subscribe("robot.offline")
	defer sub.Close()

	rt.Register(testRegistration("r1"))
	rt.Register(testRegistration("r2"))

	assert.Zero(t, rt.ReapStale(), "fresh heartbeats are not reaped")

	time.Sleep(30 * time.Millisecond)
	rt.UpdateHeartbeat(Heartbeat{RobotID: "r2"})

	assert.Equal(t, 1, rt.ReapStale())
	r, _ := rt.Get("r1")
	assert.Equal(t, StatusOffline, r.Status)
	r, _ = rt.Get("r2")
	assert.Equal(t, StatusOnline, r.Status)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.SeverityWarn, ev.Severity)
		assert.Equal(t, "r1", ev.Context["robot_id"])
	case <-time.After(time.Second):
		t.Fatal("no offline event emitted")
	}

	// Routing to the reaped robot fails until it heartbeats again.
	_, werr := rt.RouteCommand(context.Background(), "r1", "move", nil, 1000, "t")
	require.NotNil(t, werr)
	assert.Equal(t, wire.ErrRobotOffline, werr.Code)

	rt.UpdateHeartbeat(Heartbeat{RobotID: "r1"})
	r, _ = rt.Get("r1")
	assert.Equal(t, StatusOnline, r.Status)
}

func TestReapStaleSkipsAlreadyOffline(t *testing.T) {
	rt, _, _ := newTestRouter(t, 10*time.Millisecond, nil)
	rt.Register(testRegistration("r1"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rt.ReapStale())
	assert.Zero(t, rt.ReapStale(), "already-offline robots are not reaped twice")
}
