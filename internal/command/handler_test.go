package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/roboedge-io/roboedge/internal/auth"
	"github.com/roboedge-io/roboedge/internal/db"
	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/robot"
	"github.com/roboedge-io/roboedge/internal/schema"
	"github.com/roboedge-io/roboedge/internal/state"
	"github.com/roboedge-io/roboedge/internal/wire"
)

type dispatchFunc func(ctx context.Context, r *robot.Robot, commandType string, params map[string]any, traceID string) (map[string]any, error)

func (f dispatchFunc) Dispatch(ctx context.Context, r *robot.Robot, commandType string, params map[string]any, traceID string) (map[string]any, error) {
	return f(ctx, r, commandType, params, traceID)
}

type testEnv struct {
	handler *Handler
	store   *Store
	bus     *events.Bus
	auth    *auth.Manager
}

func newTestEnv(t *testing.T, d robot.Dispatcher) *testEnv {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	tokens, err := auth.NewTokenManager([]byte("test-secret"), "roboedge-test", 0, 0)
	require.NoError(t, err)

	bus := events.NewBus(200, zap.NewNop())
	t.Cleanup(bus.Close)

	authMgr := auth.NewManager(
		auth.NewGormUserStore(database),
		auth.NewGormRefreshTokenStore(database),
		tokens, bus, nil, zap.NewNop(),
	)

	router := robot.NewRouter(robot.Config{
		Dispatchers: map[robot.Protocol]robot.Dispatcher{robot.ProtocolHTTP: d},
		Bus:         bus,
		Store:       state.New(bus, zap.NewNop()),
		Logger:      zap.NewNop(),
	})
	router.Register(robot.Registration{
		RobotID:   "r1",
		RobotType: "humanoid",
		Endpoint:  "http://robot.local:9000",
		Protocol:  robot.ProtocolHTTP,
	})

	schemas, err := schema.New()
	require.NoError(t, err)

	store := NewStore(0, 0, zap.NewNop())
	return &testEnv{
		handler: NewHandler(schemas, authMgr, router, store, bus, nil, 0, zap.NewNop()),
		store:   store,
		bus:     bus,
		auth:    authMgr,
	}
}

// accessToken registers a user with the given role and returns a valid
// access token for it.
func (env *testEnv) accessToken(t *testing.T, username string, role string) string {
	t.Helper()
	user, err := env.auth.RegisterUser(context.Background(), username, "pw", role)
	require.NoError(t, err)
	token, err := env.auth.TokenManager().Create(user.ID.String(), role, auth.TokenAccess, "", time.Minute)
	require.NoError(t, err)
	return token
}

func rawRequest(t *testing.T, traceID, commandID, commandType, token string, timeoutMS int) []byte {
	t.Helper()
	req := wire.CommandRequest{
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
		Actor:     wire.Actor{Type: "user", ID: "u1"},
		Command: wire.Command{
			ID:        commandID,
			Type:      commandType,
			Target:    wire.Target{RobotID: "r1"},
			Params:    map[string]any{"direction": "forward"},
			TimeoutMS: timeoutMS,
		},
		Auth: wire.Auth{Token: token},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return raw
}

// waitForTerminal polls the store until the command reaches a terminal
// state.
func waitForTerminal(t *testing.T, s *Store, commandID string) *StatusInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := s.CommandStatus(commandID); ok && info.Status.Terminal() {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("command %s never reached a terminal state", commandID)
	return nil
}

func TestHappyPath(t *testing.T) {
	var gotTrace atomic.Value
	env := newTestEnv(t, dispatchFunc(func(_ context.Context, _ *robot.Robot, commandType string, params map[string]any, traceID string) (map[string]any, error) {
		gotTrace.Store(traceID)
		assert.Equal(t, "robot.move", commandType)
		assert.Equal(t, "forward", params["direction"])
		return map[string]any{"distance": 2.5}, nil
	}))
	token := env.accessToken(t, "op1", auth.RoleOperator)

	sub := env.bus.Subscribe("command.*")
	defer sub.Close()

	resp := env.handler.Handle(context.Background(), rawRequest(t, "trace-1", "cmd-1", "robot.move", token, 5000))
	require.Nil(t, resp.Error)
	assert.Equal(t, wire.StatusAccepted, resp.Command.Status)
	assert.Equal(t, "trace-1", resp.TraceID)
	assert.Nil(t, resp.Result, "accepted carries neither result nor error")

	info := waitForTerminal(t, env.store, "cmd-1")
	assert.Equal(t, wire.StatusSucceeded, info.Status)
	assert.Equal(t, 2.5, info.Result["distance"])
	assert.Equal(t, "trace-1", gotTrace.Load(), "trace ID propagates to the robot dispatch")

	// accepted and succeeded events, in order, all carrying the trace.
	var topics []string
	timeout := time.After(time.Second)
	for len(topics) < 3 {
		select {
		case ev := <-sub.C:
			assert.Equal(t, "trace-1", ev.TraceID)
			topics = append(topics, ev.Message)
		case <-timeout:
			t.Fatalf("expected 3 command events, got %v", topics)
		}
	}
	assert.Equal(t, []string{"command accepted", "command running", "command succeeded"}, topics)
}

func TestSchemaViolationRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.handler.Handle(context.Background(), []byte(`{"trace_id": "t-1"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrValidation, resp.Error.Code)
	assert.Equal(t, "t-1", resp.TraceID, "rejection echoes what the caller sent")
}

func TestBadTokenRejected(t *testing.T) {
	var calls atomic.Int64
	env := newTestEnv(t, dispatchFunc(func(context.Context, *robot.Robot, string, map[string]any, string) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	}))

	resp := env.handler.Handle(context.Background(), rawRequest(t, "t1", "c1", "robot.move", "not-a-jwt", 5000))
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrUnauthorized, resp.Error.Code)
	assert.Zero(t, calls.Load(), "rejected commands never reach the robot")
}

func TestExpiredTokenRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	user, err := env.auth.RegisterUser(context.Background(), "op1", "pw", auth.RoleOperator)
	require.NoError(t, err)
	expired, err := env.auth.TokenManager().Create(user.ID.String(), auth.RoleOperator, auth.TokenAccess, "", -time.Second)
	require.NoError(t, err)

	resp := env.handler.Handle(context.Background(), rawRequest(t, "t1", "c1", "robot.move", expired, 5000))
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrUnauthorized, resp.Error.Code)
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.accessToken(t, "view1", auth.RoleViewer)

	sub := env.bus.Subscribe("auth.denied")
	defer sub.Close()

	resp := env.handler.Handle(context.Background(), rawRequest(t, "t1", "c1", "robot.move", token, 5000))
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrUnauthorized, resp.Error.Code)

	select {
	case ev := <-sub.C:
		assert.Equal(t, "robot.move", ev.Context["action"])
		assert.Equal(t, "r1", ev.Context["resource"])
	case <-time.After(time.Second):
		t.Fatal("no permission-denied event")
	}
}

func TestIdempotentDuplicate(t *testing.T) {
	var calls atomic.Int64
	env := newTestEnv(t, dispatchFunc(func(context.Context, *robot.Robot, string, map[string]any, string) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"n": calls.Load()}, nil
	}))
	token := env.accessToken(t, "op1", auth.RoleOperator)

	first := env.handler.Handle(context.Background(), rawRequest(t, "t1", "cmd-dup", "robot.move", token, 5000))
	require.Nil(t, first.Error)
	info := waitForTerminal(t, env.store, "cmd-dup")
	require.Equal(t, wire.StatusSucceeded, info.Status)

	// Same command ID again: cached terminal response verbatim, robot not
	// contacted a second time.
	second := env.handler.Handle(context.Background(), rawRequest(t, "t2", "cmd-dup", "robot.move", token, 5000))
	assert.Equal(t, wire.StatusSucceeded, second.Command.Status)
	assert.Equal(t, "t1", second.TraceID, "cached response is returned verbatim")
	assert.Equal(t, int64(1), calls.Load())
}

func TestDefaultTimeoutApplied(t *testing.T) {
	env := newTestEnv(t, dispatchFunc(func(ctx context.Context, _ *robot.Robot, _ string, _ map[string]any, _ string) (map[string]any, error) {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok, "dispatch context must carry a deadline")
		assert.InDelta(t, float64(DefaultCommandTimeoutMS), float64(time.Until(deadline).Milliseconds()), 1000)
		return map[string]any{}, nil
	}))
	token := env.accessToken(t, "op1", auth.RoleOperator)

	resp := env.handler.Handle(context.Background(), rawRequest(t, "t1", "c1", "robot.move", token, 0))
	require.Nil(t, resp.Error)
	waitForTerminal(t, env.store, "c1")
}

func TestRobotErrorSurfacesInResult(t *testing.T) {
	env := newTestEnv(t, dispatchFunc(func(context.Context, *robot.Robot, string, map[string]any, string) (map[string]any, error) {
		return nil, fmt.Errorf("connection refused")
	}))
	token := env.accessToken(t, "op1", auth.RoleOperator)

	resp := env.handler.Handle(context.Background(), rawRequest(t, "t1", "c1", "robot.move", token, 5000))
	require.Nil(t, resp.Error, "transport errors do not affect the accepted reply")

	info := waitForTerminal(t, env.store, "c1")
	assert.Equal(t, wire.StatusFailed, info.Status)
	require.NotNil(t, info.Error)
	assert.Equal(t, wire.ErrProtocol, info.Error.Code)
}

func TestCancelRacesSuccess(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	env := newTestEnv(t, dispatchFunc(func(context.Context, *robot.Robot, string, map[string]any, string) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"ok": true}, nil
	}))
	token := env.accessToken(t, "op1", auth.RoleOperator)

	resp := env.handler.Handle(context.Background(), rawRequest(t, "t1", "c1", "robot.move", token, 5000))
	require.Nil(t, resp.Error)

	<-started
	require.True(t, env.handler.CancelCommand("c1", "t1"))
	close(release)

	info := waitForTerminal(t, env.store, "c1")
	assert.Equal(t, wire.StatusCancelled, info.Status)
	assert.Nil(t, info.Result, "a cancelled command stores no success result")
}

func TestCancelUnknownCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.False(t, env.handler.CancelCommand("ghost", "t1"))
}

func TestDispatcherPanicBecomesInternalError(t *testing.T) {
	env := newTestEnv(t, dispatchFunc(func(context.Context, *robot.Robot, string, map[string]any, string) (map[string]any, error) {
		panic("actuator driver bug")
	}))
	token := env.accessToken(t, "op1", auth.RoleOperator)

	resp := env.handler.Handle(context.Background(), rawRequest(t, "t1", "c1", "robot.move", token, 5000))
	require.Nil(t, resp.Error)

	info := waitForTerminal(t, env.store, "c1")
	assert.Equal(t, wire.StatusFailed, info.Status)
	require.NotNil(t, info.Error)
	assert.Equal(t, wire.ErrInternal, info.Error.Code)
}
