package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/metrics"
	"github.com/roboedge-io/roboedge/internal/state"
	"github.com/roboedge-io/roboedge/internal/wire"
)

// entry pairs a registry record with its single-flight lock. The lock is
// created once at registration and survives re-registration, so two
// dispatches can never race across a robot's reconnect.
type entry struct {
	// flight is the per-robot single-flight lock, held for the duration
	// of one dispatch. Separate from the registry lock: holding it while
	// a robot executes must not block registry reads.
	flight sync.Mutex

	robot Robot
}

// Router owns the robot registry and routes commands to robots over their
// declared protocol. Safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	robots map[string]*entry

	dispatchers      map[Protocol]Dispatcher
	offlineThreshold time.Duration

	bus     *events.Bus
	store   *state.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Config holds the Router's dependencies. HTTP is the only real
// dispatcher; mqtt and websocket fall back to reserved stubs unless a
// Dispatchers entry overrides them (tests do this).
type Config struct {
	OfflineThreshold time.Duration
	VerifyTLS        bool
	Dispatchers      map[Protocol]Dispatcher

	Bus     *events.Bus
	Store   *state.Store
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewRouter creates an empty Router.
func NewRouter(cfg Config) *Router {
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultOfflineThreshold
	}

	dispatchers := map[Protocol]Dispatcher{
		ProtocolHTTP:      NewHTTPDispatcher(cfg.VerifyTLS),
		ProtocolMQTT:      &reservedDispatcher{protocol: ProtocolMQTT},
		ProtocolWebSocket: &reservedDispatcher{protocol: ProtocolWebSocket},
	}
	for p, d := range cfg.Dispatchers {
		dispatchers[p] = d
	}

	return &Router{
		robots:           make(map[string]*entry),
		dispatchers:      dispatchers,
		offlineThreshold: cfg.OfflineThreshold,
		bus:              cfg.Bus,
		store:            cfg.Store,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger.Named("robot"),
	}
}

// Register creates or updates a robot by its ID. The robot comes back
// online with a fresh heartbeat; its single-flight lock is created only
// on first registration. Returns true when the robot is new.
func (rt *Router) Register(reg Registration) bool {
	if reg.RobotID == "" {
		return false
	}

	rt.mu.Lock()
	e, exists := rt.robots[reg.RobotID]
	if !exists {
		e = &entry{}
		rt.robots[reg.RobotID] = e
	}
	e.robot = Robot{
		RobotID:       reg.RobotID,
		RobotType:     reg.RobotType,
		Capabilities:  reg.Capabilities,
		Status:        StatusOnline,
		Endpoint:      reg.Endpoint,
		Protocol:      reg.Protocol,
		LastHeartbeat: time.Now().UTC(),
		Metadata:      reg.Metadata,
	}
	rt.mu.Unlock()

	rt.logger.Info("robot registered",
		zap.String("robot_id", reg.RobotID),
		zap.String("robot_type", reg.RobotType),
		zap.String("protocol", string(reg.Protocol)),
		zap.Bool("new", !exists),
	)
	rt.publishRobot("robot.registered", events.SeverityInfo, reg.RobotID, "robot registered", map[string]any{
		"robot_type": reg.RobotType,
		"protocol":   string(reg.Protocol),
	})
	rt.setState(reg.RobotID, StatusOnline)
	rt.updateOnlineGauge()
	return !exists
}

// Unregister removes a robot. Returns false for unknown IDs.
func (rt *Router) Unregister(robotID string) bool {
	rt.mu.Lock()
	_, exists := rt.robots[robotID]
	delete(rt.robots, robotID)
	rt.mu.Unlock()

	if !exists {
		return false
	}
	rt.logger.Info("robot unregistered", zap.String("robot_id", robotID))
	rt.publishRobot("robot.unregistered", events.SeverityInfo, robotID, "robot unregistered", nil)
	if rt.store != nil {
		rt.store.Delete("robot:"+robotID, "")
	}
	rt.updateOnlineGauge()
	return true
}

// UpdateHeartbeat refreshes a robot's liveness. Unknown robots return
// false — a robot must register before heartbeating. A heartbeat never
// overwrites busy: that status belongs to the dispatch lock.
func (rt *Router) UpdateHeartbeat(hb Heartbeat) bool {
	rt.mu.Lock()
	e, exists := rt.robots[hb.RobotID]
	if !exists {
		rt.mu.Unlock()
		return false
	}

	e.robot.LastHeartbeat = time.Now().UTC()
	next := hb.Status
	if next == "" {
		next = StatusOnline
	}
	if e.robot.Status != StatusBusy {
		e.robot.Status = next
	}
	status := e.robot.Status
	rt.mu.Unlock()

	rt.setState(hb.RobotID, status)
	rt.updateOnlineGauge()
	return true
}

// Get returns a snapshot of the robot, or false if unknown.
func (rt *Router) Get(robotID string) (Robot, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	e, ok := rt.robots[robotID]
	if !ok {
		return Robot{}, false
	}
	return e.robot, true
}

// List returns snapshots of all robots matching the optional type and
// status filters (empty matches everything).
func (rt *Router) List(robotType string, status Status) []Robot {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]Robot, 0, len(rt.robots))
	for _, e := range rt.robots {
		if robotType != "" && e.robot.RobotType != robotType {
			continue
		}
		if status != "" && e.robot.Status != status {
			continue
		}
		out = append(out, e.robot)
	}
	return out
}

// RouteCommand dispatches one command to one robot with a hard deadline.
// The per-robot lock serializes dispatches: a second command for the same
// robot fails fast with ERR_ROBOT_BUSY instead of queueing.
func (rt *Router) RouteCommand(ctx context.Context, robotID, commandType string, params map[string]any, timeoutMS int, traceID string) (*Result, *wire.Error) {
	rt.mu.RLock()
	e, ok := rt.robots[robotID]
	rt.mu.RUnlock()
	if !ok {
		rt.countDispatch("not_found")
		return nil, wire.NewError(wire.ErrRobotNotFound, fmt.Sprintf("robot %q is not registered", robotID))
	}

	rt.mu.RLock()
	status := e.robot.Status
	rt.mu.RUnlock()
	if status == StatusOffline {
		rt.countDispatch("offline")
		return nil, wire.NewError(wire.ErrRobotOffline, fmt.Sprintf("robot %q is offline", robotID))
	}

	if !e.flight.TryLock() {
		rt.countDispatch("busy")
		return nil, wire.NewError(wire.ErrRobotBusy, fmt.Sprintf("robot %q is executing another command", robotID))
	}
	defer e.flight.Unlock()

	rt.mu.Lock()
	e.robot.Status = StatusBusy
	robotCopy := e.robot
	rt.mu.Unlock()
	rt.setState(robotID, StatusBusy)

	defer func() {
		// Restore online only if the status is still busy — the reaper
		// may have marked the robot offline while we were dispatching.
		rt.mu.Lock()
		restored := false
		if e.robot.Status == StatusBusy {
			e.robot.Status = StatusOnline
			restored = true
		}
		rt.mu.Unlock()
		if restored {
			rt.setState(robotID, StatusOnline)
		}
	}()

	dispatcher, ok := rt.dispatchers[robotCopy.Protocol]
	if !ok {
		rt.countDispatch("protocol_error")
		return nil, wire.NewError(wire.ErrProtocol, fmt.Sprintf("unknown protocol %q", robotCopy.Protocol))
	}

	dctx, cancel := dispatchDeadline(ctx, timeoutMS)
	defer cancel()

	data, err := dispatcher.Dispatch(dctx, &robotCopy, commandType, params, traceID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || dctx.Err() == context.DeadlineExceeded {
			rt.countDispatch("timeout")
			rt.logger.Warn("robot dispatch timed out",
				zap.String("robot_id", robotID),
				zap.String("trace_id", traceID),
				zap.Int("timeout_ms", timeoutMS),
			)
			return nil, wire.NewError(wire.ErrTimeout, fmt.Sprintf("command timed out after %dms", timeoutMS))
		}
		rt.countDispatch("protocol_error")
		rt.logger.Warn("robot dispatch failed",
			zap.String("robot_id", robotID),
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		return nil, wire.NewError(wire.ErrProtocol, err.Error())
	}

	rt.countDispatch("ok")
	return &Result{
		Data:    data,
		Summary: "command executed successfully",
	}, nil
}

// ReapStale marks robots with no heartbeat inside the offline threshold
// as offline and emits a robot event for each. Returns how many were
// reaped. Wired as a periodic background job; the interval is the
// caller's concern.
func (rt *Router) ReapStale() int {
	cutoff := time.Now().UTC().Add(-rt.offlineThreshold)

	var reaped []string
	rt.mu.Lock()
	for id, e := range rt.robots {
		if e.robot.Status != StatusOffline && e.robot.LastHeartbeat.Before(cutoff) {
			e.robot.Status = StatusOffline
			reaped = append(reaped, id)
		}
	}
	rt.mu.Unlock()

	for _, id := range reaped {
		rt.logger.Warn("robot marked offline, heartbeat stale",
			zap.String("robot_id", id),
			zap.Duration("threshold", rt.offlineThreshold),
		)
		rt.publishRobot("robot.offline", events.SeverityWarn, id, "robot heartbeat stale, marked offline", map[string]any{
			"threshold_sec": int(rt.offlineThreshold.Seconds()),
		})
		rt.setState(id, StatusOffline)
	}
	if len(reaped) > 0 {
		rt.updateOnlineGauge()
	}
	return len(reaped)
}

func (rt *Router) publishRobot(topic string, sev events.Severity, robotID, msg string, extra map[string]any) {
	ctx := map[string]any{"robot_id": robotID}
	for k, v := range extra {
		ctx[k] = v
	}
	rt.bus.Publish(topic, events.New("", sev, events.CategoryRobot, msg, ctx))
}

func (rt *Router) setState(robotID string, status Status) {
	if rt.store != nil {
		rt.store.Set("robot:"+robotID, string(status), "")
	}
}

func (rt *Router) countDispatch(outcome string) {
	if rt.metrics != nil {
		rt.metrics.RobotDispatches.WithLabelValues(outcome).Inc()
	}
}

func (rt *Router) updateOnlineGauge() {
	if rt.metrics == nil {
		return
	}
	rt.mu.RLock()
	n := 0
	for _, e := range rt.robots {
		if e.robot.Status == StatusOnline || e.robot.Status == StatusBusy {
			n++
		}
	}
	rt.mu.RUnlock()
	rt.metrics.RobotsOnline.Set(float64(n))
}
