// Package robot maintains the registry of known robots, tracks their
// liveness via heartbeats, and dispatches commands to them over their
// declared protocol with per-robot single-flight locking.
//
// All registry state is in-memory and intentionally non-persistent: robots
// re-register and heartbeat on reconnect, so a restart converges to the
// true fleet state within one heartbeat interval.
package robot

import (
	"time"
)

// Status is a robot's liveness/availability state.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusBusy        Status = "busy"
	StatusMaintenance Status = "maintenance"
)

// Protocol selects the dispatch transport for a robot. Only HTTP is
// implemented; mqtt and websocket are reserved and dispatch to them
// reports a defined protocol error until an implementation slots in.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolMQTT      Protocol = "mqtt"
	ProtocolWebSocket Protocol = "websocket"
)

// DefaultOfflineThreshold is how long a robot may go without a heartbeat
// before the reaper marks it offline.
const DefaultOfflineThreshold = 120 * time.Second

// Registration is the payload a robot presents when it registers or
// re-registers.
type Registration struct {
	RobotID      string         `json:"robot_id"`
	RobotType    string         `json:"robot_type"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Endpoint     string         `json:"endpoint"`
	Protocol     Protocol       `json:"protocol"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Heartbeat is a periodic liveness signal from a robot. Status lets a
// robot report itself as in maintenance; an empty status means online.
type Heartbeat struct {
	RobotID string `json:"robot_id"`
	Status  Status `json:"status,omitempty"`
}

// Robot is a registry entry. Snapshots returned by the registry are
// copies — mutating them does not affect the registry.
type Robot struct {
	RobotID       string         `json:"robot_id"`
	RobotType     string         `json:"robot_type"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Status        Status         `json:"status"`
	Endpoint      string         `json:"endpoint"`
	Protocol      Protocol       `json:"protocol"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Result is the successful outcome of a routed command: the robot's
// response body plus a human-readable summary.
type Result struct {
	Data    map[string]any `json:"data"`
	Summary string         `json:"summary"`
}
