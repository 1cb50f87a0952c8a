// Package metrics defines the Prometheus collectors exported by the edge
// node. A single Metrics value is created at startup, registered on one
// registry, and handed to the components that record into it. Components
// treat a nil *Metrics as "metrics disabled" so tests do not need a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every collector the edge node exports.
type Metrics struct {
	Registry *prometheus.Registry

	// CommandsTotal counts commands by terminal status
	// (accepted, succeeded, failed, cancelled, rejected).
	CommandsTotal *prometheus.CounterVec

	// AuthFailures counts rejected authentications by reason.
	AuthFailures *prometheus.CounterVec

	// QueueEnqueued, QueueSent, QueueFailed track sync queue throughput.
	QueueEnqueued prometheus.Counter
	QueueSent     prometheus.Counter
	QueueFailed   prometheus.Counter

	// QueuePending is the current number of pending queue rows.
	QueuePending prometheus.Gauge

	// RobotDispatches counts robot command dispatches by outcome
	// (ok, timeout, protocol_error, busy, offline, not_found).
	RobotDispatches *prometheus.CounterVec

	// RobotsOnline is the current number of robots with status online or busy.
	RobotsOnline prometheus.Gauge
}

// New creates the collector set on a fresh registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roboedge_commands_total",
			Help: "Robot commands processed, by terminal status.",
		}, []string{"status"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roboedge_auth_failures_total",
			Help: "Rejected authentications, by reason.",
		}, []string{"reason"}),
		QueueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roboedge_queue_enqueued_total",
			Help: "Operations accepted into the sync queue.",
		}),
		QueueSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roboedge_queue_sent_total",
			Help: "Queued operations delivered to the cloud.",
		}),
		QueueFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roboedge_queue_failed_total",
			Help: "Queued operations that exhausted their retries.",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roboedge_queue_pending",
			Help: "Current number of pending sync queue rows.",
		}),
		RobotDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roboedge_robot_dispatches_total",
			Help: "Robot command dispatches, by outcome.",
		}, []string{"outcome"}),
		RobotsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roboedge_robots_online",
			Help: "Robots currently online or busy.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.AuthFailures,
		m.QueueEnqueued,
		m.QueueSent,
		m.QueueFailed,
		m.QueuePending,
		m.RobotDispatches,
		m.RobotsOnline,
	)
	return m
}
