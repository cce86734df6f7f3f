// Package metrics exposes the controller's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeartbeatsIngested counts heartbeat pings accepted from agents.
	HeartbeatsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_heartbeats_ingested_total",
		Help: "Heartbeat pings accepted from agents.",
	})

	// AgentsDemoted counts agents flipped to OFFLINE by the sweep.
	AgentsDemoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_agents_demoted_total",
		Help: "Agents demoted to OFFLINE by the staleness sweep.",
	})

	// TasksEnqueued counts tasks created, by type.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_tasks_enqueued_total",
		Help: "Tasks enqueued, by type.",
	}, []string{"type"})

	// TasksFinished counts tasks reaching a terminal state.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_tasks_finished_total",
		Help: "Tasks reaching a terminal state, by type and status.",
	}, []string{"type", "status"})

	// BootstrapInstalls counts agent install attempts by outcome.
	BootstrapInstalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_bootstrap_installs_total",
		Help: "Agent install attempts, by outcome.",
	}, []string{"outcome"})

	// ServersReconciled counts reconciliations that corrected drift.
	ServersReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_servers_reconciled_total",
		Help: "Reconciliations that corrected a server status.",
	})

	// ExecutorQueueDepth tracks tasks waiting in the executor channel.
	ExecutorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_executor_queue_depth",
		Help: "Tasks waiting in the in-process executor queue.",
	})
)
