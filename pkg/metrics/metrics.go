package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"job_type"},
	)

	JobsDispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axon_jobs_dispatched_total",
			Help: "Total number of jobs handed to a generation backend",
		},
	)

	ClaimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axon_claim_conflicts_total",
			Help: "Total number of claims lost to another dispatcher",
		},
	)

	SubmissionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_submission_failures_total",
			Help: "Total number of backend submissions that failed and released their job",
		},
		[]string{"reason"}, // not_connected, rejected, connection_lost, other
	)

	DispatchTickSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "axon_dispatch_tick_seconds",
			Help:    "Duration of one dispatch tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// Job outcomes
	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	// Backend events
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_platform_events_total",
			Help: "Total number of platform events handled",
		},
		[]string{"event"},
	)

	EventsIgnoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_platform_events_ignored_total",
			Help: "Total number of events dropped as stale, duplicate or late",
		},
		[]string{"event"},
	)

	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_backend_frames_dropped_total",
			Help: "Total number of backend frames that could not be parsed",
		},
		[]string{"instance"},
	)

	InstanceConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "axon_instance_connected",
			Help: "1 while the generation instance connection is up",
		},
		[]string{"instance"},
	)

	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_instance_reconnect_attempts_total",
			Help: "Total number of reconnect attempts per generation instance",
		},
		[]string{"instance"},
	)

	StaleExecutionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axon_stale_executions_total",
			Help: "Total number of executions failed for going silent",
		},
	)

	// Workers
	WorkersLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "axon_workers_lost_total",
			Help: "Total number of workers marked offline by the heartbeat sweep",
		},
	)

	// Notification hub
	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "axon_hub_clients",
			Help: "Current number of connected notification clients",
		},
	)

	HubClientsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_hub_clients_dropped_total",
			Help: "Total number of notification clients disconnected by the hub",
		},
		[]string{"reason"}, // slow, heartbeat
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_notifications_total",
			Help: "Total number of notifications published",
		},
		[]string{"type"},
	)
)
