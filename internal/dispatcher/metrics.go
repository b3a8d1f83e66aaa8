package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values for work items.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeViolation = "protocol_violation"
)

var (
	sessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskdirector_dispatcher_sessions",
			Help: "Number of worker sessions by task type and state.",
		},
		[]string{"task_type", "state"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskdirector_dispatcher_queue_depth",
			Help: "Number of work items waiting for a free session.",
		},
		[]string{"task_type"},
	)

	workItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdirector_dispatcher_work_items_total",
			Help: "Total number of resolved work items by task type and outcome.",
		},
		[]string{"task_type", "outcome"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskdirector_dispatcher_execution_seconds",
			Help:    "Time from execute to completion of a work item, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	initDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskdirector_dispatcher_init_seconds",
			Help:    "Time from spawn request to an idle session, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdirector_dispatcher_protocol_violations_total",
			Help: "Total number of sessions terminated for protocol violations.",
		},
		[]string{"task_type"},
	)

	relaysDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdirector_dispatcher_relays_dropped_total",
			Help: "Total number of relay messages with no initialized target session.",
		},
		[]string{"task_type"},
	)
)

func init() {
	prometheus.MustRegister(sessionsByState)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(workItemsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(initDuration)
	prometheus.MustRegister(protocolViolations)
	prometheus.MustRegister(relaysDropped)
}
