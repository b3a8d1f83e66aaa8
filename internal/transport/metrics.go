package transport

import "github.com/prometheus/client_golang/prometheus"

// Spawner kinds used as metric labels.
const (
	kindInProcess = "inprocess"
	kindProcess   = "process"
	kindDial      = "dial"
)

var (
	spawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskdirector_transport_spawn_seconds",
			Help:    "Duration from spawn request to a bootstrapped context, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	activeContexts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskdirector_transport_active_contexts",
			Help: "Number of live execution contexts.",
		},
		[]string{"kind"},
	)

	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdirector_transport_spawn_failures_total",
			Help: "Total number of contexts that failed to spawn or bootstrap.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(spawnDuration)
	prometheus.MustRegister(activeContexts)
	prometheus.MustRegister(spawnFailures)

	for _, kind := range []string{kindInProcess, kindProcess, kindDial} {
		spawnFailures.WithLabelValues(kind)
		activeContexts.WithLabelValues(kind)
	}
}
