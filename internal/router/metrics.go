package router

import "github.com/prometheus/client_golang/prometheus"

var unmatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "taskdirector_router_unmatched_total",
		Help: "Total number of envelopes whose command had no registered handler.",
	},
	[]string{"side"},
)

func init() {
	prometheus.MustRegister(unmatchedTotal)
}
