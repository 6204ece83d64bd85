package chain

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milestonepay",
		Subsystem: "chain",
		Name:      "calls_total",
		Help:      "Chain RPC operations by network, operation and result class.",
	}, []string{"network", "op", "result"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "milestonepay",
		Subsystem: "chain",
		Name:      "call_duration_seconds",
		Help:      "Duration of chain operations including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"network", "op"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milestonepay",
		Subsystem: "chain",
		Name:      "retries_total",
		Help:      "Backoff retries of transient chain failures.",
	}, []string{"network", "op"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration, retriesTotal)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "transient"
	case IsConfiguration(err):
		return "configuration"
	default:
		return "error"
	}
}
