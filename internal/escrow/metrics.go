package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	syncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milestonepay",
		Subsystem: "escrow",
		Name:      "syncs_total",
		Help:      "Order syncs by trigger and result (changed, unchanged, error).",
	}, []string{"trigger", "result"})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "milestonepay",
		Subsystem: "escrow",
		Name:      "sync_duration_seconds",
		Help:      "Duration of one order sync including chain reads.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	milestoneTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milestonepay",
		Subsystem: "escrow",
		Name:      "milestone_transitions_total",
		Help:      "Milestone status changes applied from chain state.",
	}, []string{"from", "to"})

	autoApprovalOverrides = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milestonepay",
		Subsystem: "escrow",
		Name:      "auto_approval_overrides_total",
		Help:      "On-chain auto-approvals held back because a local dispute is open.",
	})

	txFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milestonepay",
		Subsystem: "escrow",
		Name:      "transactions_finalized_total",
		Help:      "Pending transactions moved to a terminal status, by type and status.",
	}, []string{"type", "status"})

	disputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milestonepay",
		Subsystem: "escrow",
		Name:      "disputes_total",
		Help:      "Dispute lifecycle events (raised, resolved) by outcome.",
	}, []string{"event", "outcome"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "milestonepay",
		Subsystem: "escrow",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of background sweep runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "milestonepay",
		Subsystem: "escrow",
		Name:      "sweep_backlog",
		Help:      "Orders and transactions picked up by the last sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		syncsTotal,
		syncDuration,
		milestoneTransitions,
		autoApprovalOverrides,
		txFinalized,
		disputesTotal,
		sweepDuration,
		sweepBacklog,
	)
}
