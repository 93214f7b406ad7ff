// Package metrics exposes Prometheus instrumentation for the OTC core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts accepted order submissions by side.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wello_orders_submitted_total",
		Help: "Total number of orders accepted by the order book",
	},
	[]string{"side"},
)

// OrdersRejected counts rejected order submissions by error code.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wello_orders_rejected_total",
		Help: "Total number of order submissions rejected",
	},
	[]string{"code"},
)

// OrdersCancelled counts successful cancellations.
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "wello_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	},
)

// AutoMatches counts auto-match attempts by result (matched, no_liquidity, error).
var AutoMatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wello_auto_matches_total",
		Help: "Total number of auto-match attempts by result",
	},
	[]string{"result"},
)

// MatchScores records the distribution of recommendation scores.
var MatchScores = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "wello_match_score",
		Help:    "Distribution of computed match scores",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	},
)

// EscrowTransitions counts escrow state transitions by target state.
var EscrowTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wello_escrow_transitions_total",
		Help: "Total number of escrow state transitions by resulting state",
	},
	[]string{"to"},
)

// DisputesOpened counts disputes opened.
var DisputesOpened = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "wello_disputes_opened_total",
		Help: "Total number of disputes opened",
	},
)

// DisputesResolved counts dispute resolutions by outcome.
var DisputesResolved = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wello_disputes_resolved_total",
		Help: "Total number of disputes resolved by outcome",
	},
	[]string{"outcome"},
)

// ReputationOutcomes counts reputation outcome events applied by kind.
var ReputationOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wello_reputation_outcomes_total",
		Help: "Total number of trade outcome events applied to the ledger",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, OrdersCancelled)
	prometheus.MustRegister(AutoMatches, MatchScores)
	prometheus.MustRegister(EscrowTransitions, DisputesOpened, DisputesResolved)
	prometheus.MustRegister(ReputationOutcomes)
}
