// Package metrics provides Prometheus metrics for the auth core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prismgate"

var (
	// AuthDecisions counts successful authentications by subject kind.
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Successful authentication decisions by subject kind",
		},
		[]string{"subject_kind"},
	)

	// AuthRejections counts rejections by error kind.
	AuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Rejected authentications by error kind",
		},
		[]string{"kind"},
	)

	// AuthDuration observes end-to-end authentication latency.
	AuthDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_duration_seconds",
			Help:      "Latency of one authentication pass",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// StoreLoads counts credential store loads executed by the stampede
	// coordinator, by record kind.
	StoreLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_loads_total",
			Help:      "Credential store loads executed after cache miss",
		},
		[]string{"record"},
	)

	// StampedeSuppressed counts loads avoided by single-flight coalescing.
	StampedeSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stampede_suppressed_total",
			Help:      "Concurrent loads coalesced into an in-flight load",
		},
	)

	// JWKSFetches counts JWKS document fetches by outcome.
	JWKSFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetches_total",
			Help:      "JWKS document fetches by outcome",
		},
		[]string{"outcome"},
	)

	// BudgetAlerts counts fired budget alerts by scope and severity.
	BudgetAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Budget alerts fired by scope and severity",
		},
		[]string{"scope", "severity"},
	)

	// KeyRemainingBudget tracks remaining budget for recently seen keys.
	KeyRemainingBudget = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_remaining_budget",
			Help:      "Remaining budget for key in USD",
		},
		[]string{"key_id"},
	)

	// TeamRemainingBudget tracks remaining budget for recently seen teams.
	TeamRemainingBudget = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "team_remaining_budget",
			Help:      "Remaining budget for team in USD",
		},
		[]string{"team"},
	)
)
