// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "announcer"

// Tier outcomes.
const (
	OutcomeHit     = "hit"
	OutcomeEmpty   = "empty"
	OutcomeQuota   = "quota_error"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

var (
	// TierRuns counts discovery tier executions by tier and outcome.
	TierRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "tier_runs_total",
		Help:      "Discovery tier executions by tier and outcome.",
	}, []string{"tier", "outcome"})

	// QuotaErrors counts upstream quota rejections.
	QuotaErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "keypool",
		Name:      "quota_errors_total",
		Help:      "Upstream responses classified as quota exhaustion.",
	})

	// QuotaSuspended is 1 while quota-costly queries are suspended.
	QuotaSuspended = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "keypool",
		Name:      "suspended",
		Help:      "Whether quota-costly discovery is suspended.",
	})

	// Announcements counts delivered announcements by origin.
	Announcements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "announcements_total",
		Help:      "Announcements handed to the delivery sink by origin.",
	}, []string{"origin"})

	// DeliveryFailures counts sink errors.
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Delivery sink invocations that returned an error.",
	})

	// Notifications counts push callbacks by result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "websub",
		Name:      "notifications_total",
		Help:      "Push notifications by result.",
	}, []string{"result"})

	// Subscriptions reports subscription records by state.
	Subscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websub",
		Name:      "subscriptions",
		Help:      "Subscription records by state.",
	}, []string{"state"})

	// TickDuration observes scheduler tick latency.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of a full discovery tick.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// Relayed counts queued announcements processed by the relay worker.
	Relayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "tasks_total",
		Help:      "Queued announcement tasks by result.",
	}, []string{"result"})

	// StatePersists counts watch state writes by result.
	StatePersists = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "state",
		Name:      "persists_total",
		Help:      "Watch state persistence attempts by result.",
	}, []string{"result"})
)

// SetSuspended records the suspension gauge.
func SetSuspended(suspended bool) {
	if suspended {
		QuotaSuspended.Set(1)
		return
	}
	QuotaSuspended.Set(0)
}
