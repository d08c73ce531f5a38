package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for leaderelect.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// IsLeader is 1 while this participant holds leadership.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaderelect",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "1 if this participant is the current leader, 0 otherwise",
		},
	)

	// Candidates tracks the size of the last observed candidate set.
	Candidates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leaderelect",
			Subsystem: "election",
			Name:      "candidates",
			Help:      "Number of candidates seen by the last resolution",
		},
	)

	// Registrations counts candidate markers created.
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderelect",
			Subsystem: "election",
			Name:      "registrations_total",
			Help:      "Total number of candidacy registrations by result",
		},
		[]string{"result"},
	)

	// Resolutions counts leadership resolutions by outcome.
	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderelect",
			Subsystem: "election",
			Name:      "resolutions_total",
			Help:      "Total number of leadership resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// ResolveDuration tracks how long a resolution takes.
	ResolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "leaderelect",
			Subsystem: "election",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of leadership resolutions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	// LeaderChanges counts observed changes of the leader identity.
	LeaderChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leaderelect",
			Subsystem: "election",
			Name:      "leader_changes_total",
			Help:      "Total number of observed leader changes",
		},
	)

	// --- Session Metrics ---

	// SessionEvents counts notifications delivered by the coordination session.
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderelect",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Total number of coordination session events by kind",
		},
		[]string{"kind"},
	)

	// WatchNotifications counts deletion notifications by whether they were acted on.
	WatchNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderelect",
			Subsystem: "session",
			Name:      "watch_notifications_total",
			Help:      "Total number of predecessor watch notifications by result",
		},
		[]string{"result"},
	)

	// --- Agent Metrics ---

	// Attempts counts election attempts (fresh session plus registration).
	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leaderelect",
			Subsystem: "agent",
			Name:      "attempts_total",
			Help:      "Total number of election attempts by result",
		},
		[]string{"result"},
	)

	// BreakerState mirrors the rejoin circuit breaker (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "leaderelect",
			Subsystem: "agent",
			Name:      "breaker_state",
			Help:      "Rejoin circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"breaker"},
	)
)

// RecordResolution records the outcome of one leadership resolution.
func RecordResolution(outcome string, candidates int, durationSeconds float64) {
	Resolutions.WithLabelValues(outcome).Inc()
	ResolveDuration.Observe(durationSeconds)
	if candidates >= 0 {
		Candidates.Set(float64(candidates))
	}
}

// SetLeader updates the leadership gauge.
func SetLeader(leader bool) {
	if leader {
		IsLeader.Set(1)
		return
	}
	IsLeader.Set(0)
}
