package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the number of sessions in the registry.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessionrag",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions currently held in the registry",
		},
	)

	// ClearedTotal counts destroyed sessions by reason.
	ClearedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionrag",
			Subsystem: "session",
			Name:      "cleared_total",
			Help:      "Total number of sessions destroyed, by reason (clear, expired)",
		},
		[]string{"reason"},
	)

	// CommitDuration observes how long the exclusive state lock is held.
	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sessionrag",
			Subsystem: "session",
			Name:      "commit_duration_seconds",
			Help:      "Time spent committing a batch under the session state lock",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
