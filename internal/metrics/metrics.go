// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectsTotal counts connect attempts by transport kind and outcome.
	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "instrument_connects_total",
		Help: "The total number of instrument connect attempts",
	}, []string{"transport", "status"})

	// QueriesTotal counts query/write/read operations by outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "instrument_queries_total",
		Help: "The total number of instrument query operations",
	}, []string{"transport", "status"})

	// OpenSessions tracks the number of currently open sessions.
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "instrument_open_sessions",
		Help: "The number of currently open instrument sessions",
	})

	// QueryDuration observes query round-trip latency per transport.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "instrument_query_duration_seconds",
		Help:    "Instrument query round-trip latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"transport"})
)
