// Package metrics provides Prometheus metrics for the turn engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Adapter call metrics, labelled by vendor and operation
	// (list_models, generate, stream).
	AdapterCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backrooms_adapter_calls_total",
			Help: "Total number of provider adapter calls",
		},
		[]string{"vendor", "operation", "status"},
	)

	AdapterCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backrooms_adapter_call_duration_seconds",
			Help:    "Duration of provider adapter calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"vendor", "operation"},
	)

	RateLimitWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backrooms_rate_limit_wait_seconds",
			Help:    "Time spent waiting on provider rate limits",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backrooms_turns_total",
			Help: "Total number of conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backrooms_turn_duration_seconds",
			Help:    "Duration of a full conversation turn in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	TurnsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backrooms_turns_in_flight",
			Help: "Number of turns currently generating",
		},
	)

	TurnConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backrooms_turn_conflicts_total",
			Help: "Turns rejected because another turn was in progress",
		},
	)

	// Transcript metrics
	MessagesAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backrooms_messages_appended_total",
			Help: "Total number of messages appended to transcripts",
		},
		[]string{"role"},
	)

	PromptTurnsTrimmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backrooms_prompt_turns_trimmed_total",
			Help: "Prompt turns dropped to fit a model context window",
		},
	)

	// Connection tests
	ConnectionTestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backrooms_connection_tests_total",
			Help: "Total number of provider connection tests",
		},
		[]string{"vendor", "status"},
	)
)

// Status returns the status label for err.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveAdapterCall records one adapter call started at start.
func ObserveAdapterCall(vendor, operation string, start time.Time, err error) {
	AdapterCallsTotal.WithLabelValues(vendor, operation, Status(err)).Inc()
	AdapterCallDuration.WithLabelValues(vendor, operation).Observe(time.Since(start).Seconds())
}
