// Package metrics exposes hobbes Prometheus collectors on a private registry.
package metrics

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry holds every hobbes collector.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TurnTotal, TurnDuration,
		StreamAttempts, StreamOutcomes,
		ToolCallTotal, ToolDuration, ToolInFlight,
		PermissionDecisions, ApprovalWaits,
	)
}

// TurnTotal counts finished turns by outcome.
var TurnTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hobbes_turn_total",
		Help: "Finished turns by outcome.",
	},
	[]string{"outcome"}, // done | failed | depth_limit | cancelled
)

// TurnDuration observes wall time of a whole turn, follow-ups included.
var TurnDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "hobbes_turn_duration_seconds",
		Help:    "Turn duration in seconds.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	},
)

// StreamAttempts counts model requests; kind is first or retry.
var StreamAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hobbes_stream_attempts_total",
		Help: "Streaming requests sent to the model endpoint.",
	},
	[]string{"kind"},
)

// StreamOutcomes counts how decoded streams ended.
var StreamOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hobbes_stream_outcomes_total",
		Help: "Decoded stream outcomes.",
	},
	[]string{"outcome"}, // ok | fallback | malformed_exhausted | protocol_error | transport_error | cancelled
)

// ToolCallTotal counts resolved tool calls by status.
var ToolCallTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hobbes_tool_calls_total",
		Help: "Resolved tool calls by server and status.",
	},
	[]string{"server", "status"},
)

// ToolDuration observes tool service latency.
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "hobbes_tool_duration_seconds",
		Help:    "Tool service call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// ToolInFlight is the number of tool tasks currently dispatched.
var ToolInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "hobbes_tool_in_flight",
		Help: "Tool tasks currently running.",
	},
)

// PermissionDecisions counts gate decisions.
var PermissionDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hobbes_permission_decisions_total",
		Help: "Permission gate decisions by category and decision.",
	},
	[]string{"category", "decision"},
)

// ApprovalWaits counts interactive approvals by result.
var ApprovalWaits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hobbes_approval_results_total",
		Help: "User approval prompts by result.",
	},
	[]string{"result"}, // approved | denied | timeout | cancelled
)

// Handler serves DefaultRegistry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}

// WritePrometheus writes the text exposition format to w.
func WritePrometheus(w io.Writer) error {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
