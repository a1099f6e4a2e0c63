package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus-compatible counters and histograms for the
// three pipeline stages, namespaced "pipeline_". A single Metrics value is
// shared by all workers in a process; every method is a thin, label-scoped
// wrapper so call sites never touch the underlying vectors directly.
type Metrics struct {
	stageLatency     *prometheus.HistogramVec
	eventsProcessed  *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	receiptsClaimed  *prometheus.CounterVec
	receiptsRejected *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
}

// NewMetrics registers every pipeline metric with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "stage_latency_ms",
			Help:      "Handler processing duration in milliseconds, from claim to receipt completion",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"stage", "status"}),
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "events_processed_total",
			Help:      "Events a stage has finished handling, by outcome",
		}, []string{"stage", "event_type", "status"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "state_transitions_total",
			Help:      "Conversation state transitions actually committed by the store",
		}, []string{"from", "to"}),
		receiptsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "receipts_claimed_total",
			Help:      "ClaimReceipt outcomes, by whether the claim was granted",
		}, []string{"handler", "granted"}),
		receiptsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "duplicate_deliveries_total",
			Help:      "Deliveries skipped because their receipt was already claimed or completed",
		}, []string{"handler"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "tool_calls_total",
			Help:      "Executor tool invocations, by action and success",
		}, []string{"action", "success"}),
	}
}

// ObserveStageLatency records how long a stage spent on one delivery.
func (m *Metrics) ObserveStageLatency(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage, status).Observe(float64(d.Milliseconds()))
}

// IncEventProcessed records a stage finishing one event.
func (m *Metrics) IncEventProcessed(stage, eventType, status string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(stage, eventType, status).Inc()
}

// IncTransition records a committed state transition.
func (m *Metrics) IncTransition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// IncReceiptClaim records a ClaimReceipt call's outcome.
func (m *Metrics) IncReceiptClaim(handler string, granted bool) {
	if m == nil {
		return
	}
	m.receiptsClaimed.WithLabelValues(handler, boolLabel(granted)).Inc()
	if !granted {
		m.receiptsRejected.WithLabelValues(handler).Inc()
	}
}

// IncToolCall records an Executor tool dispatch.
func (m *Metrics) IncToolCall(action string, success bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(action, boolLabel(success)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
