package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the runtime: frame log activity,
// model calls, pipeline executions, streaming, and compaction.
type Metrics struct {
	// FramesAppended counts appended frames.
	// Labels: type (message|request|result|update|compact)
	FramesAppended *prometheus.CounterVec

	// ModelRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests.
	// Labels: provider, model, status (success|error|rate_limited)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ModelTokensUsed *prometheus.CounterVec

	// LoopIterations observes agentic loop lengths per turn.
	LoopIterations prometheus.Histogram

	// OperationCounter counts pipeline operation executions.
	// Labels: kind, status (completed|failed|aborted)
	OperationCounter *prometheus.CounterVec

	// OperationDuration measures operation handler latency in seconds.
	// Labels: kind
	OperationDuration *prometheus.HistogramVec

	// StreamEvents counts delivered stream events.
	// Labels: event_type
	StreamEvents *prometheus.CounterVec

	// ActiveStreams gauges currently open streaming responses.
	ActiveStreams prometheus.Gauge

	// CompactionRuns counts compaction outcomes.
	// Labels: outcome (compacted|skipped|debounced|failed)
	CompactionRuns *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (frames|loop|pipeline|gateway|compaction), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. Pass nil to register with
// the default registry; tests pass their own to avoid duplicate
// registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_frames_appended_total",
				Help: "Total number of frames appended by type",
			},
			[]string{"type"},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_model_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_model_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_model_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LoopIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "strand_loop_iterations",
				Help:    "Number of model iterations per conversation turn",
				Buckets: []float64{1, 2, 3, 5, 8, 12},
			},
		),

		OperationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_operations_total",
				Help: "Total number of pipeline operations by kind and status",
			},
			[]string{"kind", "status"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_operation_duration_seconds",
				Help:    "Duration of pipeline operations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_stream_events_total",
				Help: "Total number of stream events delivered by type",
			},
			[]string{"event_type"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "strand_active_streams",
				Help: "Current number of open streaming responses",
			},
		),

		CompactionRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_compaction_runs_total",
				Help: "Total number of compaction checks by outcome",
			},
			[]string{"outcome"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strand_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strand_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// FrameAppended increments the frame counter for a frame type.
func (m *Metrics) FrameAppended(frameType string) {
	m.FramesAppended.WithLabelValues(frameType).Inc()
}

// RecordModelRequest records one model API call.
func (m *Metrics) RecordModelRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordOperation records one pipeline operation execution.
func (m *Metrics) RecordOperation(kind, status string, durationSeconds float64) {
	m.OperationCounter.WithLabelValues(kind, status).Inc()
	m.OperationDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordStreamEvent counts a delivered stream event.
func (m *Metrics) RecordStreamEvent(eventType string) {
	m.StreamEvents.WithLabelValues(eventType).Inc()
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened() {
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the active stream gauge.
func (m *Metrics) StreamClosed() {
	m.ActiveStreams.Dec()
}

// RecordCompaction counts a compaction check outcome.
func (m *Metrics) RecordCompaction(outcome string) {
	m.CompactionRuns.WithLabelValues(outcome).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
