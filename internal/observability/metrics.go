package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the agent service.
//
// Collectors are registered on the Registerer passed to NewMetrics, which
// lets tests use an isolated registry:
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	m.RecordToolExecution("search_pubmed", "success", 0.4)
type Metrics struct {
	// LLMRequestDuration tracks model round-trip latency.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model round trips.
	// Labels: provider, model, status (success|error|timeout)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed counts tokens reported by providers.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches.
	// Labels: tool_name, status (success|failure|timeout|discarded)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration tracks tool dispatch latency.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopRunCounter counts agent loop runs by outcome.
	// Labels: outcome (done|error reason|cancelled)
	LoopRunCounter *prometheus.CounterVec

	// ActiveRuns is the number of loop runs currently streaming.
	ActiveRuns prometheus.Gauge

	// HTTPRequestDuration tracks HTTP handler latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration tracks SQL latency for stores and query tools.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts SQL queries.
	// Labels: operation, table, status
	DatabaseQueryCounter *prometheus.CounterVec

	// JobCounter counts async query jobs by terminal status.
	// Labels: status
	JobCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinagent_llm_request_duration_seconds",
				Help:    "Duration of LLM round trips in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinagent_llm_requests_total",
				Help: "Total number of LLM round trips by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinagent_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinagent_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinagent_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		LoopRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinagent_loop_runs_total",
				Help: "Total number of agent loop runs by outcome",
			},
			[]string{"outcome"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clinagent_active_runs",
				Help: "Number of agent loop runs currently streaming",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinagent_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinagent_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinagent_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"operation", "table"},
		),
		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinagent_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),
		JobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinagent_jobs_total",
				Help: "Total number of async query jobs by terminal status",
			},
			[]string{"status"},
		),
	}
}

// RecordLLMRequest records a model round trip with its token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records a tool dispatch.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished decrements the active run gauge and counts the outcome.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.LoopRunCounter.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records a SQL query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordJob counts a finished async job.
func (m *Metrics) RecordJob(status string) {
	if m == nil {
		return
	}
	m.JobCounter.WithLabelValues(status).Inc()
}
