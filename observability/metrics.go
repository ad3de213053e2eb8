// Package observability carries the Prometheus metrics and OpenTelemetry
// tracing used by the step engine and the broadcaster. A nil *Metrics and a
// nil *Tracer are valid and record nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects agent runtime metrics.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.StepCompleted("agent-1", "stop", 3)
type Metrics struct {
	// Steps counts completed Step calls.
	// Labels: outcome (stop|max_steps|error)
	Steps *prometheus.CounterVec

	// StepIterations observes how many model calls one Step used.
	StepIterations prometheus.Histogram

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequests counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RuleViolations counts fatal tool rule violations.
	// Labels: rule
	RuleViolations *prometheus.CounterVec

	// BroadcastResults counts per-target broadcast outcomes.
	// Labels: status (success|error)
	BroadcastResults *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Steps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memagent_steps_total",
				Help: "Total number of agent steps by outcome",
			},
			[]string{"outcome"},
		),
		StepIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memagent_step_iterations",
				Help:    "Model calls per agent step",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50},
			},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memagent_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memagent_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memagent_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memagent_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memagent_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		RuleViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memagent_rule_violations_total",
				Help: "Total number of fatal tool rule violations by rule type",
			},
			[]string{"rule"},
		),
		BroadcastResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memagent_broadcast_results_total",
				Help: "Total number of broadcast deliveries by status",
			},
			[]string{"status"},
		),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// StepCompleted records the outcome of one Step and its iteration count.
func (m *Metrics) StepCompleted(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(outcome).Inc()
	m.StepIterations.Observe(float64(iterations))
}

// LLMRequest records one model call.
func (m *Metrics) LLMRequest(provider, model string, d time.Duration, err error, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	m.LLMRequests.WithLabelValues(provider, model, status(err == nil)).Inc()
	if err == nil {
		m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
		m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// ToolExecuted records one tool invocation.
func (m *Metrics) ToolExecuted(tool string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status(ok)).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RuleViolation records a fatal rule violation.
func (m *Metrics) RuleViolation(rule string) {
	if m == nil {
		return
	}
	m.RuleViolations.WithLabelValues(rule).Inc()
}

// BroadcastResult records one broadcast delivery.
func (m *Metrics) BroadcastResult(ok bool) {
	if m == nil {
		return
	}
	m.BroadcastResults.WithLabelValues(status(ok)).Inc()
}
