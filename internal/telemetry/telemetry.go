// Package telemetry provides observability with Prometheus metrics and structured logging.
package telemetry

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for ToolGate
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Tool metrics
	ToolRuns       *prometheus.CounterVec
	ToolErrors     *prometheus.CounterVec
	ToolRunLatency *prometheus.HistogramVec

	// Policy metrics
	PolicyDenials *prometheus.CounterVec

	// Egress metrics
	EgressRejections *prometheus.CounterVec

	// Audit metrics
	AuditWriteFailures prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),

		ToolRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_tool_runs_total",
				Help: "Total tool executions",
			},
			[]string{"tool_key", "tenant_id", "status"},
		),

		ToolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_tool_errors_total",
				Help: "Total tool execution errors",
			},
			[]string{"tool_key", "error_type"},
		),

		ToolRunLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_tool_run_seconds",
				Help:    "External tool call latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
			},
			[]string{"tool_key"},
		),

		PolicyDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_policy_denials_total",
				Help: "Total tool calls denied by tenant policy",
			},
			[]string{"tenant_id", "reason"},
		),

		EgressRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_egress_rejections_total",
				Help: "Total outbound URLs rejected by the egress guard",
			},
			[]string{"tenant_id"},
		),

		AuditWriteFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_audit_write_failures_total",
				Help: "Total audit events dropped because the store write failed",
			},
		),
	}
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolRun records the outcome of one tool execution
func (m *Metrics) RecordToolRun(toolKey, tenantID, status string, duration time.Duration) {
	m.ToolRuns.WithLabelValues(toolKey, tenantID, status).Inc()
	m.ToolRunLatency.WithLabelValues(toolKey).Observe(duration.Seconds())
}

// RecordToolError records a failed tool execution
func (m *Metrics) RecordToolError(toolKey, errorType string) {
	m.ToolErrors.WithLabelValues(toolKey, errorType).Inc()
}

// RecordPolicyDenial records a tool call rejected by policy
func (m *Metrics) RecordPolicyDenial(tenantID, reason string) {
	m.PolicyDenials.WithLabelValues(tenantID, reason).Inc()
}

// RecordEgressRejection records a blocked outbound URL
func (m *Metrics) RecordEgressRejection(tenantID string) {
	m.EgressRejections.WithLabelValues(tenantID).Inc()
}

// InitLogger configures the process-wide slog default from config values.
// Format "text" is for local development; everything else is JSON.
func InitLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
