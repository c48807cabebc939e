package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig enables the prometheus meter.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// Metrics records proxy counters. A nil or zero-value receiver is a no-op,
// so callers never need to guard their recording sites.
type Metrics struct {
	requestDuration  metric.Float64Histogram
	requestsTotal    metric.Int64Counter
	routesTotal      metric.Int64Counter
	upstreamDuration metric.Float64Histogram
	upstreamErrors   metric.Int64Counter
	breakerState     metric.Int64Gauge
	inputTokens      metric.Int64Counter
	outputTokens     metric.Int64Counter
	toolDuration     metric.Float64Histogram
	toolErrors       metric.Int64Counter
}

func initMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter("ccr")

	m := &Metrics{}
	if m.requestDuration, err = meter.Float64Histogram(
		"ccr_http_request_duration_seconds",
		metric.WithDescription("Proxy request duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.requestsTotal, err = meter.Int64Counter(
		"ccr_http_requests_total",
		metric.WithDescription("Total proxy requests"),
	); err != nil {
		return nil, err
	}
	if m.routesTotal, err = meter.Int64Counter(
		"ccr_routes_total",
		metric.WithDescription("Routing decisions by reason and pair"),
	); err != nil {
		return nil, err
	}
	if m.upstreamDuration, err = meter.Float64Histogram(
		"ccr_upstream_request_duration_seconds",
		metric.WithDescription("Upstream call duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.upstreamErrors, err = meter.Int64Counter(
		"ccr_upstream_errors_total",
		metric.WithDescription("Upstream call failures by provider"),
	); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge(
		"ccr_breaker_state",
		metric.WithDescription("Circuit breaker state per provider (0 closed, 1 half-open, 2 open)"),
	); err != nil {
		return nil, err
	}
	if m.inputTokens, err = meter.Int64Counter(
		"ccr_input_tokens_total",
		metric.WithDescription("Input tokens reported by upstreams"),
	); err != nil {
		return nil, err
	}
	if m.outputTokens, err = meter.Int64Counter(
		"ccr_output_tokens_total",
		metric.WithDescription("Output tokens reported by upstreams"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"ccr_tool_execution_duration_seconds",
		metric.WithDescription("Agent tool execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter(
		"ccr_tool_errors_total",
		metric.WithDescription("Agent tool failures"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records one client-facing request.
func (m *Metrics) RecordRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil || m.requestsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRoute records a routing decision.
func (m *Metrics) RecordRoute(ctx context.Context, reason, pair string) {
	if m == nil || m.routesTotal == nil {
		return
	}
	m.routesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("pair", pair),
	))
}

// RecordUpstream records one upstream call.
func (m *Metrics) RecordUpstream(ctx context.Context, provider, model string, duration time.Duration, err error) {
	if m == nil || m.upstreamDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	m.upstreamDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.upstreamErrors.Add(ctx, 1, attrs)
	}
}

// RecordBreaker records a breaker state transition.
func (m *Metrics) RecordBreaker(ctx context.Context, provider, state string) {
	if m == nil || m.breakerState == nil {
		return
	}
	var v int64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.Record(ctx, v, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordUsage records token usage reported by an upstream.
func (m *Metrics) RecordUsage(ctx context.Context, model string, input, output int) {
	if m == nil || m.inputTokens == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.inputTokens.Add(ctx, int64(input), attrs)
	m.outputTokens.Add(ctx, int64(output), attrs)
}

// RecordTool records one agent tool execution.
func (m *Metrics) RecordTool(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}
