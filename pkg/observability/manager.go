// Package observability wires tracing and metrics for the proxy: an OTLP
// trace exporter and a prometheus meter surfaced on /metrics. Both default
// to no-ops when disabled.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Config selects the enabled telemetry surfaces.
type Config struct {
	Tracing TracerConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// Manager owns the telemetry providers for the process.
type Manager struct {
	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        *Metrics
	config         Config
}

// NewManager creates an uninitialized manager.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// Initialize builds the providers. Safe to call once at startup.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := initTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := initMetrics(m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	return nil
}

// Tracer returns a named tracer from the active provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the process metrics recorder, which may be a no-op.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes the trace exporter.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return spt.Shutdown(ctx)
	}
	return nil
}
