package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMetricsNilSafe(t *testing.T) {
	ctx := context.Background()

	var nilMetrics *Metrics
	disabled := &Metrics{}

	for name, m := range map[string]*Metrics{"nil": nilMetrics, "disabled": disabled} {
		t.Run(name, func(t *testing.T) {
			m.RecordRequest(ctx, "POST", "/v1/messages", 200, 10*time.Millisecond)
			m.RecordRoute(ctx, "default", "p,m")
			m.RecordUpstream(ctx, "p", "m", time.Second, errors.New("boom"))
			m.RecordBreaker(ctx, "p", "open")
			m.RecordUsage(ctx, "m", 100, 50)
			m.RecordTool(ctx, "weather", time.Second, nil)
		})
	}
}

func TestManagerDisabled(t *testing.T) {
	mgr := NewManager(Config{})
	ctx := context.Background()

	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if mgr.Metrics() == nil {
		t.Fatal("metrics recorder missing")
	}
	if mgr.Tracer("test") == nil {
		t.Fatal("tracer missing")
	}
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
