package observability

import (
	"context"
	"testing"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if handler == nil {
		t.Fatal("NewMetrics returned a nil scrape handler")
	}
	return m
}

func TestNewMetrics_RegistersInstruments(t *testing.T) {
	t.Parallel()
	m := newTestMetrics(t)

	// Spot-check one instrument of each kind.
	if m.HTTPRequestDuration == nil {
		t.Error("HTTPRequestDuration was not registered")
	}
	if m.RunsTotal == nil {
		t.Error("RunsTotal was not registered")
	}
	if m.RunsActive == nil {
		t.Error("RunsActive was not registered")
	}
	if m.DispatcherQueueSize == nil {
		t.Error("DispatcherQueueSize was not registered")
	}
}

func TestMetrics_HTTPRecorder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestMetrics(t)

	// Mixed statuses, including per-run paths that the cardinality guard
	// collapses. None of these may panic.
	m.RecordHTTPRequest(ctx, "GET", "/health", 200, 0.001)
	m.RecordHTTPRequest(ctx, "POST", "/v1/runs", 202, 0.050)
	m.RecordHTTPRequest(ctx, "GET", "/v1/runs/abc123", 200, 0.010)
	m.RecordHTTPRequest(ctx, "GET", "/v1/runs/xyz789", 404, 0.005)
	m.RecordHTTPRequest(ctx, "POST", "/v1/runs", 500, 0.001)
}

func TestMetrics_RunRecorders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestMetrics(t)

	m.RecordRunStarted(ctx, "pm25")
	m.RecordRunStarted(ctx, "pm10")
	m.RecordRunFinished(ctx, "pm25", "Completed", true, 320.5)
	m.RecordRunFinished(ctx, "pm10", "JobFailed", false, 1800.0)
	m.RecordRecordsExported(ctx, "pm25", 120)
	m.RecordPredictionsWritten(ctx, "pm25", 118)
}

func TestMetrics_TransformRecorders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestMetrics(t)

	m.RecordTransformStarted(ctx, "aq-model:latest")
	m.RecordTransformStarted(ctx, "aq-model:v2")
	m.RecordTransformCompleted(ctx, "aq-model:latest", true, 42.0)
	m.RecordTransformCompleted(ctx, "aq-model:v2", false, 120.0)
}

func TestMetrics_DispatcherRecorders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestMetrics(t)

	m.RecordDispatcherDelivered(ctx, 0.012)
	m.RecordDispatcherFailed(ctx)
	m.RecordDispatcherDropped(ctx)
	m.RecordDispatcherRequeued(ctx)
	m.RecordDispatcherQueueSize(ctx, 7)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/v1/runs", "/v1/runs"},
		{"/v1/runs/abc123", "/v1/runs/{runId}"},
		{"/v1/runs/xyz-789-def", "/v1/runs/{runId}"},
		{"/other/path", "/other/path"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
