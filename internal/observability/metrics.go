// Package observability wires the OpenTelemetry metrics pipeline and its
// Prometheus scrape endpoint.
package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles every instrument the service records. Latency, traffic,
// error rate, and saturation are covered for each of the three moving
// parts: the HTTP surface, the prediction runs, and the event dispatcher,
// plus the transform jobs the runtime reports back.
type Metrics struct {
	meter metric.Meter

	// HTTP surface
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Prediction runs
	RunDuration    metric.Float64Histogram
	RunsTotal      metric.Int64Counter
	RunErrorsTotal metric.Int64Counter
	RunsActive     metric.Int64UpDownCounter

	// Batch transform jobs, as reported by the prediction runtime
	TransformDuration    metric.Float64Histogram
	TransformsTotal      metric.Int64Counter
	TransformErrorsTotal metric.Int64Counter
	TransformsActive     metric.Int64UpDownCounter

	// Row volumes through the export and write-back stages
	RecordsExported    metric.Int64Counter
	PredictionsWritten metric.Int64Counter

	// Event dispatcher
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics registers every instrument against a Prometheus exporter and
// returns the handler that serves the scrape endpoint.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("aqpredict")
	m := &Metrics{meter: meter}

	// The constructors pool their errors so each instrument reads as one
	// line; registration failures surface joined at the end.
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	updown := func(name, desc string) metric.Int64UpDownCounter {
		c, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	gauge := func(name, desc string) metric.Int64Gauge {
		g, err := meter.Int64Gauge(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}
	seconds := func(name, desc string, buckets ...float64) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		errs = append(errs, err)
		return h
	}

	m.HTTPRequestDuration = seconds("http_request_duration_seconds",
		"HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = counter("http_requests_total",
		"HTTP requests served")
	m.HTTPErrorsTotal = counter("http_errors_total",
		"HTTP responses with a 4xx or 5xx status")

	// Runs spend most of their life suspended on the external job, so the
	// buckets stretch into hours.
	m.RunDuration = seconds("run_duration_seconds",
		"Prediction run duration from start to terminal state in seconds",
		1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 21600)
	m.RunsTotal = counter("runs_total",
		"Prediction runs started")
	m.RunErrorsTotal = counter("run_errors_total",
		"Prediction runs that ended in a failure state")
	m.RunsActive = updown("runs_active",
		"Runs not yet in a terminal state")

	m.TransformDuration = seconds("transform_duration_seconds",
		"Batch transform job execution duration in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 900, 1800)
	m.TransformsTotal = counter("transforms_total",
		"Batch transform jobs submitted")
	m.TransformErrorsTotal = counter("transform_errors_total",
		"Batch transform jobs that failed")
	m.TransformsActive = updown("transforms_active",
		"Batch transform jobs currently running")

	m.RecordsExported = counter("records_exported_total",
		"Candidate rows exported for prediction")
	m.PredictionsWritten = counter("predictions_written_total",
		"Predicted values written back to the relational store")

	m.DispatcherDuration = seconds("dispatcher_duration_seconds",
		"Callback delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = counter("dispatcher_delivered_total",
		"Events delivered to their destination")
	m.DispatcherFailed = counter("dispatcher_failed_total",
		"Events abandoned after delivery retries were exhausted")
	m.DispatcherDropped = counter("dispatcher_dropped_total",
		"Events dropped for a full buffer or exhausted requeues")
	m.DispatcherRequeued = counter("dispatcher_requeued_total",
		"Events requeued while the destination's breaker was open")
	m.DispatcherQueueSize = gauge("dispatcher_queue_size",
		"Events waiting in the dispatcher buffer")

	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records one served request across the HTTP instruments.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRunStarted counts a prediction run entering the pipeline.
func (m *Metrics) RecordRunStarted(ctx context.Context, parameter string) {
	attrs := metric.WithAttributes(attribute.String("parameter", parameter))
	m.RunsTotal.Add(ctx, 1, attrs)
	m.RunsActive.Add(ctx, 1, attrs)
}

// RecordRunFinished counts a run reaching a terminal state. The active
// gauge is decremented without the code attribute so it mirrors the
// increment from RecordRunStarted.
func (m *Metrics) RecordRunFinished(ctx context.Context, parameter, code string, success bool, durationSeconds float64) {
	param := attribute.String("parameter", parameter)
	attrs := metric.WithAttributes(param, attribute.String("code", code))

	m.RunDuration.Record(ctx, durationSeconds, attrs)
	m.RunsActive.Add(ctx, -1, metric.WithAttributes(param))
	if !success {
		m.RunErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordTransformStarted counts a batch transform job being submitted.
func (m *Metrics) RecordTransformStarted(ctx context.Context, model string) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.TransformsTotal.Add(ctx, 1, attrs)
	m.TransformsActive.Add(ctx, 1, attrs)
}

// RecordTransformCompleted counts a transform job finishing either way.
func (m *Metrics) RecordTransformCompleted(ctx context.Context, model string, success bool, durationSeconds float64) {
	mod := attribute.String("model", model)
	attrs := metric.WithAttributes(mod, attribute.Bool("success", success))

	m.TransformDuration.Record(ctx, durationSeconds, attrs)
	m.TransformsActive.Add(ctx, -1, metric.WithAttributes(mod))
	if !success {
		m.TransformErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRecordsExported counts candidate rows exported to object storage.
func (m *Metrics) RecordRecordsExported(ctx context.Context, parameter string, count int64) {
	m.RecordsExported.Add(ctx, count, metric.WithAttributes(attribute.String("parameter", parameter)))
}

// RecordPredictionsWritten counts predicted values applied to the store.
func (m *Metrics) RecordPredictionsWritten(ctx context.Context, parameter string, count int64) {
	m.PredictionsWritten.Add(ctx, count, metric.WithAttributes(attribute.String("parameter", parameter)))
}

// RecordDispatcherDelivered counts one delivered event and its latency.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed counts an event abandoned after retries.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped counts an event dropped before delivery.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued counts an event sent back to the buffer.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize samples the buffer depth.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
