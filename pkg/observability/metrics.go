package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the node's domain instruments. A nil *Metrics (or one
// built with metrics disabled) records nothing; every method is
// nil-safe so call sites never branch on configuration.
type Metrics struct {
	tasksStarted    metric.Int64Counter
	taskTransitions metric.Int64Counter
	eventsPublished metric.Int64Counter
	workerRuns      metric.Int64Counter
	streamsActive   metric.Int64UpDownCounter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

// InitMetrics builds the domain instruments backed by a Prometheus
// exporter registered on the default registry; Handler serves it.
func InitMetrics(_ context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter(cfg.Namespace)

	m := &Metrics{}
	prefix := cfg.Namespace + "_"

	if m.tasksStarted, err = meter.Int64Counter(prefix+"tasks_started_total",
		metric.WithDescription("Tasks created by message/send and message/stream")); err != nil {
		return nil, err
	}
	if m.taskTransitions, err = meter.Int64Counter(prefix+"task_transitions_total",
		metric.WithDescription("Task state transitions by from/to state")); err != nil {
		return nil, err
	}
	if m.eventsPublished, err = meter.Int64Counter(prefix+"events_published_total",
		metric.WithDescription("Events published to task queues by kind")); err != nil {
		return nil, err
	}
	if m.workerRuns, err = meter.Int64Counter(prefix+"worker_runs_total",
		metric.WithDescription("Worker runs by worker name and outcome")); err != nil {
		return nil, err
	}
	if m.streamsActive, err = meter.Int64UpDownCounter(prefix+"sse_streams_active",
		metric.WithDescription("Currently connected SSE subscribers")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram(prefix+"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter(prefix+"http_requests_total",
		metric.WithDescription("HTTP requests by method, path, and status")); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

// RecordTaskStarted counts a freshly created task.
func (m *Metrics) RecordTaskStarted(ctx context.Context, workerName string) {
	if m == nil || m.tasksStarted == nil {
		return
	}
	m.tasksStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrWorkerName, workerName)))
}

// RecordTransition counts one task state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil || m.taskTransitions == nil {
		return
	}
	m.taskTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to)))
}

// RecordEventPublished counts one event fanned out to a task queue.
func (m *Metrics) RecordEventPublished(ctx context.Context, kind string) {
	if m == nil || m.eventsPublished == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrEventKind, kind)))
}

// RecordWorkerRun counts a completed worker run and its outcome, the
// terminal state the run produced.
func (m *Metrics) RecordWorkerRun(ctx context.Context, workerName, outcome string) {
	if m == nil || m.workerRuns == nil {
		return
	}
	m.workerRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrWorkerName, workerName),
		attribute.String("outcome", outcome)))
}

// AddActiveStreams moves the live SSE subscriber gauge by delta.
func (m *Metrics) AddActiveStreams(ctx context.Context, delta int64) {
	if m == nil || m.streamsActive == nil {
		return
	}
	m.streamsActive.Add(ctx, delta)
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPPath, path),
		attribute.Int(AttrHTTPStatusCode, status))
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}
