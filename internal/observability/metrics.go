package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the application metrics, organised around the golden signals:
// - Latency: request, job and stage durations
// - Traffic: submissions and requests
// - Errors: failed jobs and stages, rejected submissions
// - Saturation: running jobs and queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobsSubmitted metric.Int64Counter
	JobsRejected  metric.Int64Counter
	JobsFinished  metric.Int64Counter
	JobDuration   metric.Float64Histogram
	JobsActive    metric.Int64UpDownCounter
	QueueDepth    metric.Int64Gauge

	// Pipeline metrics
	StageDuration metric.Float64Histogram
	StageFailures metric.Int64Counter
	PreviewErrors metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("kicad-jobs")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of accepted PCB generation jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsRejected, err = meter.Int64Counter(
		"jobs_rejected_total",
		metric.WithDescription("Submissions rejected because the queue was saturated"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Jobs that reached a terminal state, by state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from start to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs currently running on this process (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Pending plus active tasks seen at the last admission check"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Pipeline metrics
	m.StageDuration, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StageFailures, err = meter.Int64Counter(
		"stage_failures_total",
		metric.WithDescription("Pipeline stages that failed, by stage"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PreviewErrors, err = meter.Int64Counter(
		"preview_upload_errors_total",
		metric.WithDescription("Preview renders that could not be published"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records an accepted submission and the queue depth seen at admission.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, depth int) {
	m.JobsSubmitted.Add(ctx, 1)
	m.QueueDepth.Record(ctx, int64(depth))
}

// RecordJobRejected records a submission rejected for saturation.
func (m *Metrics) RecordJobRejected(ctx context.Context, depth int) {
	m.JobsRejected.Add(ctx, 1)
	m.QueueDepth.Record(ctx, int64(depth))
}

// RecordJobStarted records a job being picked up by a worker.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsActive.Add(ctx, 1)
}

// RecordJobFinished records a job that ran on this process reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(stateAttr(state))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)
}

// RecordJobCancelled records a pending job being cancelled before it ran.
func (m *Metrics) RecordJobCancelled(ctx context.Context) {
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(stateAttr("cancelled")))
}

// RecordStage records one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, success bool, durationSeconds float64) {
	m.StageDuration.Record(ctx, durationSeconds, metric.WithAttributes(stageAttr(stage), successAttr(success)))
	if !success {
		m.StageFailures.Add(ctx, 1, metric.WithAttributes(stageAttr(stage)))
	}
}

// RecordPreviewError records a preview that failed to publish.
func (m *Metrics) RecordPreviewError(ctx context.Context, preview string) {
	m.PreviewErrors.Add(ctx, 1, metric.WithAttributes(previewAttr(preview)))
}
