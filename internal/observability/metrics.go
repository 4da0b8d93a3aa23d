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

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests take
// - Traffic: Request/submission throughput
// - Errors: Rate of failures (HTTP errors, rejected admissions, auth failures)
// - Saturation: Result-proxy throughput
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Admission metrics (Traffic, Errors)
	JobsSubmitted     metric.Int64Counter
	AdmissionRejected metric.Int64Counter
	LifecycleFlags    metric.Int64Counter

	// Authentication metrics (Errors)
	AuthFailures metric.Int64Counter

	// Result proxy metrics (Traffic, Saturation)
	ResultFetches     metric.Int64Counter
	ResultBytes       metric.Int64Counter
	ResultFetchErrors metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("computebroker")
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

	// Admission metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs admitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AdmissionRejected, err = meter.Int64Counter(
		"admission_rejected_total",
		metric.WithDescription("Total submissions rejected before persistence, by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LifecycleFlags, err = meter.Int64Counter(
		"lifecycle_flags_total",
		metric.WithDescription("Total stop/remove flags set on jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Authentication metrics
	m.AuthFailures, err = meter.Int64Counter(
		"auth_failures_total",
		metric.WithDescription("Total signature or replay authentication failures"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Result proxy metrics
	m.ResultFetches, err = meter.Int64Counter(
		"result_fetches_total",
		metric.WithDescription("Total authorized result fetches"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ResultBytes, err = meter.Int64Counter(
		"result_bytes_total",
		metric.WithDescription("Total result bytes streamed to providers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ResultFetchErrors, err = meter.Int64Counter(
		"result_fetch_errors_total",
		metric.WithDescription("Total upstream failures while proxying results"),
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

// RecordSubmission records an admitted job.
func (m *Metrics) RecordSubmission(ctx context.Context, environment string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(environmentAttr(environment)))
}

// RecordAdmissionRejected records a submission rejected before persistence.
func (m *Metrics) RecordAdmissionRejected(ctx context.Context, reason string) {
	m.AdmissionRejected.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordLifecycleFlags records stop/remove flags set in one request.
func (m *Metrics) RecordLifecycleFlags(ctx context.Context, op string, count int) {
	m.LifecycleFlags.Add(ctx, int64(count), metric.WithAttributes(opAttr(op)))
}

// RecordAuthFailure records a failed authentication attempt.
func (m *Metrics) RecordAuthFailure(ctx context.Context) {
	m.AuthFailures.Add(ctx, 1)
}

// RecordResultFetch records an authorized result fetch and the bytes streamed.
func (m *Metrics) RecordResultFetch(ctx context.Context, bytes int64) {
	m.ResultFetches.Add(ctx, 1)
	if bytes > 0 {
		m.ResultBytes.Add(ctx, bytes)
	}
}

// RecordResultFetchError records an upstream failure during result proxying.
func (m *Metrics) RecordResultFetchError(ctx context.Context) {
	m.ResultFetchErrors.Add(ctx, 1)
}
