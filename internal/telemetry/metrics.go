package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/1204al/clipdrop-bot"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Enqueue metrics
	JobsEnqueuedTotal     metric.Int64Counter
	JobsJoinedTotal       metric.Int64Counter
	LinksUnsupportedTotal metric.Int64Counter
	LinksRejectedTotal    metric.Int64Counter

	// Worker metrics
	JobsClaimedTotal    metric.Int64Counter
	JobsCompletedTotal  metric.Int64Counter
	JobsFailedTotal     metric.Int64Counter
	JobsRequeuedTotal   metric.Int64Counter
	JobsReconciledTotal metric.Int64Counter
	FetchDuration       metric.Float64Histogram

	// Delivery metrics
	DeliveriesTotal      metric.Int64Counter
	DeliveryErrorsTotal  metric.Int64Counter
	DeliveryDuration     metric.Float64Histogram
	EventsDuplicateTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// Tracer returns the tracer used for job spans.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	m := &Metrics{}

	m.JobsEnqueuedTotal, _ = meter.Int64Counter(
		"clipdrop.jobs.enqueued.total",
		metric.WithDescription("Total number of jobs created"),
		metric.WithUnit("{job}"),
	)

	m.JobsJoinedTotal, _ = meter.Int64Counter(
		"clipdrop.jobs.joined.total",
		metric.WithDescription("Total number of requests joined to an active job"),
		metric.WithUnit("{request}"),
	)

	m.LinksUnsupportedTotal, _ = meter.Int64Counter(
		"clipdrop.links.unsupported.total",
		metric.WithDescription("Total number of submitted identifiers that were not supported"),
		metric.WithUnit("{link}"),
	)

	m.LinksRejectedTotal, _ = meter.Int64Counter(
		"clipdrop.links.rejected.total",
		metric.WithDescription("Total number of supported links dropped by batch truncation"),
		metric.WithUnit("{link}"),
	)

	m.JobsClaimedTotal, _ = meter.Int64Counter(
		"clipdrop.jobs.claimed.total",
		metric.WithDescription("Total number of job claims"),
		metric.WithUnit("{job}"),
	)

	m.JobsCompletedTotal, _ = meter.Int64Counter(
		"clipdrop.jobs.completed.total",
		metric.WithDescription("Total number of jobs that reached done"),
		metric.WithUnit("{job}"),
	)

	m.JobsFailedTotal, _ = meter.Int64Counter(
		"clipdrop.jobs.failed.total",
		metric.WithDescription("Total number of jobs that reached failed"),
		metric.WithUnit("{job}"),
	)

	m.JobsRequeuedTotal, _ = meter.Int64Counter(
		"clipdrop.jobs.requeued.total",
		metric.WithDescription("Total number of failed attempts returned to pending"),
		metric.WithUnit("{job}"),
	)

	m.JobsReconciledTotal, _ = meter.Int64Counter(
		"clipdrop.jobs.reconciled.total",
		metric.WithDescription("Total number of stale running jobs reverted"),
		metric.WithUnit("{job}"),
	)

	m.FetchDuration, _ = meter.Float64Histogram(
		"clipdrop.fetch.duration",
		metric.WithDescription("Duration of media fetch attempts"),
		metric.WithUnit("s"),
	)

	m.DeliveriesTotal, _ = meter.Int64Counter(
		"clipdrop.deliveries.total",
		metric.WithDescription("Total number of events delivered"),
		metric.WithUnit("{event}"),
	)

	m.DeliveryErrorsTotal, _ = meter.Int64Counter(
		"clipdrop.deliveries.errors.total",
		metric.WithDescription("Total number of events abandoned after retries"),
		metric.WithUnit("{event}"),
	)

	m.DeliveryDuration, _ = meter.Float64Histogram(
		"clipdrop.deliveries.duration",
		metric.WithDescription("Duration of event delivery including retries"),
		metric.WithUnit("s"),
	)

	m.EventsDuplicateTotal, _ = meter.Int64Counter(
		"clipdrop.events.duplicate.total",
		metric.WithDescription("Total number of duplicate events suppressed by the receiver"),
		metric.WithUnit("{event}"),
	)

	return m
}
