package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the platform's domain instruments. A nil *Metrics is
// usable everywhere and records nothing, which keeps tests quiet.
type Metrics struct {
	samplesCollected    metric.Int64Counter
	collectionFailures  metric.Int64Counter
	applyRetries        metric.Int64Counter
	clusterMutations    metric.Int64Counter
	quotaEnforcements   metric.Int64Counter
	lineItemsWritten    metric.Int64Counter
	invokeRequests      metric.Int64Counter
	schedulerJobRuns    metric.Int64Counter
	schedulerJobErrors  metric.Int64Counter
	schedulerJobSeconds metric.Float64Histogram
}

func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("metron")

	m := &Metrics{}
	var err error

	if m.samplesCollected, err = meter.Int64Counter("metron_usage_samples_total",
		metric.WithDescription("Usage samples persisted, by dimension and outcome (exact or approximate)")); err != nil {
		return nil, err
	}
	if m.collectionFailures, err = meter.Int64Counter("metron_collection_failures_total",
		metric.WithDescription("Metric collection attempts that returned no data")); err != nil {
		return nil, err
	}
	if m.applyRetries, err = meter.Int64Counter("metron_cluster_apply_retries_total",
		metric.WithDescription("Retried cluster apply operations")); err != nil {
		return nil, err
	}
	if m.clusterMutations, err = meter.Int64Counter("metron_cluster_mutations_total",
		metric.WithDescription("Cluster mutations, by operation and outcome")); err != nil {
		return nil, err
	}
	if m.quotaEnforcements, err = meter.Int64Counter("metron_quota_enforcements_total",
		metric.WithDescription("Subscriptions driven to quota_exceeded")); err != nil {
		return nil, err
	}
	if m.lineItemsWritten, err = meter.Int64Counter("metron_bill_line_items_total",
		metric.WithDescription("Bill line items written, by dimension")); err != nil {
		return nil, err
	}
	if m.invokeRequests, err = meter.Int64Counter("metron_invoke_requests_total",
		metric.WithDescription("Proxied function invocations, by outcome")); err != nil {
		return nil, err
	}
	if m.schedulerJobRuns, err = meter.Int64Counter("metron_scheduler_job_runs_total",
		metric.WithDescription("Scheduler job executions, by job")); err != nil {
		return nil, err
	}
	if m.schedulerJobErrors, err = meter.Int64Counter("metron_scheduler_job_errors_total",
		metric.WithDescription("Scheduler job executions that returned an error")); err != nil {
		return nil, err
	}
	if m.schedulerJobSeconds, err = meter.Float64Histogram("metron_scheduler_job_duration_seconds",
		metric.WithDescription("Scheduler job wall time")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) IncSampleCollected(ctx context.Context, dimension, outcome string) {
	if m == nil {
		return
	}
	m.samplesCollected.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("dimension", dimension),
		attribute.String("outcome", outcome),
	)...))
}

func (m *Metrics) IncCollectionFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.collectionFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", reason),
	)...))
}

func (m *Metrics) IncApplyRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.applyRetries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
	)...))
}

func (m *Metrics) IncClusterMutation(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.clusterMutations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)...))
}

func (m *Metrics) IncQuotaEnforcement(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.quotaEnforcements.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", reason),
	)...))
}

func (m *Metrics) IncLineItems(ctx context.Context, dimension string, n int64) {
	if m == nil {
		return
	}
	m.lineItemsWritten.Add(ctx, n, metric.WithAttributes(FilterAttributes(
		attribute.String("dimension", dimension),
	)...))
}

func (m *Metrics) IncInvokeRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.invokeRequests.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("outcome", outcome),
	)...))
}

func (m *Metrics) ObserveJobRun(ctx context.Context, job string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(attribute.String("job", job))...)
	m.schedulerJobRuns.Add(ctx, 1, attrs)
	m.schedulerJobSeconds.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.schedulerJobErrors.Add(ctx, 1, attrs)
	}
}
