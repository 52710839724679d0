package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/ext"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.TaskSubmitted     = (*MetricsExtension)(nil)
	_ ext.TaskClaimed       = (*MetricsExtension)(nil)
	_ ext.TaskCompleted     = (*MetricsExtension)(nil)
	_ ext.TaskRetrying      = (*MetricsExtension)(nil)
	_ ext.TaskDeadLettered  = (*MetricsExtension)(nil)
	_ ext.TaskCancelled     = (*MetricsExtension)(nil)
	_ ext.LeaseExpired      = (*MetricsExtension)(nil)
	_ ext.TaskPurged        = (*MetricsExtension)(nil)
	_ ext.WorkerRegistered  = (*MetricsExtension)(nil)
	_ ext.WorkerRemoved     = (*MetricsExtension)(nil)
	_ ext.LeadershipChanged = (*MetricsExtension)(nil)
	_ ext.CronFired         = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/quorum/observability"

// MetricsExtension records lifecycle counters. Task counters carry
// task_type and priority attributes.
type MetricsExtension struct {
	TaskSubmitted     metric.Int64Counter
	TaskClaimed       metric.Int64Counter
	TaskCompleted     metric.Int64Counter
	TaskRetried       metric.Int64Counter
	TaskDeadLettered  metric.Int64Counter
	TaskCancelled     metric.Int64Counter
	LeaseExpired      metric.Int64Counter
	TaskPurged        metric.Int64Counter
	TaskLatency       metric.Float64Histogram
	WorkerRegistered  metric.Int64Counter
	WorkerRemoved     metric.Int64Counter
	LeadershipChanges metric.Int64Counter
	CronFired         metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On error the API returns noop instruments.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	latency, _ := meter.Float64Histogram("quorum.task.latency",
		metric.WithDescription("Time from claim to completion in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		TaskSubmitted:     counter("quorum.task.submitted", "Tasks accepted into the queue"),
		TaskClaimed:       counter("quorum.task.claimed", "Tasks leased to a worker"),
		TaskCompleted:     counter("quorum.task.completed", "Tasks that completed successfully"),
		TaskRetried:       counter("quorum.task.retried", "Failed attempts scheduled for retry"),
		TaskDeadLettered:  counter("quorum.task.dead_lettered", "Tasks that exhausted their retries"),
		TaskCancelled:     counter("quorum.task.cancelled", "Tasks cancelled before finishing"),
		LeaseExpired:      counter("quorum.lease.expired", "Leases that ran out without a heartbeat"),
		TaskPurged:        counter("quorum.task.purged", "Terminal tasks removed by compaction"),
		TaskLatency:       latency,
		WorkerRegistered:  counter("quorum.worker.registered", "Worker registrations"),
		WorkerRemoved:     counter("quorum.worker.removed", "Workers removed after going absent"),
		LeadershipChanges: counter("quorum.leadership.changes", "Times this replica gained or lost leadership"),
		CronFired:         counter("quorum.cron.fired", "Successful scheduled maintenance runs"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func taskAttrs(t *task.Task) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("task_type", t.Type),
		attribute.String("priority", t.Priority.String()),
	)
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskSubmitted implements ext.TaskSubmitted.
func (m *MetricsExtension) OnTaskSubmitted(ctx context.Context, t *task.Task) error {
	m.TaskSubmitted.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskClaimed implements ext.TaskClaimed.
func (m *MetricsExtension) OnTaskClaimed(ctx context.Context, t *task.Task) error {
	m.TaskClaimed.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskCompleted implements ext.TaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	m.TaskCompleted.Add(ctx, 1, taskAttrs(t))
	m.TaskLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("task_type", t.Type)))
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, t *task.Task, _ int, _ time.Time) error {
	m.TaskRetried.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskDeadLettered implements ext.TaskDeadLettered.
func (m *MetricsExtension) OnTaskDeadLettered(ctx context.Context, t *task.Task, _ string) error {
	m.TaskDeadLettered.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskCancelled implements ext.TaskCancelled.
func (m *MetricsExtension) OnTaskCancelled(ctx context.Context, t *task.Task) error {
	m.TaskCancelled.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnLeaseExpired implements ext.LeaseExpired.
func (m *MetricsExtension) OnLeaseExpired(ctx context.Context, t *task.Task, _ id.WorkerID) error {
	m.LeaseExpired.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskPurged implements ext.TaskPurged.
func (m *MetricsExtension) OnTaskPurged(ctx context.Context, t *task.Task) error {
	m.TaskPurged.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(t.Status))))
	return nil
}

// ── Cluster hooks ───────────────────────────────────

// OnWorkerRegistered implements ext.WorkerRegistered.
func (m *MetricsExtension) OnWorkerRegistered(ctx context.Context, _ *cluster.Worker) error {
	m.WorkerRegistered.Add(ctx, 1)
	return nil
}

// OnWorkerRemoved implements ext.WorkerRemoved.
func (m *MetricsExtension) OnWorkerRemoved(ctx context.Context, _ *cluster.Worker) error {
	m.WorkerRemoved.Add(ctx, 1)
	return nil
}

// OnLeadershipChanged implements ext.LeadershipChanged.
func (m *MetricsExtension) OnLeadershipChanged(ctx context.Context, isLeader bool) error {
	m.LeadershipChanges.Add(ctx, 1, metric.WithAttributes(attribute.Bool("leader", isLeader)))
	return nil
}

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, name string) error {
	m.CronFired.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", name)))
	return nil
}
