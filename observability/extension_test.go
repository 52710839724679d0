package observability_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/ext"
	"github.com/xraph/quorum/observability"
	"github.com/xraph/quorum/task"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

// counterTotals sums every Int64 sum metric by name.
func counterTotals(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func newTestTask() *task.Task {
	return &task.Task{ID: "task-1", Type: "send-email", Priority: task.PriorityHigh}
}

func TestMetricsExtension_Name(t *testing.T) {
	t.Parallel()
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("Name() = %q", e.Name())
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	t.Parallel()
	e, reader := newTestExtension()
	reg := ext.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.Register(e)

	ctx := context.Background()
	tk := newTestTask()
	now := time.Now()
	tk.StartedAt = now.Add(-time.Second)
	tk.CompletedAt = now
	tk.RetryAt = now.Add(time.Minute)
	w := &cluster.Worker{ID: "wkr-1"}

	reg.EmitTaskSubmitted(ctx, tk)
	reg.EmitTaskClaimed(ctx, tk)
	reg.EmitTaskCompleted(ctx, tk)
	reg.EmitTaskRetrying(ctx, tk)
	reg.EmitTaskDeadLettered(ctx, tk)
	reg.EmitTaskCancelled(ctx, tk)
	reg.EmitLeaseExpired(ctx, tk, w.ID)
	reg.EmitTaskPurged(ctx, tk)
	reg.EmitWorkerRegistered(ctx, w)
	reg.EmitWorkerRemoved(ctx, w)
	reg.EmitLeadershipChanged(ctx, true)
	reg.EmitCronFired(ctx, "compaction")

	totals := counterTotals(t, reader)
	for _, name := range []string{
		"quorum.task.submitted", "quorum.task.claimed", "quorum.task.completed",
		"quorum.task.retried", "quorum.task.dead_lettered", "quorum.task.cancelled",
		"quorum.lease.expired", "quorum.task.purged", "quorum.worker.registered",
		"quorum.worker.removed", "quorum.leadership.changes", "quorum.cron.fired",
	} {
		if totals[name] != 1 {
			t.Errorf("%s = %d, want 1", name, totals[name])
		}
	}
}

func TestMetricsExtension_RecordsLatency(t *testing.T) {
	t.Parallel()
	e, reader := newTestExtension()
	if err := e.OnTaskCompleted(context.Background(), newTestTask(), 250*time.Millisecond); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "quorum.task.latency" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 {
				t.Fatalf("latency data = %#v", m.Data)
			}
			if got := hist.DataPoints[0].Sum; got != 0.25 {
				t.Errorf("latency sum = %v, want 0.25", got)
			}
			return
		}
	}
	t.Fatal("quorum.task.latency not recorded")
}
