package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/ext"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every hook and records its calls.
type allHooksExt struct {
	calls   []string
	elapsed time.Duration
	reason  string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) record(name string) error {
	e.calls = append(e.calls, name)
	return nil
}

func (e *allHooksExt) OnTaskSubmitted(context.Context, *task.Task) error {
	return e.record("OnTaskSubmitted")
}

func (e *allHooksExt) OnTaskClaimed(context.Context, *task.Task) error {
	return e.record("OnTaskClaimed")
}

func (e *allHooksExt) OnTaskCompleted(_ context.Context, _ *task.Task, elapsed time.Duration) error {
	e.elapsed = elapsed
	return e.record("OnTaskCompleted")
}

func (e *allHooksExt) OnTaskRetrying(context.Context, *task.Task, int, time.Time) error {
	return e.record("OnTaskRetrying")
}

func (e *allHooksExt) OnTaskRequeued(context.Context, *task.Task) error {
	return e.record("OnTaskRequeued")
}

func (e *allHooksExt) OnTaskDeadLettered(_ context.Context, _ *task.Task, reason string) error {
	e.reason = reason
	return e.record("OnTaskDeadLettered")
}

func (e *allHooksExt) OnTaskCancelled(context.Context, *task.Task) error {
	return e.record("OnTaskCancelled")
}

func (e *allHooksExt) OnLeaseExpired(context.Context, *task.Task, id.WorkerID) error {
	return e.record("OnLeaseExpired")
}

func (e *allHooksExt) OnTaskPurged(context.Context, *task.Task) error {
	return e.record("OnTaskPurged")
}

func (e *allHooksExt) OnWorkerRegistered(context.Context, *cluster.Worker) error {
	return e.record("OnWorkerRegistered")
}

func (e *allHooksExt) OnWorkerRemoved(context.Context, *cluster.Worker) error {
	return e.record("OnWorkerRemoved")
}

func (e *allHooksExt) OnLeadershipChanged(context.Context, bool) error {
	return e.record("OnLeadershipChanged")
}

func (e *allHooksExt) OnCronFired(context.Context, string) error {
	return e.record("OnCronFired")
}

func (e *allHooksExt) OnShutdown(context.Context) error {
	return e.record("OnShutdown")
}

// submitOnlyExt only implements OnTaskSubmitted.
type submitOnlyExt struct {
	calls int
}

func (e *submitOnlyExt) Name() string { return "submit-only" }

func (e *submitOnlyExt) OnTaskSubmitted(context.Context, *task.Task) error {
	e.calls++
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnTaskSubmitted(context.Context, *task.Task) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	t.Parallel()
	r := ext.NewRegistry(slog.Default())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	t.Parallel()
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	so := &submitOnlyExt{}
	r.Register(all)
	r.Register(so)

	ctx := context.Background()
	tk := task.New("email", nil)

	r.EmitTaskSubmitted(ctx, tk)
	r.EmitTaskClaimed(ctx, tk)

	if len(all.calls) != 2 {
		t.Fatalf("all: expected 2 calls, got %v", all.calls)
	}
	if so.calls != 1 {
		t.Fatalf("submit-only: calls = %d, want 1", so.calls)
	}
}

func TestRegistry_AllTaskHooksFire(t *testing.T) {
	t.Parallel()
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := task.New("email", nil)
	tk.StartedAt = start
	tk.CompletedAt = start.Add(3 * time.Second)
	tk.LastError = "dependency failed: task_x"

	r.EmitTaskSubmitted(ctx, tk)
	r.EmitTaskClaimed(ctx, tk)
	r.EmitTaskCompleted(ctx, tk)
	r.EmitTaskRetrying(ctx, tk)
	r.EmitTaskRequeued(ctx, tk)
	r.EmitTaskDeadLettered(ctx, tk)
	r.EmitTaskCancelled(ctx, tk)
	r.EmitLeaseExpired(ctx, tk, "worker_a")
	r.EmitTaskPurged(ctx, tk)

	expected := []string{
		"OnTaskSubmitted", "OnTaskClaimed", "OnTaskCompleted",
		"OnTaskRetrying", "OnTaskRequeued", "OnTaskDeadLettered",
		"OnTaskCancelled", "OnLeaseExpired", "OnTaskPurged",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
	if all.elapsed != 3*time.Second {
		t.Errorf("elapsed = %v, want 3s", all.elapsed)
	}
	if all.reason != tk.LastError {
		t.Errorf("reason = %q, want %q", all.reason, tk.LastError)
	}
}

func TestRegistry_CompletedWithoutStartHasZeroElapsed(t *testing.T) {
	t.Parallel()
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	tk := task.New("email", nil)
	tk.CompletedAt = time.Now()
	r.EmitTaskCompleted(context.Background(), tk)

	if all.elapsed != 0 {
		t.Errorf("elapsed = %v, want 0", all.elapsed)
	}
}

func TestRegistry_OtherHooksFire(t *testing.T) {
	t.Parallel()
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	w := &cluster.Worker{ID: "worker_a"}
	r.EmitWorkerRegistered(ctx, w)
	r.EmitWorkerRemoved(ctx, w)
	r.EmitLeadershipChanged(ctx, true)
	r.EmitCronFired(ctx, "compaction")
	r.EmitShutdown(ctx)

	expected := []string{
		"OnWorkerRegistered", "OnWorkerRemoved", "OnLeadershipChanged",
		"OnCronFired", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	t.Parallel()
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}

	// The failing extension runs first; the next one must still fire.
	r.Register(&failingExt{})
	r.Register(all)

	ctx := context.Background()
	r.EmitTaskSubmitted(ctx, task.New("email", nil))
	r.EmitShutdown(ctx)

	if len(all.calls) != 2 || all.calls[0] != "OnTaskSubmitted" {
		t.Fatalf("all: expected [OnTaskSubmitted OnShutdown] despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(nil)
	ctx := context.Background()
	tk := &task.Task{}

	r.EmitTaskSubmitted(ctx, tk)
	r.EmitTaskClaimed(ctx, tk)
	r.EmitTaskCompleted(ctx, tk)
	r.EmitTaskRetrying(ctx, tk)
	r.EmitTaskRequeued(ctx, tk)
	r.EmitTaskDeadLettered(ctx, tk)
	r.EmitTaskCancelled(ctx, tk)
	r.EmitLeaseExpired(ctx, tk, "")
	r.EmitTaskPurged(ctx, tk)
	r.EmitWorkerRegistered(ctx, &cluster.Worker{})
	r.EmitWorkerRemoved(ctx, &cluster.Worker{})
	r.EmitLeadershipChanged(ctx, false)
	r.EmitCronFired(ctx, "test")
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	t.Parallel()
	r := ext.NewRegistry(slog.Default())
	var order []string
	r.Register(&orderExt{name: "first", order: &order})
	r.Register(&orderExt{name: "second", order: &order})

	r.EmitTaskSubmitted(context.Background(), &task.Task{})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

type orderExt struct {
	name  string
	order *[]string
}

func (e *orderExt) Name() string { return e.name }

func (e *orderExt) OnTaskSubmitted(context.Context, *task.Task) error {
	*e.order = append(*e.order, e.name)
	return nil
}
