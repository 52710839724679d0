package ext

import (
	"context"
	"time"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

// Extension is the base interface all extensions implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskSubmitted is called after a submission is applied.
type TaskSubmitted interface {
	OnTaskSubmitted(ctx context.Context, t *task.Task) error
}

// TaskClaimed is called when a worker leases a task.
type TaskClaimed interface {
	OnTaskClaimed(ctx context.Context, t *task.Task) error
}

// TaskCompleted is called after a task succeeds. elapsed runs from the
// claim to the completion.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskRetrying is called when a failed task is scheduled to run again.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, retryAt time.Time) error
}

// TaskRequeued is called when a task becomes pending and ready again.
type TaskRequeued interface {
	OnTaskRequeued(ctx context.Context, t *task.Task) error
}

// TaskDeadLettered is called when a task fails permanently.
type TaskDeadLettered interface {
	OnTaskDeadLettered(ctx context.Context, t *task.Task, reason string) error
}

// TaskCancelled is called after a task is cancelled.
type TaskCancelled interface {
	OnTaskCancelled(ctx context.Context, t *task.Task) error
}

// LeaseExpired is called when a worker's lease on a task runs out.
type LeaseExpired interface {
	OnLeaseExpired(ctx context.Context, t *task.Task, worker id.WorkerID) error
}

// TaskPurged is called when retention removes a terminal task.
type TaskPurged interface {
	OnTaskPurged(ctx context.Context, t *task.Task) error
}

// ──────────────────────────────────────────────────
// Other hooks
// ──────────────────────────────────────────────────

// WorkerRegistered is called when a new worker joins.
type WorkerRegistered interface {
	OnWorkerRegistered(ctx context.Context, w *cluster.Worker) error
}

// WorkerRemoved is called when an absent worker is dropped.
type WorkerRemoved interface {
	OnWorkerRemoved(ctx context.Context, w *cluster.Worker) error
}

// LeadershipChanged is called when this replica gains or loses leadership.
type LeadershipChanged interface {
	OnLeadershipChanged(ctx context.Context, isLeader bool) error
}

// CronFired is called when a maintenance schedule runs.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
