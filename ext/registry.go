package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

// entry pairs a hook with the extension name captured at registration.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and fans lifecycle events out to
// them. Hook implementations are cached by type at registration so each
// emit only visits extensions that implement it. Register every extension
// before the broker starts.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	taskSubmitted     []entry[TaskSubmitted]
	taskClaimed       []entry[TaskClaimed]
	taskCompleted     []entry[TaskCompleted]
	taskRetrying      []entry[TaskRetrying]
	taskRequeued      []entry[TaskRequeued]
	taskDeadLettered  []entry[TaskDeadLettered]
	taskCancelled     []entry[TaskCancelled]
	leaseExpired      []entry[LeaseExpired]
	taskPurged        []entry[TaskPurged]
	workerRegistered  []entry[WorkerRegistered]
	workerRemoved     []entry[WorkerRemoved]
	leadershipChanged []entry[LeadershipChanged]
	cronFired         []entry[CronFired]
	shutdown          []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func add[H any](list []entry[H], e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name: e.Name(), hook: h})
	}
	return list
}

// Register adds an extension to every hook it implements. Extensions are
// notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	r.taskSubmitted = add(r.taskSubmitted, e)
	r.taskClaimed = add(r.taskClaimed, e)
	r.taskCompleted = add(r.taskCompleted, e)
	r.taskRetrying = add(r.taskRetrying, e)
	r.taskRequeued = add(r.taskRequeued, e)
	r.taskDeadLettered = add(r.taskDeadLettered, e)
	r.taskCancelled = add(r.taskCancelled, e)
	r.leaseExpired = add(r.leaseExpired, e)
	r.taskPurged = add(r.taskPurged, e)
	r.workerRegistered = add(r.workerRegistered, e)
	r.workerRemoved = add(r.workerRemoved, e)
	r.leadershipChanged = add(r.leadershipChanged, e)
	r.cronFired = add(r.cronFired, e)
	r.shutdown = add(r.shutdown, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Task emitters
// ──────────────────────────────────────────────────

// EmitTaskSubmitted notifies TaskSubmitted hooks.
func (r *Registry) EmitTaskSubmitted(ctx context.Context, t *task.Task) {
	for _, e := range r.taskSubmitted {
		r.check("OnTaskSubmitted", e.name, e.hook.OnTaskSubmitted(ctx, t))
	}
}

// EmitTaskClaimed notifies TaskClaimed hooks.
func (r *Registry) EmitTaskClaimed(ctx context.Context, t *task.Task) {
	for _, e := range r.taskClaimed {
		r.check("OnTaskClaimed", e.name, e.hook.OnTaskClaimed(ctx, t))
	}
}

// EmitTaskCompleted notifies TaskCompleted hooks.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task) {
	var elapsed time.Duration
	if !t.StartedAt.IsZero() {
		elapsed = t.CompletedAt.Sub(t.StartedAt)
	}
	for _, e := range r.taskCompleted {
		r.check("OnTaskCompleted", e.name, e.hook.OnTaskCompleted(ctx, t, elapsed))
	}
}

// EmitTaskRetrying notifies TaskRetrying hooks.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task) {
	for _, e := range r.taskRetrying {
		r.check("OnTaskRetrying", e.name, e.hook.OnTaskRetrying(ctx, t, t.RetryCount, t.RetryAt))
	}
}

// EmitTaskRequeued notifies TaskRequeued hooks.
func (r *Registry) EmitTaskRequeued(ctx context.Context, t *task.Task) {
	for _, e := range r.taskRequeued {
		r.check("OnTaskRequeued", e.name, e.hook.OnTaskRequeued(ctx, t))
	}
}

// EmitTaskDeadLettered notifies TaskDeadLettered hooks.
func (r *Registry) EmitTaskDeadLettered(ctx context.Context, t *task.Task) {
	for _, e := range r.taskDeadLettered {
		r.check("OnTaskDeadLettered", e.name, e.hook.OnTaskDeadLettered(ctx, t, t.LastError))
	}
}

// EmitTaskCancelled notifies TaskCancelled hooks.
func (r *Registry) EmitTaskCancelled(ctx context.Context, t *task.Task) {
	for _, e := range r.taskCancelled {
		r.check("OnTaskCancelled", e.name, e.hook.OnTaskCancelled(ctx, t))
	}
}

// EmitLeaseExpired notifies LeaseExpired hooks.
func (r *Registry) EmitLeaseExpired(ctx context.Context, t *task.Task, worker id.WorkerID) {
	for _, e := range r.leaseExpired {
		r.check("OnLeaseExpired", e.name, e.hook.OnLeaseExpired(ctx, t, worker))
	}
}

// EmitTaskPurged notifies TaskPurged hooks.
func (r *Registry) EmitTaskPurged(ctx context.Context, t *task.Task) {
	for _, e := range r.taskPurged {
		r.check("OnTaskPurged", e.name, e.hook.OnTaskPurged(ctx, t))
	}
}

// ──────────────────────────────────────────────────
// Other emitters
// ──────────────────────────────────────────────────

// EmitWorkerRegistered notifies WorkerRegistered hooks.
func (r *Registry) EmitWorkerRegistered(ctx context.Context, w *cluster.Worker) {
	for _, e := range r.workerRegistered {
		r.check("OnWorkerRegistered", e.name, e.hook.OnWorkerRegistered(ctx, w))
	}
}

// EmitWorkerRemoved notifies WorkerRemoved hooks.
func (r *Registry) EmitWorkerRemoved(ctx context.Context, w *cluster.Worker) {
	for _, e := range r.workerRemoved {
		r.check("OnWorkerRemoved", e.name, e.hook.OnWorkerRemoved(ctx, w))
	}
}

// EmitLeadershipChanged notifies LeadershipChanged hooks.
func (r *Registry) EmitLeadershipChanged(ctx context.Context, isLeader bool) {
	for _, e := range r.leadershipChanged {
		r.check("OnLeadershipChanged", e.name, e.hook.OnLeadershipChanged(ctx, isLeader))
	}
}

// EmitCronFired notifies CronFired hooks.
func (r *Registry) EmitCronFired(ctx context.Context, entryName string) {
	for _, e := range r.cronFired {
		r.check("OnCronFired", e.name, e.hook.OnCronFired(ctx, entryName))
	}
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.check("OnShutdown", e.name, e.hook.OnShutdown(ctx))
	}
}

// check logs a hook error. Hook errors never propagate: the command they
// report on is already committed.
func (r *Registry) check(hook, extName string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
