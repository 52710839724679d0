package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/backoff"
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/ext"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/raft"
	"github.com/xraph/quorum/store"
	"github.com/xraph/quorum/task"
)

// Node is the consensus surface the broker needs. *raft.Node satisfies it.
type Node interface {
	// Apply proposes data and waits until it is committed and applied,
	// returning the state machine result.
	Apply(ctx context.Context, data []byte) (any, error)
	IsLeader() bool
	Status() raft.Status
}

// Broker validates requests, proposes commands and serves queries.
type Broker struct {
	node  Node
	store *store.TaskStore

	logger              *slog.Logger
	now                 func() time.Time
	backoff             backoff.Strategy
	leaseTTL            time.Duration
	proposalTimeout     time.Duration
	maintenanceInterval time.Duration
	absenceTimeout      time.Duration
	retention           time.Duration
	extensions          *ext.Registry
	archive             Archive
	staleReads          bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Broker over node and the store its state machine applies
// to.
func New(node Node, st *store.TaskStore, opts ...Option) *Broker {
	b := &Broker{
		node:                node,
		store:               st,
		logger:              slog.Default(),
		now:                 time.Now,
		leaseTTL:            30 * time.Second,
		proposalTimeout:     5 * time.Second,
		maintenanceInterval: time.Second,
		absenceTimeout:      2 * time.Minute,
		retention:           7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.backoff == nil {
		b.backoff = backoff.DefaultStrategy()
	}
	if b.extensions == nil {
		b.extensions = ext.NewRegistry(b.logger)
	}
	return b
}

// Start launches the maintenance loop. It runs on every replica but only
// acts while this replica leads.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.maintenanceLoop(ctx)
	b.logger.Info("broker started",
		slog.Duration("lease_ttl", b.leaseTTL),
		slog.Duration("maintenance_interval", b.maintenanceInterval),
	)
}

// Stop halts the maintenance loop and notifies Shutdown hooks.
func (b *Broker) Stop(ctx context.Context) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()
	b.extensions.EmitShutdown(ctx)
	b.logger.Info("broker stopped")
}

// LeadershipChanged forwards a leadership change to extensions. Wire it to
// raft.Node.OnLeaderChange.
func (b *Broker) LeadershipChanged(isLeader bool) {
	b.logger.Info("leadership changed", slog.Bool("leader", isLeader))
	b.extensions.EmitLeadershipChanged(context.Background(), isLeader)
}

// ──────────────────────────────────────────────────
// Proposal
// ──────────────────────────────────────────────────

// propose commits cmd and returns its apply result. An apply-time rejection
// is returned as the error alongside the result.
func (b *Broker) propose(ctx context.Context, cmd store.Command) (store.Result, error) {
	if cmd.At.IsZero() {
		cmd.At = b.now().UTC()
	}
	data, err := cmd.Encode()
	if err != nil {
		return store.Result{}, err
	}

	if _, ok := ctx.Deadline(); !ok && b.proposalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.proposalTimeout)
		defer cancel()
	}

	out, err := b.node.Apply(ctx, data)
	if err != nil {
		return store.Result{}, err
	}
	res, ok := out.(store.Result)
	if !ok {
		return store.Result{}, fmt.Errorf("%s: unexpected apply result %T", cmd.Kind, out)
	}
	return res, res.Err
}

// ──────────────────────────────────────────────────
// Client operations
// ──────────────────────────────────────────────────

// Submit validates t and replicates it. A task without an id gets a fresh
// one. Resubmitting an existing id returns the stored task together with
// quorum.ErrTaskAlreadyExists.
func (b *Broker) Submit(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil task", quorum.ErrInvalidTask)
	}
	t = t.Clone()
	if t.ID == "" {
		t.ID = id.NewTaskID()
	}
	if err := task.Validate(t); err != nil {
		return nil, err
	}
	if existing, ok := b.store.Get(t.ID); ok {
		return existing, quorum.ErrTaskAlreadyExists
	}

	res, err := b.propose(ctx, store.Command{Kind: store.KindSubmit, Task: t})
	if err != nil {
		return res.Task, err
	}
	b.logger.Debug("task submitted",
		slog.String("task_id", t.ID.String()),
		slog.String("type", t.Type),
		slog.String("priority", t.Priority.String()),
	)
	return res.Task, nil
}

// Cancel stops a task that has not reached a terminal status. A running
// task's worker finds out when it next heartbeats or reports.
func (b *Broker) Cancel(ctx context.Context, tid id.TaskID) (*task.Task, error) {
	res, err := b.propose(ctx, store.Command{Kind: store.KindCancel, TaskID: tid})
	return res.Task, err
}

// Retry puts a dead-lettered, cancelled or retrying task back in the queue
// with a fresh retry budget.
func (b *Broker) Retry(ctx context.Context, tid id.TaskID) (*task.Task, error) {
	res, err := b.propose(ctx, store.Command{Kind: store.KindRequeue, TaskID: tid, ResetRetries: true})
	return res.Task, err
}

// Compact removes terminal tasks older than the retention window.
func (b *Broker) Compact(ctx context.Context) error {
	before := b.now().UTC().Add(-b.retention)
	if len(b.store.Purgeable(before)) == 0 {
		return nil
	}
	res, err := b.propose(ctx, store.Command{Kind: store.KindCompact, Before: before})
	if err != nil {
		return err
	}
	b.logger.Info("compacted terminal tasks",
		slog.Int("purged", len(res.Events)),
		slog.Time("before", before),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Worker operations
// ──────────────────────────────────────────────────

// RegisterWorker adds w, or refreshes it if it is already known. A worker
// without an id gets a fresh one.
func (b *Broker) RegisterWorker(ctx context.Context, w *cluster.Worker) (*cluster.Worker, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: nil worker", quorum.ErrInvalidArgument)
	}
	w = w.Clone()
	if w.ID == "" {
		w.ID = id.NewWorkerID()
	} else if err := id.Validate(string(w.ID)); err != nil {
		return nil, fmt.Errorf("%w: %v", quorum.ErrInvalidID, err)
	}
	res, err := b.propose(ctx, store.Command{Kind: store.KindRegisterWorker, Worker: w})
	if err != nil {
		return res.Worker, err
	}
	b.logger.Info("worker registered",
		slog.String("worker_id", w.ID.String()),
		slog.String("address", w.Address),
		slog.Any("capabilities", w.Capabilities),
	)
	return res.Worker, nil
}

// Heartbeat records that the worker is alive and extends the lease on the
// task it holds. The returned task is nil when the worker holds none, which
// also tells a worker that its task was cancelled or reassigned.
func (b *Broker) Heartbeat(ctx context.Context, wid id.WorkerID, stats cluster.Stats) (*cluster.Worker, *task.Task, error) {
	res, err := b.propose(ctx, store.Command{
		Kind:     store.KindHeartbeat,
		WorkerID: wid,
		LeaseTTL: b.leaseTTL,
		Stats:    stats,
	})
	return res.Worker, res.Task, err
}

// Claim leases the highest-priority ready task the worker can run.
// quorum.ErrNoTaskAvailable means the queue holds nothing for it.
func (b *Broker) Claim(ctx context.Context, wid id.WorkerID) (*task.Task, error) {
	res, err := b.propose(ctx, store.Command{Kind: store.KindClaim, WorkerID: wid, LeaseTTL: b.leaseTTL})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("task claimed",
		slog.String("task_id", res.Task.ID.String()),
		slog.String("worker_id", wid.String()),
		slog.Time("lease_expiry", res.Task.LeaseExpiry),
	)
	return res.Task, nil
}

// Complete records a successful result from the lease holder.
func (b *Broker) Complete(ctx context.Context, wid id.WorkerID, tid id.TaskID, result []byte) (*task.Task, error) {
	if len(result) > task.MaxPayloadSize {
		return nil, fmt.Errorf("%w: result is %d bytes", quorum.ErrPayloadTooLarge, len(result))
	}
	res, err := b.propose(ctx, store.Command{
		Kind:     store.KindComplete,
		WorkerID: wid,
		TaskID:   tid,
		Result:   result,
	})
	return res.Task, err
}

// Fail records a failed attempt from the lease holder. A permanent failure
// skips the remaining retries.
func (b *Broker) Fail(ctx context.Context, wid id.WorkerID, tid id.TaskID, reason string, permanent bool) (*task.Task, error) {
	at := b.now().UTC()
	res, err := b.propose(ctx, store.Command{
		Kind:      store.KindFail,
		At:        at,
		WorkerID:  wid,
		TaskID:    tid,
		Error:     reason,
		RetryAt:   b.retryAt(tid, at),
		Permanent: permanent,
	})
	if err == nil && res.Task != nil {
		b.logger.Debug("task failed",
			slog.String("task_id", tid.String()),
			slog.String("status", string(res.Task.Status)),
			slog.Int("retry_count", res.Task.RetryCount),
			slog.String("error", reason),
		)
	}
	return res.Task, err
}

// retryAt computes when the next attempt of tid becomes pending. The
// result is carried in the command so every replica agrees on it.
func (b *Broker) retryAt(tid id.TaskID, at time.Time) time.Time {
	attempt := 1
	if t, ok := b.store.Get(tid); ok {
		attempt = t.RetryCount + 1
	}
	return at.Add(b.backoff.Delay(attempt))
}

// ──────────────────────────────────────────────────
// Error helpers
// ──────────────────────────────────────────────────

// rejected reports whether err is an apply-time rejection that leaves
// state unchanged, as opposed to a consensus failure.
func rejected(err error) bool {
	for _, target := range []error{
		quorum.ErrTaskNotFound, quorum.ErrWorkerNotFound, quorum.ErrInvalidState,
		quorum.ErrStaleLease, quorum.ErrWorkerBusy, quorum.ErrTaskAlreadyExists,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
