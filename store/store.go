package store

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/queue"
	"github.com/xraph/quorum/task"
)

// TaskStore is the replicated state machine of the broker. Apply is the
// only writer; queries take a read lock and return copies.
type TaskStore struct {
	mu sync.RWMutex

	tasks map[id.TaskID]*task.Task

	// dependents maps a task to the tasks that declared it as a dependency.
	dependents map[id.TaskID]map[id.TaskID]struct{}

	queue   *queue.PriorityQueue
	workers *cluster.Registry

	// seq is the last queue sequence handed out.
	seq uint64
}

// New returns an empty store.
func New() *TaskStore {
	return &TaskStore{
		tasks:      make(map[id.TaskID]*task.Task),
		dependents: make(map[id.TaskID]map[id.TaskID]struct{}),
		queue:      queue.New(),
		workers:    cluster.NewRegistry(),
	}
}

// Apply executes one committed command.
func (s *TaskStore) Apply(cmd Command) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Kind {
	case KindSubmit:
		return s.applySubmit(cmd)
	case KindClaim:
		return s.applyClaim(cmd)
	case KindHeartbeat:
		return s.applyHeartbeat(cmd)
	case KindComplete:
		return s.applyComplete(cmd)
	case KindFail:
		return s.applyFail(cmd)
	case KindRequeue:
		return s.applyRequeue(cmd)
	case KindCancel:
		return s.applyCancel(cmd)
	case KindRegisterWorker:
		return s.applyRegisterWorker(cmd)
	case KindRemoveWorker:
		return s.applyRemoveWorker(cmd)
	case KindExpireLease:
		return s.applyExpireLease(cmd)
	case KindCompact:
		return s.applyCompact(cmd)
	}
	return Result{Err: fmt.Errorf("%w: unknown command %s", quorum.ErrInvalidArgument, cmd.Kind)}
}

// ──────────────────────────────────────────────────
// Task commands
// ──────────────────────────────────────────────────

func (s *TaskStore) applySubmit(cmd Command) Result {
	in := cmd.Task
	if in == nil || in.ID == "" {
		return Result{Err: fmt.Errorf("%w: submit without task id", quorum.ErrInvalidTask)}
	}
	if existing, ok := s.tasks[in.ID]; ok {
		return Result{Task: existing.Clone(), Err: quorum.ErrTaskAlreadyExists}
	}
	for _, dep := range in.Dependencies {
		d, ok := s.tasks[dep]
		if !ok {
			return Result{Err: fmt.Errorf("%w: %s", quorum.ErrDependencyNotFound, dep)}
		}
		if failedTerminal(d.Status) {
			return Result{Err: fmt.Errorf("%w: %s is %s", quorum.ErrDependencyFailed, dep, d.Status)}
		}
	}

	t := &task.Task{
		ID:           in.ID,
		Type:         in.Type,
		Payload:      slices.Clone(in.Payload),
		Priority:     in.Priority,
		Status:       task.StatusPending,
		MaxRetries:   in.MaxRetries,
		Timeout:      in.Timeout,
		Dependencies: slices.Clone(in.Dependencies),
		CreatedAt:    cmd.At,
		UpdatedAt:    cmd.At,
	}
	s.tasks[t.ID] = t
	s.link(t)
	s.enqueueIfReady(t)

	var res Result
	res.emit(EventSubmitted, t)
	res.Task = t.Clone()
	return res
}

func (s *TaskStore) applyClaim(cmd Command) Result {
	w, ok := s.workers.Get(cmd.WorkerID)
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", quorum.ErrWorkerNotFound, cmd.WorkerID)}
	}
	if w.Busy() {
		return Result{Worker: w.Clone(), Err: fmt.Errorf("%w: %s holds %s", quorum.ErrWorkerBusy, w.ID, w.CurrentTask)}
	}

	tid, ok := s.queue.PopReady(func(tid id.TaskID) bool {
		return w.Accepts(s.tasks[tid].Type)
	})
	if !ok {
		return Result{Worker: w.Clone(), Err: quorum.ErrNoTaskAvailable}
	}

	t := s.tasks[tid]
	if err := setStatus(t, task.StatusRunning); err != nil {
		return Result{Task: t.Clone(), Worker: w.Clone(), Err: err}
	}
	expiry := cmd.At.Add(cmd.LeaseTTL)
	t.WorkerID = w.ID
	t.LeaseExpiry = expiry
	t.StartedAt = cmd.At
	t.UpdatedAt = cmd.At
	t.RetryAt = time.Time{}
	s.workers.Assign(w.ID, t.ID, expiry)
	w.LastSeen = cmd.At
	w.State = cluster.WorkerActive

	var res Result
	res.emit(EventClaimed, t)
	res.Task = t.Clone()
	res.Worker = w.Clone()
	return res
}

func (s *TaskStore) applyHeartbeat(cmd Command) Result {
	w, ok := s.workers.Get(cmd.WorkerID)
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", quorum.ErrWorkerNotFound, cmd.WorkerID)}
	}
	expiry, _ := s.workers.Heartbeat(w.ID, cmd.At, cmd.LeaseTTL, cmd.Stats)

	var res Result
	if w.Busy() {
		if t, ok := s.tasks[w.CurrentTask]; ok && t.Status == task.StatusRunning && t.WorkerID == w.ID {
			t.LeaseExpiry = expiry
			t.UpdatedAt = cmd.At
			res.Task = t.Clone()
		} else {
			// The task moved on without the worker noticing.
			s.workers.Release(w.ID, w.CurrentTask)
		}
	}
	res.Worker = w.Clone()
	return res
}

// holder checks that cmd.WorkerID holds the lease on a running task. A
// cancelled task yields (task, true, nil): late results for it are dropped
// silently.
func (s *TaskStore) holder(cmd Command) (*task.Task, bool, error) {
	t, ok := s.tasks[cmd.TaskID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", quorum.ErrTaskNotFound, cmd.TaskID)
	}
	if t.Status == task.StatusCancelled {
		return t, true, nil
	}
	if t.Status != task.StatusRunning || t.WorkerID != cmd.WorkerID {
		return t, false, fmt.Errorf("%w: %s is %s, held by %q", quorum.ErrStaleLease, t.ID, t.Status, t.WorkerID)
	}
	return t, false, nil
}

func (s *TaskStore) applyComplete(cmd Command) Result {
	t, cancelled, err := s.holder(cmd)
	if err != nil {
		return Result{Task: t.Clone(), Err: err}
	}
	if cancelled {
		return Result{Task: t.Clone()}
	}

	if err := setStatus(t, task.StatusCompleted); err != nil {
		return Result{Task: t.Clone(), Err: err}
	}
	s.releaseLease(t)
	t.Result = slices.Clone(cmd.Result)
	t.LastError = ""
	t.CompletedAt = cmd.At
	t.UpdatedAt = cmd.At

	var res Result
	res.emit(EventCompleted, t)
	for _, dep := range s.sortedDependents(t.ID) {
		if d := s.tasks[dep]; d.Status == task.StatusPending && s.enqueueIfReady(d) {
			res.emit(EventRequeued, d)
		}
	}
	res.Task = t.Clone()
	return res
}

func (s *TaskStore) applyFail(cmd Command) Result {
	t, cancelled, err := s.holder(cmd)
	if err != nil {
		return Result{Task: t.Clone(), Err: err}
	}
	if cancelled {
		return Result{Task: t.Clone()}
	}

	if err := setStatus(t, task.StatusFailed); err != nil {
		return Result{Task: t.Clone(), Err: err}
	}
	s.releaseLease(t)
	t.LastError = cmd.Error
	t.UpdatedAt = cmd.At

	var res Result
	if err := s.retryOrDeadLetter(t, cmd.At, cmd.RetryAt, cmd.Permanent, &res); err != nil {
		res.Err = err
	}
	res.Task = t.Clone()
	return res
}

func (s *TaskStore) applyExpireLease(cmd Command) Result {
	t, ok := s.tasks[cmd.TaskID]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", quorum.ErrTaskNotFound, cmd.TaskID)}
	}
	if t.Status != task.StatusRunning || t.WorkerID != cmd.WorkerID {
		return Result{Task: t.Clone(), Err: fmt.Errorf("%w: %s no longer held by %s", quorum.ErrStaleLease, t.ID, cmd.WorkerID)}
	}
	if t.HasLease(cmd.At) {
		return Result{Task: t.Clone(), Err: fmt.Errorf("%w: lease on %s still valid", quorum.ErrInvalidState, t.ID)}
	}

	worker := t.WorkerID
	s.releaseLease(t)
	s.workers.MarkDead(worker)
	t.LastError = "lease expired"
	t.UpdatedAt = cmd.At

	var res Result
	ev := Event{Kind: EventLeaseExpired, Task: t.Clone()}
	if w, ok := s.workers.Get(worker); ok {
		ev.Worker = w.Clone()
	}
	res.Events = append(res.Events, ev)
	if err := s.retryOrDeadLetter(t, cmd.At, cmd.RetryAt, false, &res); err != nil {
		res.Err = err
	}
	res.Task = t.Clone()
	if w, ok := s.workers.Get(worker); ok {
		res.Worker = w.Clone()
	}
	return res
}

func (s *TaskStore) applyRequeue(cmd Command) Result {
	t, ok := s.tasks[cmd.TaskID]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", quorum.ErrTaskNotFound, cmd.TaskID)}
	}
	// Only a scheduled retry comes back without a budget reset.
	if !task.CanTransition(t.Status, task.StatusPending) || (t.Status != task.StatusRetrying && !cmd.ResetRetries) {
		return Result{Task: t.Clone(), Err: fmt.Errorf("%w: %s is %s", quorum.ErrInvalidState, t.ID, t.Status)}
	}
	if t.Status != task.StatusRetrying {
		for _, dep := range t.Dependencies {
			d, ok := s.tasks[dep]
			if !ok {
				return Result{Task: t.Clone(), Err: fmt.Errorf("%w: %s", quorum.ErrDependencyNotFound, dep)}
			}
			if failedTerminal(d.Status) {
				return Result{Task: t.Clone(), Err: fmt.Errorf("%w: %s is %s", quorum.ErrDependencyFailed, dep, d.Status)}
			}
		}
	}

	if err := setStatus(t, task.StatusPending); err != nil {
		return Result{Task: t.Clone(), Err: err}
	}
	// A dependency may have been purged and submitted again since t last
	// ran, which dropped t from its dependents.
	s.link(t)
	if cmd.ResetRetries {
		t.RetryCount = 0
		t.Result = nil
		t.CompletedAt = time.Time{}
	}
	t.RetryAt = time.Time{}
	t.UpdatedAt = cmd.At
	s.enqueueIfReady(t)

	var res Result
	res.emit(EventRequeued, t)
	res.Task = t.Clone()
	return res
}

func (s *TaskStore) applyCancel(cmd Command) Result {
	t, ok := s.tasks[cmd.TaskID]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", quorum.ErrTaskNotFound, cmd.TaskID)}
	}
	if err := setStatus(t, task.StatusCancelled); err != nil {
		return Result{Task: t.Clone(), Err: err}
	}

	s.queue.Remove(t.ID)
	s.releaseLease(t)
	t.RetryAt = time.Time{}
	t.CompletedAt = cmd.At
	t.UpdatedAt = cmd.At

	var res Result
	res.emit(EventCancelled, t)
	s.cascadeFailure(t, cmd.At, &res)
	res.Task = t.Clone()
	return res
}

// ──────────────────────────────────────────────────
// Worker commands
// ──────────────────────────────────────────────────

func (s *TaskStore) applyRegisterWorker(cmd Command) Result {
	if cmd.Worker == nil || cmd.Worker.ID == "" {
		return Result{Err: fmt.Errorf("%w: register without worker id", quorum.ErrInvalidArgument)}
	}
	w, created := s.workers.Register(*cmd.Worker, cmd.At)
	var res Result
	if created {
		res.emitWorker(EventWorkerRegistered, w)
	}
	res.Worker = w.Clone()
	return res
}

func (s *TaskStore) applyRemoveWorker(cmd Command) Result {
	w, ok := s.workers.Get(cmd.WorkerID)
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", quorum.ErrWorkerNotFound, cmd.WorkerID)}
	}
	if w.Busy() {
		return Result{Worker: w.Clone(), Err: fmt.Errorf("%w: %s holds %s", quorum.ErrWorkerBusy, w.ID, w.CurrentTask)}
	}
	s.workers.Remove(w.ID)
	var res Result
	res.emitWorker(EventWorkerRemoved, w)
	res.Worker = w.Clone()
	return res
}

// ──────────────────────────────────────────────────
// Retention
// ──────────────────────────────────────────────────

func (s *TaskStore) applyCompact(cmd Command) Result {
	var res Result
	for _, t := range s.purgeable(cmd.Before) {
		delete(s.tasks, t.ID)
		for _, dep := range t.Dependencies {
			if set, ok := s.dependents[dep]; ok {
				delete(set, t.ID)
				if len(set) == 0 {
					delete(s.dependents, dep)
				}
			}
		}
		delete(s.dependents, t.ID)
		res.emit(EventPurged, t)
	}
	return res
}

// purgeable returns terminal tasks last updated before the cutoff that no
// live task still depends on, ordered by id.
func (s *TaskStore) purgeable(before time.Time) []*task.Task {
	var out []*task.Task
	for _, tid := range sortedKeys(s.tasks) {
		t := s.tasks[tid]
		if !t.Status.IsTerminal() || !t.UpdatedAt.Before(before) {
			continue
		}
		blocked := false
		for dep := range s.dependents[t.ID] {
			if d, ok := s.tasks[dep]; ok && !d.Status.IsTerminal() {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, t)
		}
	}
	return out
}

// ──────────────────────────────────────────────────
// Helpers (caller holds mu)
// ──────────────────────────────────────────────────

// retryOrDeadLetter moves a failed or expired task on. With budget left the
// task becomes Retrying, and Pending right away if retryAt is not after at.
func (s *TaskStore) retryOrDeadLetter(t *task.Task, at, retryAt time.Time, permanent bool, res *Result) error {
	if !permanent && t.RetryCount < t.MaxRetries {
		if err := setStatus(t, task.StatusRetrying); err != nil {
			return err
		}
		t.RetryCount++
		t.RetryAt = retryAt
		res.emit(EventRetrying, t)
		if !retryAt.After(at) {
			if err := setStatus(t, task.StatusPending); err != nil {
				return err
			}
			t.RetryAt = time.Time{}
			s.enqueueIfReady(t)
			res.emit(EventRequeued, t)
		}
		return nil
	}
	if err := setStatus(t, task.StatusDeadLetter); err != nil {
		return err
	}
	t.CompletedAt = at
	res.emit(EventDeadLettered, t)
	s.cascadeFailure(t, at, res)
	return nil
}

// cascadeFailure dead-letters every live task that transitively depends on
// failed.
func (s *TaskStore) cascadeFailure(failed *task.Task, at time.Time, res *Result) {
	pending := []id.TaskID{failed.ID}
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]
		for _, dep := range s.sortedDependents(cur) {
			d := s.tasks[dep]
			if d == nil || setStatus(d, task.StatusDeadLetter) != nil {
				continue
			}
			s.queue.Remove(d.ID)
			s.releaseLease(d)
			d.LastError = "dependency failed: " + string(cur)
			d.RetryAt = time.Time{}
			d.CompletedAt = at
			d.UpdatedAt = at
			res.emit(EventDeadLettered, d)
			pending = append(pending, d.ID)
		}
	}
}

// enqueueIfReady queues a pending task whose dependencies have all
// completed. It reports whether the task was queued.
func (s *TaskStore) enqueueIfReady(t *task.Task) bool {
	if t.Status != task.StatusPending || s.queue.Contains(t.ID) || !s.ready(t) {
		return false
	}
	s.seq++
	t.Seq = s.seq
	s.queue.Push(t.ID, t.Priority, t.Seq)
	return true
}

func (s *TaskStore) ready(t *task.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// link records t as a dependent of each of its dependencies.
func (s *TaskStore) link(t *task.Task) {
	for _, dep := range t.Dependencies {
		set, ok := s.dependents[dep]
		if !ok {
			set = make(map[id.TaskID]struct{})
			s.dependents[dep] = set
		}
		set[t.ID] = struct{}{}
	}
}

func (s *TaskStore) releaseLease(t *task.Task) {
	if t.WorkerID != "" {
		s.workers.Release(t.WorkerID, t.ID)
	}
	t.WorkerID = ""
	t.LeaseExpiry = time.Time{}
}

func (s *TaskStore) sortedDependents(tid id.TaskID) []id.TaskID {
	return sortedKeys(s.dependents[tid])
}

// setStatus moves t to the given status if the lifecycle allows it.
func setStatus(t *task.Task, to task.Status) error {
	if !task.CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", quorum.ErrInvalidState, t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

func failedTerminal(st task.Status) bool {
	return st == task.StatusDeadLetter || st == task.StatusCancelled
}

func sortedKeys[V any](m map[id.TaskID]V) []id.TaskID {
	keys := make([]id.TaskID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
