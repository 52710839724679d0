package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/backoff"
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/ext"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/raft"
	"github.com/xraph/quorum/store"
	"github.com/xraph/quorum/task"
	"github.com/xraph/quorum/wal"
)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

// directNode applies every proposal straight to the state machine, as a
// single replica that always commits would.
type directNode struct {
	mu     sync.Mutex
	sm     *StateMachine
	index  uint64
	leader bool
	halted string
}

func (n *directNode) Apply(ctx context.Context, data []byte) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, quorum.ErrTimeout
	}
	if !n.leader {
		return nil, &quorum.NotLeaderError{LeaderID: "node2", LeaderAddr: "10.0.0.2:7000"}
	}
	n.index++
	return n.sm.Apply(wal.Entry{Index: n.index, Term: 1, Type: wal.EntryCommand, Data: data}), nil
}

func (n *directNode) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

func (n *directNode) Status() raft.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	role := "follower"
	if n.leader {
		role = "leader"
	}
	return raft.Status{ID: "node1", Role: role, CommitIndex: n.index, AppliedIndex: n.index, Halted: n.halted}
}

func (n *directNode) proposals() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.index
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memArchive struct {
	mu    sync.Mutex
	tasks map[id.TaskID]*task.Task
}

func (a *memArchive) Put(_ context.Context, tasks ...*task.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range tasks {
		a.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (a *memArchive) Get(_ context.Context, tid id.TaskID) (*task.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[tid]
	if !ok {
		return nil, quorum.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// hookRecorder counts lifecycle hooks.
type hookRecorder struct {
	mu       sync.Mutex
	calls    []string
	expiredW id.WorkerID
}

func (h *hookRecorder) Name() string { return "recorder" }

func (h *hookRecorder) add(s string) error {
	h.mu.Lock()
	h.calls = append(h.calls, s)
	h.mu.Unlock()
	return nil
}

func (h *hookRecorder) OnTaskSubmitted(context.Context, *task.Task) error { return h.add("submitted") }
func (h *hookRecorder) OnTaskClaimed(context.Context, *task.Task) error   { return h.add("claimed") }
func (h *hookRecorder) OnTaskCompleted(context.Context, *task.Task, time.Duration) error {
	return h.add("completed")
}
func (h *hookRecorder) OnTaskRetrying(context.Context, *task.Task, int, time.Time) error {
	return h.add("retrying")
}
func (h *hookRecorder) OnLeaseExpired(_ context.Context, _ *task.Task, w id.WorkerID) error {
	h.mu.Lock()
	h.expiredW = w
	h.mu.Unlock()
	return h.add("lease_expired")
}
func (h *hookRecorder) OnShutdown(context.Context) error { return h.add("shutdown") }

func (h *hookRecorder) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// ──────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────

type harness struct {
	b       *Broker
	node    *directNode
	store   *store.TaskStore
	clock   *fakeClock
	archive *memArchive
	hooks   *hookRecorder
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := quietLogger()
	h := &harness{
		store:   store.New(),
		clock:   &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		archive: &memArchive{tasks: make(map[id.TaskID]*task.Task)},
		hooks:   &hookRecorder{},
	}
	reg := ext.NewRegistry(logger)
	reg.Register(h.hooks)
	h.node = &directNode{sm: NewStateMachine(h.store, reg, h.archive, logger), leader: true}
	base := []Option{
		WithLogger(logger),
		WithClock(h.clock.Now),
		WithExtensions(reg),
		WithArchive(h.archive),
	}
	h.b = New(h.node, h.store, append(base, opts...)...)
	return h
}

func (h *harness) register(t *testing.T, wid id.WorkerID, caps ...string) {
	t.Helper()
	if _, err := h.b.RegisterWorker(context.Background(), &cluster.Worker{ID: wid, Capabilities: caps}); err != nil {
		t.Fatalf("RegisterWorker(%s): %v", wid, err)
	}
}

func (h *harness) submit(t *testing.T, tk *task.Task) *task.Task {
	t.Helper()
	got, err := h.b.Submit(context.Background(), tk)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return got
}

func (h *harness) status(t *testing.T, tid id.TaskID) *task.Task {
	t.Helper()
	got, err := h.b.Status(context.Background(), tid)
	if err != nil {
		t.Fatalf("Status(%s): %v", tid, err)
	}
	return got
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestSubmitClaimComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	normal := h.submit(t, task.New("email", []byte("n")))
	high := h.submit(t, task.New("email", []byte("x"), task.WithPriority(task.PriorityHigh)))
	if normal.ID == "" || !id.HasPrefix(string(normal.ID), id.PrefixTask) {
		t.Fatalf("generated id = %q", normal.ID)
	}
	if high.Status != task.StatusPending {
		t.Fatalf("Status = %s, want pending", high.Status)
	}

	h.register(t, "worker_a")
	claimed, err := h.b.Claim(ctx, "worker_a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.ID != high.ID {
		t.Fatalf("claimed %s, want high priority %s", claimed.ID, high.ID)
	}
	if want := h.clock.Now().Add(30 * time.Second); !claimed.LeaseExpiry.Equal(want) {
		t.Errorf("LeaseExpiry = %v, want %v", claimed.LeaseExpiry, want)
	}

	h.clock.Advance(2 * time.Second)
	done, err := h.b.Complete(ctx, "worker_a", high.ID, []byte("ok"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != task.StatusCompleted || string(done.Result) != "ok" {
		t.Errorf("completed task = %+v", done)
	}

	if want := []string{"submitted", "submitted", "claimed", "completed"}; !equal(h.hooks.snapshot(), want) {
		t.Errorf("hooks = %v, want %v", h.hooks.snapshot(), want)
	}
}

func TestSubmitValidationNeverProposes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		task *task.Task
		want error
	}{
		{"nil", nil, quorum.ErrInvalidTask},
		{"no type", task.New("", nil), quorum.ErrInvalidTask},
		{"too large", task.New("big", make([]byte, task.MaxPayloadSize+1)), quorum.ErrPayloadTooLarge},
		{"bad priority", task.New("x", nil, task.WithPriority(9)), quorum.ErrInvalidPriority},
		{"self dependency", task.New("x", nil, task.WithID("t1"), task.WithDependencies("t1")), quorum.ErrInvalidTask},
	}
	for _, tt := range tests {
		if _, err := h.b.Submit(ctx, tt.task); !errors.Is(err, tt.want) {
			t.Errorf("%s: Submit err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if n := h.node.proposals(); n != 0 {
		t.Errorf("proposals = %d, want 0", n)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first := h.submit(t, task.New("email", []byte("a"), task.WithID("order-42")))

	again, err := h.b.Submit(context.Background(), task.New("email", []byte("b"), task.WithID("order-42")))
	if !errors.Is(err, quorum.ErrTaskAlreadyExists) {
		t.Fatalf("Submit err = %v, want ErrTaskAlreadyExists", err)
	}
	if again.ID != first.ID || string(again.Payload) != "a" {
		t.Errorf("duplicate returned %+v, want the original", again)
	}
}

func TestUnknownDependencyRejectedAtApply(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, err := h.b.Submit(context.Background(), task.New("x", nil, task.WithDependencies("missing")))
	if !errors.Is(err, quorum.ErrDependencyNotFound) {
		t.Fatalf("Submit err = %v, want ErrDependencyNotFound", err)
	}
}

func TestLeaseExpiryRetriesAfterBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	tk := h.submit(t, task.New("x", []byte("x"), task.WithPriority(task.PriorityHigh), task.WithMaxRetries(2)))
	h.register(t, "worker_a")
	if _, err := h.b.Claim(ctx, "worker_a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	h.clock.Advance(31 * time.Second)
	h.b.maintain(ctx)

	got := h.status(t, tk.ID)
	if got.Status != task.StatusRetrying || got.RetryCount != 1 || got.WorkerID != "" {
		t.Fatalf("after expiry = %s retry=%d worker=%q, want retrying 1 none", got.Status, got.RetryCount, got.WorkerID)
	}
	if want := h.clock.Now().Add(5 * time.Second); !got.RetryAt.Equal(want) {
		t.Errorf("RetryAt = %v, want %v", got.RetryAt, want)
	}
	w, _ := h.store.Worker("worker_a")
	if w.State != cluster.WorkerDead {
		t.Errorf("worker state = %s, want dead", w.State)
	}

	// Before the delay passes nothing changes.
	h.clock.Advance(4 * time.Second)
	h.b.maintain(ctx)
	if got := h.status(t, tk.ID); got.Status != task.StatusRetrying {
		t.Fatalf("status = %s before delay, want retrying", got.Status)
	}

	h.clock.Advance(time.Second)
	h.b.maintain(ctx)
	if got := h.status(t, tk.ID); got.Status != task.StatusPending {
		t.Fatalf("status = %s after delay, want pending", got.Status)
	}

	h.hooks.mu.Lock()
	expired := h.hooks.expiredW
	h.hooks.mu.Unlock()
	if expired != "worker_a" {
		t.Errorf("lease expired hook worker = %q, want worker_a", expired)
	}
}

func TestFailUntilDeadLetter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithBackoff(backoff.NewConstant(0)))
	ctx := context.Background()

	tk := h.submit(t, task.New("x", nil, task.WithMaxRetries(2)))
	h.register(t, "worker_a")

	for attempt := range 3 {
		if _, err := h.b.Claim(ctx, "worker_a"); err != nil {
			t.Fatalf("Claim %d: %v", attempt, err)
		}
		got, err := h.b.Fail(ctx, "worker_a", tk.ID, "boom", false)
		if err != nil {
			t.Fatalf("Fail %d: %v", attempt, err)
		}
		want := task.StatusPending
		if attempt == 2 {
			want = task.StatusDeadLetter
		}
		if got.Status != want {
			t.Fatalf("attempt %d status = %s, want %s", attempt, got.Status, want)
		}
	}

	if _, err := h.b.Claim(ctx, "worker_a"); !errors.Is(err, quorum.ErrNoTaskAvailable) {
		t.Errorf("Claim err = %v, want ErrNoTaskAvailable", err)
	}
	if got := h.status(t, tk.ID); got.LastError != "boom" || got.RetryCount != 2 {
		t.Errorf("dead-lettered task = %+v", got)
	}

	// A manual retry starts over.
	retried, err := h.b.Retry(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != task.StatusPending || retried.RetryCount != 0 {
		t.Errorf("retried = %s retry=%d, want pending 0", retried.Status, retried.RetryCount)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	tk := h.submit(t, task.New("x", nil))
	h.register(t, "worker_a")
	if _, err := h.b.Claim(ctx, "worker_a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	got, err := h.b.Fail(ctx, "worker_a", tk.ID, "bad input", true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if got.Status != task.StatusDeadLetter || got.RetryCount != 0 {
		t.Errorf("status = %s retry=%d, want dead_letter 0", got.Status, got.RetryCount)
	}
}

func TestLateCompleteAfterCancelIsHarmless(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	tk := h.submit(t, task.New("x", nil))
	h.register(t, "worker_a")
	if _, err := h.b.Claim(ctx, "worker_a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := h.b.Cancel(ctx, tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, hbTask, err := h.b.Heartbeat(ctx, "worker_a", cluster.Stats{CPUUsage: 0.5})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hbTask != nil {
		t.Errorf("heartbeat returned task %s after cancel", hbTask.ID)
	}
	got, err := h.b.Complete(ctx, "worker_a", tk.ID, []byte("late"))
	if err != nil {
		t.Fatalf("late Complete: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCompleteByOtherWorkerIsStale(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	tk := h.submit(t, task.New("x", nil))
	h.register(t, "worker_a")
	h.register(t, "worker_b")
	if _, err := h.b.Claim(ctx, "worker_a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := h.b.Complete(ctx, "worker_b", tk.ID, nil); !errors.Is(err, quorum.ErrStaleLease) {
		t.Errorf("Complete err = %v, want ErrStaleLease", err)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	tk := h.submit(t, task.New("x", nil))
	h.register(t, "worker_a")
	if _, err := h.b.Claim(ctx, "worker_a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	h.clock.Advance(20 * time.Second)
	w, hbTask, err := h.b.Heartbeat(ctx, "worker_a", cluster.Stats{CPUUsage: 0.25, MemoryUsage: 1 << 20})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hbTask == nil || hbTask.ID != tk.ID {
		t.Fatalf("heartbeat task = %v, want %s", hbTask, tk.ID)
	}
	if w.CPUUsage != 0.25 || w.MemoryUsage != 1<<20 {
		t.Errorf("worker stats = %v/%v", w.CPUUsage, w.MemoryUsage)
	}

	// 31s after the claim the original lease would have expired.
	h.clock.Advance(11 * time.Second)
	h.b.maintain(ctx)
	if got := h.status(t, tk.ID); got.Status != task.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestAbsentWorkersRemoved(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithAbsenceTimeout(time.Minute))
	ctx := context.Background()
	h.register(t, "worker_a")

	h.clock.Advance(59 * time.Second)
	h.b.maintain(ctx)
	if ws, _ := h.b.ListWorkers(ctx); len(ws) != 1 {
		t.Fatalf("workers = %d before timeout, want 1", len(ws))
	}

	h.clock.Advance(time.Second)
	h.b.maintain(ctx)
	if ws, _ := h.b.ListWorkers(ctx); len(ws) != 0 {
		t.Fatalf("workers = %d after timeout, want 0", len(ws))
	}
}

func TestCompactArchivesTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithRetention(time.Hour))
	ctx := context.Background()

	tk := h.submit(t, task.New("x", nil))
	if _, err := h.b.Cancel(ctx, tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := h.b.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if _, ok := h.store.Get(tk.ID); !ok {
		t.Fatal("task compacted before retention elapsed")
	}

	h.clock.Advance(2 * time.Hour)
	if err := h.b.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if _, ok := h.store.Get(tk.ID); ok {
		t.Fatal("task still in store after compaction")
	}
	got := h.status(t, tk.ID)
	if got.Status != task.StatusCancelled {
		t.Errorf("archived status = %s, want cancelled", got.Status)
	}

	if _, err := h.b.Status(ctx, "never-existed"); !errors.Is(err, quorum.ErrTaskNotFound) {
		t.Errorf("Status err = %v, want ErrTaskNotFound", err)
	}
}

func TestNotLeaderCarriesHint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.node.leader = false

	_, err := h.b.Submit(context.Background(), task.New("x", nil))
	if !errors.Is(err, quorum.ErrNotLeader) {
		t.Fatalf("Submit err = %v, want ErrNotLeader", err)
	}
	hint, ok := quorum.LeaderHint(err)
	if !ok || hint.LeaderAddr != "10.0.0.2:7000" {
		t.Errorf("hint = %+v, want leader address", hint)
	}
}

func TestHaltedReplicaRefusesReads(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	tk := h.submit(t, task.New("x", nil))
	h.node.halted = "wal: disk full"

	if _, err := h.b.Status(ctx, tk.ID); !errors.Is(err, quorum.ErrStorageFailed) {
		t.Errorf("Status err = %v, want ErrStorageFailed", err)
	}
	if _, err := h.b.Stats(ctx); !errors.Is(err, quorum.ErrStorageFailed) {
		t.Errorf("Stats err = %v, want ErrStorageFailed", err)
	}
	if st := h.b.ClusterStatus(ctx); st.Halted == "" {
		t.Error("ClusterStatus hides the halt")
	}

	h.b.staleReads = true
	if _, err := h.b.Status(ctx, tk.ID); err != nil {
		t.Errorf("stale Status: %v", err)
	}
}

func TestListAndStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, task.New("a", nil, task.WithPriority(task.PriorityCritical)))
	h.submit(t, task.New("b", nil))
	h.submit(t, task.New("b", nil, task.WithPriority(task.PriorityLow)))

	list, err := h.b.List(ctx, store.Filter{Type: "b"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List(type=b) = %d tasks, want 2", len(list))
	}
	if _, err := h.b.List(ctx, store.Filter{Status: "bogus"}); !errors.Is(err, quorum.ErrInvalidArgument) {
		t.Errorf("List err = %v, want ErrInvalidArgument", err)
	}

	st, err := h.b.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Pending() != 3 || st.QueueDepth[task.PriorityCritical] != 1 || st.QueueDepth[task.PriorityLow] != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestProposalTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.b.Submit(ctx, task.New("x", nil)); !errors.Is(err, quorum.ErrTimeout) {
		t.Errorf("Submit err = %v, want ErrTimeout", err)
	}
}

func TestStopEmitsShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithMaintenanceInterval(5*time.Millisecond))
	ctx := context.Background()
	h.b.Start(ctx)
	h.b.Start(ctx)
	h.b.Stop(ctx)
	h.b.Stop(ctx)

	calls := h.hooks.snapshot()
	if len(calls) != 1 || calls[0] != "shutdown" {
		t.Errorf("hooks = %v, want [shutdown]", calls)
	}
}

// TestBrokerOverRaft runs the broker on a real single-replica Raft node.
func TestBrokerOverRaft(t *testing.T) {
	t.Parallel()
	logger := quietLogger()
	st := store.New()
	sm := NewStateMachine(st, nil, nil, logger)

	net := raft.NewLocalNetwork()
	cfg := raft.DefaultConfig("node1", "127.0.0.1:7000")
	cfg.ElectionTimeoutMin = 20 * time.Millisecond
	cfg.ElectionTimeoutMax = 40 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.Logger = logger
	node, err := raft.New(cfg, wal.OpenMemory(), sm, net.Transport("node1"))
	if err != nil {
		t.Fatalf("raft.New: %v", err)
	}
	net.Register("node1", node)
	node.Start(context.Background())
	t.Cleanup(node.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for !node.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("no leader elected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b := New(node, st, WithLogger(logger))
	ctx := context.Background()
	tk, err := b.Submit(ctx, task.New("email", []byte("hi")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := b.RegisterWorker(ctx, &cluster.Worker{ID: "worker_a", Capabilities: []string{"email"}}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	claimed, err := b.Claim(ctx, "worker_a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.ID != tk.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, tk.ID)
	}
	if _, err := b.Complete(ctx, "worker_a", tk.ID, []byte("sent")); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	cs := b.ClusterStatus(ctx)
	if cs.Role != "leader" || cs.AppliedIndex < 5 {
		t.Errorf("ClusterStatus = %+v", cs)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
