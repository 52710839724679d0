package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

// Broker is the part of the broker API a pool drives. *broker.Broker
// satisfies it in-process and *wire.Client over the network.
type Broker interface {
	RegisterWorker(ctx context.Context, w *cluster.Worker) (*cluster.Worker, error)
	Heartbeat(ctx context.Context, wid id.WorkerID, stats cluster.Stats) (*cluster.Worker, *task.Task, error)
	Claim(ctx context.Context, wid id.WorkerID) (*task.Task, error)
	Complete(ctx context.Context, wid id.WorkerID, tid id.TaskID, result []byte) (*task.Task, error)
	Fail(ctx context.Context, wid id.WorkerID, tid id.TaskID, reason string, permanent bool) (*task.Task, error)
}

// StatsFunc samples resource usage for heartbeats.
type StatsFunc func() cluster.Stats

// Pool runs a fixed number of slots. Each slot registers as its own worker,
// claims one task at a time, and reports the outcome. A shared heartbeat
// loop keeps every slot alive and cancels a task whose lease the broker no
// longer attributes to the slot.
type Pool struct {
	broker       Broker
	executor     *Executor
	capabilities []string
	concurrency  int
	address      string
	workerID     id.WorkerID
	pollInterval time.Duration
	logger       *slog.Logger
	stats        StatsFunc

	heartbeatInterval time.Duration
	reportTimeout     time.Duration

	slots []*slot

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// slot is one registered worker identity and the task it is running.
type slot struct {
	workerID id.WorkerID

	mu     sync.Mutex
	taskID id.TaskID
	cancel context.CancelFunc
	lost   bool
	// gen changes whenever the slot starts or finishes a task. A heartbeat
	// reply only applies to the generation it was sent under.
	gen uint64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of slots.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle slot waits before claiming again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often every slot heartbeats. It must be
// well under the broker's lease TTL.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithAddress sets the address slots register with.
func WithAddress(addr string) PoolOption {
	return func(p *Pool) { p.address = addr }
}

// WithWorkerID gives the slots stable ids derived from wid so a restarted
// process takes over its previous registrations. A single slot uses wid
// itself; otherwise slot k is "wid-k". By default the broker assigns ids.
func WithWorkerID(wid id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = wid }
}

// WithCapabilities overrides the advertised task types. By default a pool
// advertises every type in its executor's registry.
func WithCapabilities(types ...string) PoolOption {
	return func(p *Pool) { p.capabilities = types }
}

// WithStats sets the resource sampler used for heartbeats.
func WithStats(fn StatsFunc) PoolOption {
	return func(p *Pool) { p.stats = fn }
}

// WithReportTimeout bounds each Complete or Fail call.
func WithReportTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.reportTimeout = d }
}

// NewPool creates a worker pool.
func NewPool(b Broker, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		broker:            b,
		executor:          executor,
		capabilities:      executor.registry.Types(),
		concurrency:       4,
		pollInterval:      time.Second,
		heartbeatInterval: 5 * time.Second,
		reportTimeout:     10 * time.Second,
		logger:            logger,
		stats:             func() cluster.Stats { return cluster.Stats{} },
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerIDs returns the ids of the registered slots.
func (p *Pool) WorkerIDs() []id.WorkerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]id.WorkerID, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.workerID
	}
	return out
}

// Start registers every slot and launches the claim and heartbeat loops.
// Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.concurrency < 1 {
		return fmt.Errorf("%w: concurrency %d", quorum.ErrInvalidArgument, p.concurrency)
	}

	slots := make([]*slot, 0, p.concurrency)
	for k := range p.concurrency {
		w, err := p.broker.RegisterWorker(ctx, &cluster.Worker{
			ID:           p.slotID(k),
			Address:      p.address,
			Capabilities: p.capabilities,
		})
		if err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
		if !p.workerID.IsNil() {
			p.releaseOrphan(ctx, w.ID)
		}
		slots = append(slots, &slot{workerID: w.ID})
	}
	p.slots = slots
	p.running = true

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Any("capabilities", p.capabilities),
	)

	for _, s := range p.slots {
		p.wg.Add(1)
		go p.claimLoop(s)
	}
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	return nil
}

func (p *Pool) slotID(k int) id.WorkerID {
	switch {
	case p.workerID.IsNil():
		return ""
	case p.concurrency == 1:
		return p.workerID
	}
	return id.WorkerID(fmt.Sprintf("%s-%d", p.workerID, k+1))
}

// releaseOrphan fails a task the broker still attributes to a reused slot
// id. The process that claimed it is gone, and heartbeats from this one
// would otherwise keep its lease alive.
func (p *Pool) releaseOrphan(ctx context.Context, wid id.WorkerID) {
	_, held, err := p.broker.Heartbeat(ctx, wid, p.stats())
	if err != nil || held == nil {
		return
	}
	p.logger.Warn("releasing task held by previous worker process",
		slog.String("task_id", held.ID.String()),
		slog.String("worker_id", wid.String()),
	)
	if _, err := p.broker.Fail(ctx, wid, held.ID, "worker restarted", false); err != nil {
		p.logger.Warn("release orphaned task failed",
			slog.String("task_id", held.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Stop signals every slot to stop and waits for running tasks to finish.
// If ctx ends first, running tasks are cancelled and reported as failed so
// the broker retries them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling running tasks")
		p.cancelAll()
		p.wg.Wait()
	}
	return nil
}

// claimLoop is run by each slot.
func (p *Pool) claimLoop(s *slot) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		t, err := p.broker.Claim(context.Background(), s.workerID)
		if err != nil {
			if !errors.Is(err, quorum.ErrNoTaskAvailable) {
				p.logger.Warn("claim failed",
					slog.String("worker_id", s.workerID.String()),
					slog.String("error", err.Error()),
				)
			}
			p.sleep()
			continue
		}
		p.run(s, t)
	}
}

// run executes one claimed task and reports its outcome.
func (p *Pool) run(s *slot, t *task.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	s.track(t.ID, cancel)
	defer func() {
		s.untrack()
		cancel()
	}()

	result, execErr := p.executor.Execute(ctx, t)

	if s.leaseLost() {
		p.logger.Info("task lease lost, dropping outcome",
			slog.String("task_id", t.ID.String()),
			slog.String("worker_id", s.workerID.String()),
		)
		return
	}

	rctx, rcancel := context.WithTimeout(context.Background(), p.reportTimeout)
	defer rcancel()

	var err error
	if execErr == nil {
		_, err = p.broker.Complete(rctx, s.workerID, t.ID, result)
	} else {
		p.logger.Debug("task execution failed",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", t.Type),
			slog.String("error", execErr.Error()),
		)
		_, err = p.broker.Fail(rctx, s.workerID, t.ID, execErr.Error(), IsPermanent(execErr))
	}
	if err != nil {
		p.logger.Warn("report outcome failed",
			slog.String("task_id", t.ID.String()),
			slog.String("worker_id", s.workerID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

// sendHeartbeats heartbeats every slot. Idle slots heartbeat too so the
// broker does not remove them as absent.
func (p *Pool) sendHeartbeats() {
	stats := p.stats()
	for _, s := range p.slots {
		gen := s.generation()
		ctx, cancel := context.WithTimeout(context.Background(), p.heartbeatInterval)
		_, held, err := p.broker.Heartbeat(ctx, s.workerID, stats)
		cancel()
		if err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("worker_id", s.workerID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		var heldID id.TaskID
		if held != nil {
			heldID = held.ID
		}
		if tid, ok := s.reconcile(gen, heldID); ok {
			p.logger.Info("task no longer leased to worker, cancelling",
				slog.String("task_id", tid.String()),
				slog.String("worker_id", s.workerID.String()),
			)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) cancelAll() {
	for _, s := range p.slots {
		s.mu.Lock()
		if s.cancel != nil {
			p.logger.Warn("cancelling running task", slog.String("task_id", s.taskID.String()))
			s.cancel()
		}
		s.mu.Unlock()
	}
}

// ──────────────────────────────────────────────────
// Slot state
// ──────────────────────────────────────────────────

func (s *slot) track(tid id.TaskID, cancel context.CancelFunc) {
	s.mu.Lock()
	s.taskID, s.cancel, s.lost = tid, cancel, false
	s.gen++
	s.mu.Unlock()
}

func (s *slot) untrack() {
	s.mu.Lock()
	s.taskID, s.cancel, s.lost = "", nil, false
	s.gen++
	s.mu.Unlock()
}

func (s *slot) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *slot) leaseLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// reconcile compares the running task with the one the broker says the
// slot holds. On a mismatch it cancels the running task and returns its id.
// A reply to a heartbeat sent under an older generation says nothing about
// the current task and is ignored.
func (s *slot) reconcile(gen uint64, held id.TaskID) (id.TaskID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.cancel == nil || s.lost || s.taskID == held {
		return "", false
	}
	s.lost = true
	s.cancel()
	return s.taskID, true
}
