package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Emitter emits cron lifecycle events.
// ext.Registry satisfies this interface via EmitCronFired.
type Emitter interface {
	EmitCronFired(ctx context.Context, entryName string)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler runs entries on a tick loop. Only the Raft leader executes
// ticks.
type Scheduler struct {
	isLeader func() bool
	emitter  Emitter
	logger   *slog.Logger
	now      func() time.Time

	tickInterval time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	leading bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a Scheduler. isLeader gates every tick; emitter may
// be nil.
func NewScheduler(isLeader func() bool, emitter Emitter, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		isLeader:     isLeader,
		emitter:      emitter,
		logger:       logger,
		now:          time.Now,
		tickInterval: time.Second,
		entries:      make(map[string]*Entry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates the schedule and adds the entry. Registering a name
// twice is an error.
func (s *Scheduler) Register(def Definition) error {
	if def.Name == "" || def.Run == nil {
		return errors.New("cron: name and run function are required")
	}
	sched, err := ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", def.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[def.Name]; dup {
		return fmt.Errorf("cron: duplicate entry %q", def.Name)
	}
	next := sched.Next(s.now())
	s.entries[def.Name] = &Entry{
		Name:      def.Name,
		Schedule:  def.Schedule,
		NextRunAt: next,
		run:       def.Run,
		sched:     sched,
	}

	s.logger.Info("cron registered",
		slog.String("name", def.Name),
		slog.String("schedule", def.Schedule),
		slog.Time("next_run_at", next),
	)
	return nil
}

// Entries returns a copy of every entry, sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		c := *e
		c.run, c.sched = nil, nil
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("cron: scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop(ctx)
	s.logger.Info("cron scheduler started", slog.Duration("tick_interval", s.tickInterval))
	return nil
}

// Stop signals the scheduler to stop and waits for a running tick to
// finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due entry if this replica leads.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	leader := s.isLeader()

	s.mu.Lock()
	gained := leader && !s.leading
	s.leading = leader
	if !leader {
		s.mu.Unlock()
		return
	}
	if gained {
		// Schedules are local; a new leader starts from its own clock.
		for _, e := range s.entries {
			e.NextRunAt = e.sched.Next(now)
		}
	}
	var due []*Entry
	for _, e := range s.entries {
		if !e.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(due, func(a, b *Entry) int { return strings.Compare(a.Name, b.Name) })
	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *Entry, now time.Time) {
	err := e.run(ctx)

	s.mu.Lock()
	e.LastRunAt = now
	e.NextRunAt = e.sched.Next(now)
	e.Runs++
	e.LastError = ""
	if err != nil {
		e.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron run error",
			slog.String("cron_name", e.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.emitter != nil {
		s.emitter.EmitCronFired(ctx, e.Name)
	}
	s.logger.Info("cron fired", slog.String("cron_name", e.Name))
}
