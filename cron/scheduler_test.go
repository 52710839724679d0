package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubEmitter records EmitCronFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	names []string
}

func (e *stubEmitter) EmitCronFired(_ context.Context, entryName string) {
	e.mu.Lock()
	e.names = append(e.names, entryName)
	e.mu.Unlock()
}

func (e *stubEmitter) getNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
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

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestScheduler(leader *atomic.Bool) (*Scheduler, *fakeClock, *stubEmitter) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	em := &stubEmitter{}
	s := NewScheduler(leader.Load, em, quiet(), WithClock(clock.Now))
	return s, clock, em
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()
	var leader atomic.Bool
	s, _, _ := newTestScheduler(&leader)
	noop := func(context.Context) error { return nil }

	if err := s.Register(Definition{Name: "bad", Schedule: "not a schedule", Run: noop}); err == nil {
		t.Error("Register with invalid schedule succeeded")
	}
	if err := s.Register(Definition{Name: "", Schedule: "@every 1m", Run: noop}); err == nil {
		t.Error("Register without name succeeded")
	}
	if err := s.Register(Definition{Name: "a", Schedule: "@every 1m", Run: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Definition{Name: "a", Schedule: "@every 1m", Run: noop}); err == nil {
		t.Error("duplicate Register succeeded")
	}
}

func TestFiresOnlyOnLeader(t *testing.T) {
	t.Parallel()
	var leader atomic.Bool
	s, clock, em := newTestScheduler(&leader)
	var runs atomic.Int32
	if err := s.Register(Definition{Name: "compaction", Schedule: "@every 1m", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	clock.Advance(2 * time.Minute)
	s.tick(ctx)
	if runs.Load() != 0 {
		t.Fatalf("runs = %d on follower, want 0", runs.Load())
	}

	// Gaining leadership restarts the schedule from the current time.
	leader.Store(true)
	s.tick(ctx)
	if runs.Load() != 0 {
		t.Fatalf("runs = %d right after gaining leadership, want 0", runs.Load())
	}

	clock.Advance(time.Minute)
	s.tick(ctx)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	if got := em.getNames(); len(got) != 1 || got[0] != "compaction" {
		t.Errorf("emitted = %v, want [compaction]", got)
	}

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("Entries() len = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Runs != 1 || !e.LastRunAt.Equal(clock.Now()) {
		t.Errorf("entry = %+v, want one run at %v", e, clock.Now())
	}
	if want := clock.Now().Add(time.Minute); !e.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", e.NextRunAt, want)
	}
}

func TestRunErrorIsRecorded(t *testing.T) {
	t.Parallel()
	var leader atomic.Bool
	leader.Store(true)
	s, clock, em := newTestScheduler(&leader)
	if err := s.Register(Definition{Name: "broken", Schedule: "@every 1s", Run: func(context.Context) error {
		return errors.New("boom")
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	s.tick(ctx)
	clock.Advance(time.Second)
	s.tick(ctx)

	e := s.Entries()[0]
	if e.LastError != "boom" {
		t.Errorf("LastError = %q, want boom", e.LastError)
	}
	if len(em.getNames()) != 0 {
		t.Errorf("failed run emitted %v", em.getNames())
	}
}

func TestEntriesSortedByName(t *testing.T) {
	t.Parallel()
	var leader atomic.Bool
	s, _, _ := newTestScheduler(&leader)
	noop := func(context.Context) error { return nil }
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := s.Register(Definition{Name: name, Schedule: "@hourly", Run: noop}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	got := s.Entries()
	if got[0].Name != "alpha" || got[1].Name != "mid" || got[2].Name != "zeta" {
		t.Errorf("order = %s %s %s", got[0].Name, got[1].Name, got[2].Name)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	fired := make(chan struct{}, 1)
	s := NewScheduler(func() bool { return true }, nil, quiet(), WithTickInterval(10*time.Millisecond))
	if err := s.Register(Definition{Name: "fast", Schedule: "@every 1s", Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start succeeded")
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("entry never fired")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
