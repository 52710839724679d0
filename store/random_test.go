package store

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

var randomWorkers = []struct {
	id   id.WorkerID
	caps []string
}{
	{"w0", nil},
	{"w1", []string{"email"}},
	{"w2", []string{"report"}},
}

// commandGen draws commands that mostly address live state, so claims,
// completions and expiries actually happen.
type commandGen struct {
	r    *rand.Rand
	s    *TaskStore
	at   time.Time
	next int
}

func (g *commandGen) worker() id.WorkerID {
	return randomWorkers[g.r.IntN(len(randomWorkers))].id
}

func (g *commandGen) anyTask() id.TaskID {
	if g.next == 0 || g.r.IntN(10) == 0 {
		return id.TaskID(fmt.Sprintf("t%03d", g.r.IntN(g.next+1)))
	}
	return id.TaskID(fmt.Sprintf("t%03d", g.r.IntN(g.next)))
}

// running returns a running task and its holder, or a random pair.
func (g *commandGen) running() (id.TaskID, id.WorkerID) {
	if ts := g.s.List(Filter{Status: task.StatusRunning}); len(ts) > 0 && g.r.IntN(5) > 0 {
		t := ts[g.r.IntN(len(ts))]
		return t.ID, t.WorkerID
	}
	return g.anyTask(), g.worker()
}

func (g *commandGen) retryAt() time.Time {
	if g.r.IntN(2) == 0 {
		return g.at
	}
	return g.at.Add(time.Duration(g.r.IntN(60)) * time.Second)
}

func (g *commandGen) command() Command {
	g.at = g.at.Add(time.Duration(g.r.IntN(20)) * time.Second)

	switch n := g.r.IntN(100); {
	case n < 20:
		tid := id.TaskID(fmt.Sprintf("t%03d", g.next))
		if g.next > 0 && g.r.IntN(10) == 0 {
			tid = g.anyTask()
		} else {
			g.next++
		}
		var deps []id.TaskID
		for range g.r.IntN(3) {
			if g.next > 1 {
				if dep := id.TaskID(fmt.Sprintf("t%03d", g.r.IntN(g.next-1))); dep != tid && !slices.Contains(deps, dep) {
					deps = append(deps, dep)
				}
			}
		}
		cmd := submitCmd(g.at, tid, task.Priority(g.r.IntN(task.NumPriorities)), g.r.IntN(3), deps...)
		if g.r.IntN(3) == 0 {
			cmd.Task.Type = "report"
		}
		return cmd
	case n < 40:
		return claimCmd(g.at, g.worker())
	case n < 47:
		return Command{Kind: KindHeartbeat, At: g.at, WorkerID: g.worker(), LeaseTTL: leaseTTL}
	case n < 60:
		tid, wid := g.running()
		return completeCmd(g.at, wid, tid)
	case n < 70:
		tid, wid := g.running()
		return Command{
			Kind: KindFail, At: g.at, WorkerID: wid, TaskID: tid,
			Error: "boom", RetryAt: g.retryAt(), Permanent: g.r.IntN(10) == 0,
		}
	case n < 77:
		tid, wid := g.running()
		return Command{Kind: KindExpireLease, At: g.at, TaskID: tid, WorkerID: wid, RetryAt: g.retryAt()}
	case n < 83:
		return Command{Kind: KindRequeue, At: g.at, TaskID: g.anyTask(), ResetRetries: g.r.IntN(2) == 0}
	case n < 88:
		return Command{Kind: KindCancel, At: g.at, TaskID: g.anyTask()}
	case n < 94:
		w := randomWorkers[g.r.IntN(len(randomWorkers))]
		return registerCmd(g.at, w.id, w.caps...)
	case n < 97:
		return Command{Kind: KindRemoveWorker, At: g.at, WorkerID: g.worker()}
	default:
		return Command{Kind: KindCompact, At: g.at, Before: g.at.Add(-time.Minute)}
	}
}

func TestRandomCommandSequences(t *testing.T) {
	t.Parallel()
	for _, seed := range []uint64{1, 7, 42} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()
			runRandomSequence(t, seed, 1500)
		})
	}
}

func runRandomSequence(t *testing.T, seed uint64, steps int) {
	t.Helper()
	a, b := New(), New()
	gen := &commandGen{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), s: a, at: t0}

	// status holds the last status announced by an event for each task.
	status := make(map[id.TaskID]task.Status)
	seen := make(map[EventKind]int)

	for step := range steps {
		cmd := gen.command()
		ra, rb := a.Apply(cmd), b.Apply(cmd)
		if fmt.Sprint(ra.Err) != fmt.Sprint(rb.Err) {
			t.Fatalf("step %d %s: errors diverged: %v vs %v", step, cmd.Kind, ra.Err, rb.Err)
		}

		for _, ev := range ra.Events {
			seen[ev.Kind]++
			if ev.Task == nil {
				continue
			}
			switch ev.Kind {
			case EventSubmitted:
				status[ev.Task.ID] = ev.Task.Status
			case EventPurged:
				delete(status, ev.Task.ID)
			default:
				prev, ok := status[ev.Task.ID]
				if !ok {
					t.Fatalf("step %d %s: event %s for unknown task %s", step, cmd.Kind, ev.Kind, ev.Task.ID)
				}
				if prev != ev.Task.Status && !task.CanTransition(prev, ev.Task.Status) {
					t.Fatalf("step %d %s: %s moved %s -> %s", step, cmd.Kind, ev.Task.ID, prev, ev.Task.Status)
				}
				status[ev.Task.ID] = ev.Task.Status
			}
		}

		checkReplicasAgree(t, step, a, b)
		checkStatusesAnnounced(t, step, a, status)
		checkQueueMatchesReadyTasks(t, step, a)
		checkSingleLeaseHolder(t, step, a, cmd.At)
	}

	for _, kind := range []EventKind{EventClaimed, EventCompleted, EventRetrying, EventDeadLettered, EventCancelled, EventLeaseExpired} {
		if seen[kind] == 0 {
			t.Errorf("no %s events in %d steps", kind, steps)
		}
	}
}

func checkReplicasAgree(t *testing.T, step int, a, b *TaskStore) {
	t.Helper()
	sa, err := a.Snapshot()
	if err != nil {
		t.Fatalf("step %d: Snapshot: %v", step, err)
	}
	sb, err := b.Snapshot()
	if err != nil {
		t.Fatalf("step %d: Snapshot: %v", step, err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatalf("step %d: snapshots differ", step)
	}
}

func checkStatusesAnnounced(t *testing.T, step int, s *TaskStore, status map[id.TaskID]task.Status) {
	t.Helper()
	tasks := s.List(Filter{})
	if len(tasks) != len(status) {
		t.Fatalf("step %d: store holds %d tasks, events announced %d", step, len(tasks), len(status))
	}
	for _, tk := range tasks {
		if status[tk.ID] != tk.Status {
			t.Fatalf("step %d: %s is %s, last event said %s", step, tk.ID, tk.Status, status[tk.ID])
		}
	}
}

func checkQueueMatchesReadyTasks(t *testing.T, step int, s *TaskStore) {
	t.Helper()
	tasks := s.List(Filter{})
	byID := make(map[id.TaskID]*task.Task, len(tasks))
	for _, tk := range tasks {
		byID[tk.ID] = tk
	}

	var want []id.TaskID
	for _, tk := range tasks {
		if tk.Status != task.StatusPending {
			continue
		}
		ready := true
		for _, dep := range tk.Dependencies {
			if d, ok := byID[dep]; !ok || d.Status != task.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			want = append(want, tk.ID)
		}
	}

	got := s.QueueIDs()
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("step %d: queue = %v, want ready pending tasks %v", step, got, want)
	}
}

func checkSingleLeaseHolder(t *testing.T, step int, s *TaskStore, now time.Time) {
	t.Helper()
	holders := make(map[id.TaskID][]id.WorkerID)
	for _, w := range s.Workers() {
		if w.Busy() && w.LeaseExpiry.After(now) {
			holders[w.CurrentTask] = append(holders[w.CurrentTask], w.ID)
		}
	}
	for tid, ws := range holders {
		if len(ws) > 1 {
			t.Fatalf("step %d: %s has lease holders %v", step, tid, ws)
		}
		tk, ok := s.Get(tid)
		if !ok || tk.Status != task.StatusRunning || tk.WorkerID != ws[0] {
			t.Fatalf("step %d: %s leased to %s but task is %+v", step, tid, ws[0], tk)
		}
	}
	for _, tk := range s.List(Filter{Status: task.StatusRunning}) {
		w, ok := s.Worker(tk.WorkerID)
		if !ok || w.CurrentTask != tk.ID {
			t.Fatalf("step %d: running %s names holder %s which does not hold it", step, tk.ID, tk.WorkerID)
		}
	}
}
