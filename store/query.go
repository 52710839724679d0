package store

import (
	"cmp"
	"slices"
	"time"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status task.Status
	Type   string
	Limit  int
	Offset int
}

// Stats summarises the store.
type Stats struct {
	Tasks         map[task.Status]int     `json:"tasks" msgpack:"tasks"`
	QueueDepth    [task.NumPriorities]int `json:"queue_depth" msgpack:"queue_depth"`
	ActiveWorkers int                     `json:"active_workers" msgpack:"active_workers"`
	DeadWorkers   int                     `json:"dead_workers" msgpack:"dead_workers"`
}

// Pending returns the total number of queued tasks.
func (s Stats) Pending() int {
	n := 0
	for _, d := range s.QueueDepth {
		n += d
	}
	return n
}

// Get returns a copy of the task.
func (s *TaskStore) Get(tid id.TaskID) (*task.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[tid]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List returns copies of the matching tasks ordered by creation time, then
// id.
func (s *TaskStore) List(f Filter) []*task.Task {
	s.mu.RLock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *task.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats returns task counts per status, queue depth per tier, and worker
// counts.
func (s *TaskStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Tasks: make(map[task.Status]int, len(task.Statuses))}
	for _, status := range task.Statuses {
		st.Tasks[status] = 0
	}
	for _, t := range s.tasks {
		st.Tasks[t.Status]++
	}
	for p := range task.NumPriorities {
		st.QueueDepth[p] = s.queue.LenTier(task.Priority(p))
	}
	st.ActiveWorkers, st.DeadWorkers = s.workers.Counts()
	return st
}

// Workers returns copies of every worker, ordered by id.
func (s *TaskStore) Workers() []*cluster.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers.List()
}

// Worker returns a copy of one worker.
func (s *TaskStore) Worker(wid id.WorkerID) (*cluster.Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers.Get(wid)
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// QueueIDs returns the queued task ids in dequeue order.
func (s *TaskStore) QueueIDs() []id.TaskID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.IDs()
}

// Len returns the number of tasks held.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// ──────────────────────────────────────────────────
// Maintenance queries
// ──────────────────────────────────────────────────

// DueRetries returns Retrying tasks whose backoff has elapsed, ordered by
// id.
func (s *TaskStore) DueRetries(now time.Time) []id.TaskID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []id.TaskID
	for _, t := range s.tasks {
		if t.Status == task.StatusRetrying && !t.RetryAt.After(now) {
			out = append(out, t.ID)
		}
	}
	slices.Sort(out)
	return out
}

// ExpiredLeases returns the leases that ran out at or before now.
func (s *TaskStore) ExpiredLeases(now time.Time) []cluster.Expired {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers.ExpireStale(now)
}

// AbsentWorkers returns idle workers not heard from within timeout.
func (s *TaskStore) AbsentWorkers(now time.Time, timeout time.Duration) []id.WorkerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers.Absent(now, timeout)
}

// Purgeable returns copies of the tasks a Compact with this cutoff would
// remove.
func (s *TaskStore) Purgeable(before time.Time) []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts := s.purgeable(before)
	out := make([]*task.Task, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}
