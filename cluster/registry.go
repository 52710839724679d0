package cluster

import (
	"cmp"
	"slices"
	"time"

	"github.com/xraph/quorum/id"
)

// Registry maps worker ids to worker records.
type Registry struct {
	workers map[id.WorkerID]*Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[id.WorkerID]*Worker)}
}

// Register adds a worker or refreshes the address and capabilities of a
// known one. A re-registering worker keeps the task it holds. It reports
// whether the worker was new.
func (r *Registry) Register(w Worker, at time.Time) (*Worker, bool) {
	if existing, ok := r.workers[w.ID]; ok {
		existing.Address = w.Address
		existing.Capabilities = slices.Clone(w.Capabilities)
		existing.State = WorkerActive
		existing.LastSeen = at
		return existing, false
	}
	nw := &Worker{
		ID:           w.ID,
		Address:      w.Address,
		Capabilities: slices.Clone(w.Capabilities),
		State:        WorkerActive,
		LastSeen:     at,
		RegisteredAt: at,
	}
	r.workers[w.ID] = nw
	return nw, true
}

// Heartbeat records liveness and, if the worker holds a task, pushes that
// task's lease out to at+ttl. It returns the new lease expiry, or the zero
// time if the worker holds no task.
func (r *Registry) Heartbeat(wid id.WorkerID, at time.Time, ttl time.Duration, stats Stats) (time.Time, bool) {
	w, ok := r.workers[wid]
	if !ok {
		return time.Time{}, false
	}
	w.LastSeen = at
	w.State = WorkerActive
	w.CPUUsage = stats.CPUUsage
	w.MemoryUsage = stats.MemoryUsage
	if !w.Busy() {
		return time.Time{}, true
	}
	w.LeaseExpiry = at.Add(ttl)
	return w.LeaseExpiry, true
}

// Assign records that the worker holds tid until expiry.
func (r *Registry) Assign(wid id.WorkerID, tid id.TaskID, expiry time.Time) {
	if w, ok := r.workers[wid]; ok {
		w.CurrentTask = tid
		w.LeaseExpiry = expiry
	}
}

// Release clears the worker's task if it is tid.
func (r *Registry) Release(wid id.WorkerID, tid id.TaskID) {
	if w, ok := r.workers[wid]; ok && w.CurrentTask == tid {
		w.CurrentTask = ""
		w.LeaseExpiry = time.Time{}
	}
}

// MarkDead flags a worker whose lease expired.
func (r *Registry) MarkDead(wid id.WorkerID) {
	if w, ok := r.workers[wid]; ok {
		w.State = WorkerDead
	}
}

// Remove deletes a worker record. It reports whether it existed.
func (r *Registry) Remove(wid id.WorkerID) bool {
	if _, ok := r.workers[wid]; !ok {
		return false
	}
	delete(r.workers, wid)
	return true
}

// Get returns the live record for wid. Callers outside the apply path must
// Clone it.
func (r *Registry) Get(wid id.WorkerID) (*Worker, bool) {
	w, ok := r.workers[wid]
	return w, ok
}

// Len returns the number of registered workers.
func (r *Registry) Len() int { return len(r.workers) }

// List returns copies of every worker, ordered by id.
func (r *Registry) List() []*Worker {
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	slices.SortFunc(out, func(a, b *Worker) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Expired pairs a worker with the task whose lease ran out.
type Expired struct {
	WorkerID id.WorkerID
	TaskID   id.TaskID
}

// ExpireStale returns every worker whose task lease is at or past now,
// ordered by worker id. It does not change the registry: the caller turns
// each result into a replicated ExpireLease command.
func (r *Registry) ExpireStale(now time.Time) []Expired {
	var out []Expired
	for _, w := range r.workers {
		if w.Busy() && !now.Before(w.LeaseExpiry) {
			out = append(out, Expired{WorkerID: w.ID, TaskID: w.CurrentTask})
		}
	}
	slices.SortFunc(out, func(a, b Expired) int { return cmp.Compare(a.WorkerID, b.WorkerID) })
	return out
}

// Absent returns idle workers not seen for at least timeout, ordered by id.
func (r *Registry) Absent(now time.Time, timeout time.Duration) []id.WorkerID {
	var out []id.WorkerID
	for _, w := range r.workers {
		if !w.Busy() && now.Sub(w.LastSeen) >= timeout {
			out = append(out, w.ID)
		}
	}
	slices.Sort(out)
	return out
}

// Counts returns how many workers are active and dead.
func (r *Registry) Counts() (active, dead int) {
	for _, w := range r.workers {
		if w.State == WorkerDead {
			dead++
		} else {
			active++
		}
	}
	return active, dead
}

// Restore replaces the registry contents.
func (r *Registry) Restore(workers []*Worker) {
	clear(r.workers)
	for _, w := range workers {
		r.workers[w.ID] = w.Clone()
	}
}
