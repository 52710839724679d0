package store

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/queue"
	"github.com/xraph/quorum/task"
)

// snapshotVersion guards the snapshot layout.
const snapshotVersion = 1

type snapshot struct {
	Version int               `msgpack:"v"`
	Seq     uint64            `msgpack:"seq"`
	Tasks   []*task.Task      `msgpack:"tasks"`
	Workers []*cluster.Worker `msgpack:"workers"`
}

// Snapshot serialises the full state. Two stores that applied the same
// commands produce identical bytes.
func (s *TaskStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	snap := snapshot{
		Version: snapshotVersion,
		Seq:     s.seq,
		Tasks:   make([]*task.Task, 0, len(s.tasks)),
		Workers: s.workers.List(),
	}
	for _, tid := range sortedKeys(s.tasks) {
		snap.Tasks = append(snap.Tasks, s.tasks[tid].Clone())
	}
	s.mu.RUnlock()

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&snap); err != nil {
		return nil, fmt.Errorf("store: encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the state with a snapshot. The dependents index and the
// queue are rebuilt from the tasks.
func (s *TaskStore) Restore(data []byte) error {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("store: unsupported snapshot version %d", snap.Version)
	}

	tasks := make(map[id.TaskID]*task.Task, len(snap.Tasks))
	dependents := make(map[id.TaskID]map[id.TaskID]struct{})
	for _, t := range snap.Tasks {
		tasks[t.ID] = t
		for _, dep := range t.Dependencies {
			set, ok := dependents[dep]
			if !ok {
				set = make(map[id.TaskID]struct{})
				dependents[dep] = set
			}
			set[t.ID] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = tasks
	s.dependents = dependents
	s.seq = snap.Seq
	s.workers.Restore(snap.Workers)
	s.queue = queue.New()

	queued := make([]*task.Task, 0)
	for _, t := range tasks {
		if t.Status == task.StatusPending && s.ready(t) {
			queued = append(queued, t)
		}
	}
	slices.SortFunc(queued, func(a, b *task.Task) int { return cmp.Compare(a.Seq, b.Seq) })
	for _, t := range queued {
		s.queue.Push(t.ID, t.Priority, t.Seq)
	}
	return nil
}
