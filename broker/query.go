package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/raft"
	"github.com/xraph/quorum/store"
	"github.com/xraph/quorum/task"
)

// readable refuses queries on a replica whose storage failed, unless stale
// reads are enabled.
func (b *Broker) readable() error {
	if b.staleReads {
		return nil
	}
	if st := b.node.Status(); st.Halted != "" {
		return fmt.Errorf("%w: %s", quorum.ErrStorageFailed, st.Halted)
	}
	return nil
}

// Status returns the task with the given id. Tasks removed by compaction
// are looked up in the archive.
func (b *Broker) Status(ctx context.Context, tid id.TaskID) (*task.Task, error) {
	if err := b.readable(); err != nil {
		return nil, err
	}
	if t, ok := b.store.Get(tid); ok {
		return t, nil
	}
	if b.archive != nil {
		t, err := b.archive.Get(ctx, tid)
		if err == nil {
			return t, nil
		}
		b.logger.Debug("archive lookup missed",
			slog.String("task_id", tid.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("%w: %s", quorum.ErrTaskNotFound, tid)
}

// List returns tasks matching f.
func (b *Broker) List(_ context.Context, f store.Filter) ([]*task.Task, error) {
	if err := b.readable(); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", quorum.ErrInvalidArgument, f.Status)
	}
	return b.store.List(f), nil
}

// ListWorkers returns every known worker.
func (b *Broker) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	if err := b.readable(); err != nil {
		return nil, err
	}
	return b.store.Workers(), nil
}

// Stats summarises tasks, queue depth and workers.
func (b *Broker) Stats(_ context.Context) (store.Stats, error) {
	if err := b.readable(); err != nil {
		return store.Stats{}, err
	}
	return b.store.Stats(), nil
}

// ClusterStatus returns this replica's view of the consensus group. It is
// served even when storage failed so operators can see why.
func (b *Broker) ClusterStatus(_ context.Context) raft.Status {
	return b.node.Status()
}
