package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/quorum/ext"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/store"
	"github.com/xraph/quorum/task"
	"github.com/xraph/quorum/wal"
)

// Archive keeps tasks removed by retention compaction queryable.
type Archive interface {
	Put(ctx context.Context, tasks ...*task.Task) error
	Get(ctx context.Context, taskID id.TaskID) (*task.Task, error)
}

// StateMachine applies committed log entries to the task store. It
// implements raft.StateMachine.
type StateMachine struct {
	store      *store.TaskStore
	extensions *ext.Registry
	archive    Archive
	logger     *slog.Logger
}

// NewStateMachine wraps st. extensions and archive may be nil.
func NewStateMachine(st *store.TaskStore, extensions *ext.Registry, archive Archive, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &StateMachine{store: st, extensions: extensions, archive: archive, logger: logger}
}

// Apply decodes the command in e and applies it. The result is always a
// store.Result; a command that cannot be decoded is rejected without
// touching state.
func (m *StateMachine) Apply(e wal.Entry) any {
	cmd, err := store.DecodeCommand(e.Data)
	if err != nil {
		m.logger.Error("undecodable command in log",
			slog.Uint64("index", e.Index),
			slog.String("error", err.Error()),
		)
		return store.Result{Err: err}
	}

	res := m.store.Apply(cmd)
	if res.Err != nil {
		m.logger.Debug("command rejected",
			slog.Uint64("index", e.Index),
			slog.String("kind", cmd.Kind.String()),
			slog.String("error", res.Err.Error()),
		)
	}
	m.dispatch(context.Background(), res.Events)
	return res
}

// Snapshot serializes the store.
func (m *StateMachine) Snapshot() ([]byte, error) { return m.store.Snapshot() }

// Restore replaces the store with a snapshot.
func (m *StateMachine) Restore(data []byte) error {
	if err := m.store.Restore(data); err != nil {
		return fmt.Errorf("restore store: %w", err)
	}
	return nil
}

// dispatch fans events out to extensions and archives purged tasks.
func (m *StateMachine) dispatch(ctx context.Context, events []store.Event) {
	var purged []*task.Task
	for _, ev := range events {
		switch ev.Kind {
		case store.EventSubmitted:
			m.extensions.EmitTaskSubmitted(ctx, ev.Task)
		case store.EventClaimed:
			m.extensions.EmitTaskClaimed(ctx, ev.Task)
		case store.EventCompleted:
			m.extensions.EmitTaskCompleted(ctx, ev.Task)
		case store.EventRetrying:
			m.extensions.EmitTaskRetrying(ctx, ev.Task)
		case store.EventRequeued:
			m.extensions.EmitTaskRequeued(ctx, ev.Task)
		case store.EventDeadLettered:
			m.extensions.EmitTaskDeadLettered(ctx, ev.Task)
		case store.EventCancelled:
			m.extensions.EmitTaskCancelled(ctx, ev.Task)
		case store.EventLeaseExpired:
			var holder id.WorkerID
			if ev.Worker != nil {
				holder = ev.Worker.ID
			}
			m.extensions.EmitLeaseExpired(ctx, ev.Task, holder)
		case store.EventPurged:
			purged = append(purged, ev.Task)
			m.extensions.EmitTaskPurged(ctx, ev.Task)
		case store.EventWorkerRegistered:
			m.extensions.EmitWorkerRegistered(ctx, ev.Worker)
		case store.EventWorkerRemoved:
			m.extensions.EmitWorkerRemoved(ctx, ev.Worker)
		}
	}

	if len(purged) > 0 && m.archive != nil {
		if err := m.archive.Put(ctx, purged...); err != nil {
			m.logger.Warn("archive compacted tasks",
				slog.Int("count", len(purged)),
				slog.String("error", err.Error()),
			)
		}
	}
}
