package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/store"
)

func (b *Broker) maintenanceLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.node.IsLeader() {
				b.maintain(ctx)
			}
		}
	}
}

// maintain proposes the commands that time alone makes necessary. Each
// scan reads applied state; a command that races with another change is
// rejected at apply and retried on the next pass if still needed.
func (b *Broker) maintain(ctx context.Context) {
	now := b.now().UTC()

	for _, exp := range b.store.ExpiredLeases(now) {
		_, err := b.propose(ctx, store.Command{
			Kind:     store.KindExpireLease,
			At:       now,
			WorkerID: exp.WorkerID,
			TaskID:   exp.TaskID,
			RetryAt:  b.retryAt(exp.TaskID, now),
		})
		if b.stopPass("expire lease", err, slog.String("task_id", exp.TaskID.String()), slog.String("worker_id", exp.WorkerID.String())) {
			return
		}
		if err == nil {
			b.logger.Warn("lease expired",
				slog.String("task_id", exp.TaskID.String()),
				slog.String("worker_id", exp.WorkerID.String()),
			)
		}
	}

	for _, tid := range b.store.DueRetries(now) {
		_, err := b.propose(ctx, store.Command{Kind: store.KindRequeue, At: now, TaskID: tid})
		if b.stopPass("requeue retry", err, slog.String("task_id", tid.String())) {
			return
		}
	}

	for _, wid := range b.store.AbsentWorkers(now, b.absenceTimeout) {
		_, err := b.propose(ctx, store.Command{Kind: store.KindRemoveWorker, At: now, WorkerID: wid})
		if b.stopPass("remove worker", err, slog.String("worker_id", wid.String())) {
			return
		}
		if err == nil {
			b.logger.Info("absent worker removed", slog.String("worker_id", wid.String()))
		}
	}
}

// stopPass logs err and reports whether the rest of the pass should be
// skipped. Apply-time rejections only skip the one item.
func (b *Broker) stopPass(op string, err error, attrs ...any) bool {
	switch {
	case err == nil:
		return false
	case rejected(err):
		b.logger.Debug("maintenance command rejected", append(attrs, slog.String("op", op), slog.String("error", err.Error()))...)
		return false
	case errors.Is(err, quorum.ErrNotLeader), errors.Is(err, quorum.ErrStopped), errors.Is(err, context.Canceled):
		return true
	}
	b.logger.Warn("maintenance command failed", append(attrs, slog.String("op", op), slog.String("error", err.Error()))...)
	return true
}
