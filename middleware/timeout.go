package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/quorum/task"
)

// Timeout returns middleware that enforces the task's execution deadline.
// If the task has a non-zero Timeout, the handler runs under
// context.WithTimeout. A handler that ignores its context still has its
// result discarded once the deadline passes.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) ([]byte, error) {
		if t.Timeout <= 0 {
			return next(ctx)
		}
		logger.Debug("task timeout set",
			slog.String("task_id", t.ID.String()),
			slog.Duration("timeout", t.Timeout),
		)
		ctx, cancel := context.WithTimeout(ctx, t.Timeout)
		defer cancel()

		out, err := next(ctx)
		if ctx.Err() != nil && err == nil {
			return nil, fmt.Errorf("task %s exceeded %s: %w", t.ID, t.Timeout, ctx.Err())
		}
		return out, err
	}
}
