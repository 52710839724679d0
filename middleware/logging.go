package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/quorum/task"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) ([]byte, error) {
		logger.Info("task started",
			slog.String("task_type", t.Type),
			slog.String("task_id", t.ID.String()),
			slog.Int("attempt", t.RetryCount+1),
		)

		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				slog.String("task_type", t.Type),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("task_type", t.Type),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.Int("result_bytes", len(out)),
			)
		}

		return out, err
	}
}
