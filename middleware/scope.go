package middleware

import (
	"context"

	"github.com/xraph/quorum/task"
)

type taskKey struct{}

// Scope returns middleware that stores a copy of the running task in the
// context so handlers can read its id, attempt number and deadline.
func Scope() Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) ([]byte, error) {
		return next(context.WithValue(ctx, taskKey{}, t.Clone()))
	}
}

// TaskFrom returns the task stored by Scope.
func TaskFrom(ctx context.Context) (*task.Task, bool) {
	t, ok := ctx.Value(taskKey{}).(*task.Task)
	return t, ok
}
