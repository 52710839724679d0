// Package middleware provides composable middleware for task execution on
// workers.
//
// A [Middleware] is a function that wraps a task handler. Middleware are
// composed into a chain using [Chain] and applied before each task executes.
// They are applied right-to-left: the first middleware in the slice is the
// outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs task type, id, duration and outcome
//   - [Recover]: catches panics and converts them to errors
//   - [Timeout]: cancels the task context after the task's Timeout
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-type duration and outcome counters
//   - [Scope]: makes the running task available through [TaskFrom]
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, t *task.Task, next middleware.Handler) ([]byte, error) {
//	        // pre-processing
//	        out, err := next(ctx)
//	        // post-processing
//	        return out, err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
