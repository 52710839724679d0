package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/middleware"
	"github.com/xraph/quorum/task"
)

// Executor runs a single task through middleware and its registered
// handler.
type Executor struct {
	registry *Registry
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(registry *Registry, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs t and returns its result. A task whose type has no handler
// fails permanently with quorum.ErrUnknownTaskType.
func (e *Executor) Execute(ctx context.Context, t *task.Task) ([]byte, error) {
	handler, ok := e.registry.Get(t.Type)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", quorum.ErrUnknownTaskType, t.Type))
	}
	terminal := func(ctx context.Context) ([]byte, error) {
		return handler(ctx, t.Payload)
	}
	return e.mw(ctx, t, terminal)
}

func encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func decode(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
