package worker

import (
	"context"

	"github.com/xraph/quorum/task"
)

// Definition is a typed task handler. I is the payload type and O the
// result type; both travel as msgpack.
type Definition[I, O any] struct {
	// Type is the task type tag the handler serves.
	Type string

	// Handler processes one task.
	Handler func(ctx context.Context, in I) (O, error)
}

// NewDefinition creates a typed definition.
func NewDefinition[I, O any](taskType string, handler func(ctx context.Context, in I) (O, error)) *Definition[I, O] {
	return &Definition[I, O]{Type: taskType, Handler: handler}
}

// NewTask builds a task of the definition's type with in encoded as its
// payload.
func (d *Definition[I, O]) NewTask(in I, opts ...task.Option) (*task.Task, error) {
	b, err := encode(in)
	if err != nil {
		return nil, err
	}
	return task.New(d.Type, b, opts...), nil
}

// Result decodes a completed task's result.
func (d *Definition[I, O]) Result(t *task.Task) (O, error) {
	var out O
	if len(t.Result) == 0 {
		return out, nil
	}
	err := decode(t.Result, &out)
	return out, err
}
