package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// HandlerFunc is a type-erased task handler. It receives the raw payload
// and returns the raw result.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps task types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register sets the handler for a task type, replacing any previous one.
func (r *Registry) Register(taskType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// RegisterDefinition registers a typed definition. The payload is
// msgpack-decoded into I before the handler runs and the O it returns is
// msgpack-encoded as the task result. A payload that does not decode is a
// permanent failure.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[I, O any](r *Registry, def *Definition[I, O]) {
	r.Register(def.Type, func(ctx context.Context, payload []byte) ([]byte, error) {
		var in I
		if len(payload) > 0 {
			if err := msgpack.Unmarshal(payload, &in); err != nil {
				return nil, Permanent(fmt.Errorf("decode payload for %q: %w", def.Type, err))
			}
		}
		out, err := def.Handler(ctx, in)
		if err != nil {
			return nil, err
		}
		b, err := msgpack.Marshal(out)
		if err != nil {
			return nil, Permanent(fmt.Errorf("encode result for %q: %w", def.Type, err))
		}
		return b, nil
	})
}

// Get returns the handler for the given task type.
func (r *Registry) Get(taskType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns every registered task type, sorted. Pools advertise them
// as worker capabilities.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// ──────────────────────────────────────────────────
// Permanent failures
// ──────────────────────────────────────────────────

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The broker moves the task
// straight to the dead letter state.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
