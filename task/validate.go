package task

import (
	"fmt"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/id"
)

const (
	// MaxPayloadSize bounds a task payload.
	MaxPayloadSize = codec.MaxPayloadSize

	DefaultMaxRetries = 3
	MaxRetriesLimit   = 100
	DefaultTimeout    = 5 * time.Minute
	MaxDependencies   = 64
	MaxTypeLen        = 256
)

// Validate checks a task before it is proposed. Errors wrap the quorum
// validation sentinels.
func Validate(t *Task) error {
	if t == nil {
		return fmt.Errorf("%w: nil task", quorum.ErrInvalidTask)
	}
	if t.ID != "" {
		if err := id.Validate(string(t.ID)); err != nil {
			return fmt.Errorf("%w: %v", quorum.ErrInvalidID, err)
		}
	}
	if t.Type == "" || len(t.Type) > MaxTypeLen {
		return fmt.Errorf("%w: type must be 1..%d bytes", quorum.ErrInvalidTask, MaxTypeLen)
	}
	if len(t.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", quorum.ErrPayloadTooLarge, len(t.Payload), MaxPayloadSize)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: %d", quorum.ErrInvalidPriority, t.Priority)
	}
	if t.MaxRetries < 0 || t.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("%w: max_retries must be 0..%d", quorum.ErrInvalidTask, MaxRetriesLimit)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", quorum.ErrInvalidTask)
	}
	if len(t.Dependencies) > MaxDependencies {
		return fmt.Errorf("%w: more than %d dependencies", quorum.ErrInvalidTask, MaxDependencies)
	}
	seen := make(map[id.TaskID]struct{}, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if err := id.Validate(string(dep)); err != nil {
			return fmt.Errorf("%w: dependency: %v", quorum.ErrInvalidID, err)
		}
		if dep == t.ID {
			return fmt.Errorf("%w: task depends on itself", quorum.ErrInvalidTask)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("%w: duplicate dependency %s", quorum.ErrInvalidTask, dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}
