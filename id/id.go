// Package id defines identity types for tasks and workers.
//
// Generated ids are a prefix plus a UUIDv7 ("task_0192..."), so they sort
// roughly by creation time. Clients may also supply their own task ids to
// make submission idempotent: any printable string of 1 to MaxLen bytes is
// accepted.
package id

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Prefix identifies the entity type encoded in a generated ID.
type Prefix string

// Prefix constants.
const (
	PrefixTask   Prefix = "task"
	PrefixWorker Prefix = "wkr"
)

// MaxLen is the longest accepted id in bytes.
const MaxLen = 128

// TaskID identifies a task.
type TaskID string

// WorkerID identifies a worker process.
type WorkerID string

// New generates a new id with the given prefix.
// It panics if the random source fails (the system is unusable then).
func New(prefix Prefix) string {
	u, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return string(prefix) + "_" + strings.ReplaceAll(u.String(), "-", "")
}

// NewTaskID generates a new unique task ID.
func NewTaskID() TaskID { return TaskID(New(PrefixTask)) }

// NewWorkerID generates a new unique worker ID.
func NewWorkerID() WorkerID { return WorkerID(New(PrefixWorker)) }

// Validate reports whether s is acceptable as an id.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("id: empty string")
	}
	if len(s) > MaxLen {
		return fmt.Errorf("id: %d bytes exceeds %d", len(s), MaxLen)
	}
	for _, r := range s {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return fmt.Errorf("id: %q contains non-printable or space characters", s)
		}
	}
	return nil
}

// ParseTaskID validates s and returns it as a TaskID.
func ParseTaskID(s string) (TaskID, error) {
	if err := Validate(s); err != nil {
		return "", err
	}
	return TaskID(s), nil
}

// ParseWorkerID validates s and returns it as a WorkerID.
func ParseWorkerID(s string) (WorkerID, error) {
	if err := Validate(s); err != nil {
		return "", err
	}
	return WorkerID(s), nil
}

// HasPrefix reports whether s was generated with prefix p.
func HasPrefix(s string, p Prefix) bool {
	return strings.HasPrefix(s, string(p)+"_")
}

func (i TaskID) String() string   { return string(i) }
func (i WorkerID) String() string { return string(i) }

// IsNil reports whether the id is empty.
func (i TaskID) IsNil() bool   { return i == "" }
func (i WorkerID) IsNil() bool { return i == "" }
