package task

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/xraph/quorum/id"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending means the task waits for a worker. It is dispatchable
	// once every dependency has completed.
	StatusPending Status = "pending"
	// StatusRunning means a worker holds the lease and executes the task.
	StatusRunning Status = "running"
	// StatusCompleted means the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed is recorded while a failure is being applied.
	StatusFailed Status = "failed"
	// StatusRetrying means the task failed and waits for RetryAt.
	StatusRetrying Status = "retrying"
	// StatusDeadLetter means the retry budget is exhausted or a dependency
	// failed.
	StatusDeadLetter Status = "dead_letter"
	// StatusCancelled means the task was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusRunning, StatusCompleted, StatusFailed,
	StatusRetrying, StatusDeadLetter, StatusCancelled,
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return slices.Contains(Statuses, s) }

var transitions = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusCancelled, StatusDeadLetter},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusRetrying, StatusDeadLetter, StatusCancelled},
	StatusFailed:     {StatusRetrying, StatusDeadLetter},
	StatusRetrying:   {StatusPending, StatusCancelled, StatusDeadLetter},
	StatusDeadLetter: {StatusPending},
	StatusCancelled:  {StatusPending},
}

// CanTransition reports whether a task may move from one status to another.
// DeadLetter and Cancelled may only go back to Pending through an explicit
// retry.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Priority orders dispatch. Higher tiers are always served first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of priority tiers.
const NumPriorities = 4

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool { return p <= PriorityCritical }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// ParsePriority accepts a tier name (case-insensitive) or its number.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "0":
		return PriorityLow, nil
	case "normal", "1", "":
		return PriorityNormal, nil
	case "high", "2":
		return PriorityHigh, nil
	case "critical", "3":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Task is a unit of work. It is owned by the task store; everything else
// refers to it by ID.
type Task struct {
	ID           id.TaskID     `json:"id" msgpack:"id"`
	Type         string        `json:"type" msgpack:"type"`
	Payload      []byte        `json:"payload" msgpack:"payload"`
	Priority     Priority      `json:"priority" msgpack:"priority"`
	Status       Status        `json:"status" msgpack:"status"`
	RetryCount   int           `json:"retry_count" msgpack:"retry_count"`
	MaxRetries   int           `json:"max_retries" msgpack:"max_retries"`
	Timeout      time.Duration `json:"timeout" msgpack:"timeout"`
	Dependencies []id.TaskID   `json:"dependencies,omitempty" msgpack:"dependencies"`
	Result       []byte        `json:"result,omitempty" msgpack:"result"`
	LastError    string        `json:"last_error,omitempty" msgpack:"last_error"`
	WorkerID     id.WorkerID   `json:"worker_id,omitempty" msgpack:"worker_id"`
	LeaseExpiry  time.Time     `json:"lease_expiry" msgpack:"lease_expiry"`
	RetryAt      time.Time     `json:"retry_at" msgpack:"retry_at"`
	// Seq orders tasks within a priority tier. It is assigned when the task
	// enters the queue.
	Seq         uint64    `json:"seq" msgpack:"seq"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" msgpack:"updated_at"`
	StartedAt   time.Time `json:"started_at" msgpack:"started_at"`
	CompletedAt time.Time `json:"completed_at" msgpack:"completed_at"`
}

// HasLease reports whether a worker holds an unexpired lease at now.
func (t *Task) HasLease(now time.Time) bool {
	return t.WorkerID != "" && now.Before(t.LeaseExpiry)
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	c.Dependencies = slices.Clone(t.Dependencies)
	return &c
}

// Option configures a task at submission.
type Option func(*Task)

// WithID sets a client-chosen id, making resubmission idempotent.
func WithID(i id.TaskID) Option {
	return func(t *Task) { t.ID = i }
}

// WithPriority sets the priority tier.
func WithPriority(p Priority) Option {
	return func(t *Task) { t.Priority = p }
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) Option {
	return func(t *Task) { t.MaxRetries = n }
}

// WithTimeout sets the execution deadline enforced by workers.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) { t.Timeout = d }
}

// WithDependencies makes the task wait until every listed task completes.
func WithDependencies(ids ...id.TaskID) Option {
	return func(t *Task) { t.Dependencies = append(t.Dependencies, ids...) }
}

// New builds a task with defaults applied. The id is left empty for the
// broker to assign unless WithID is given.
func New(taskType string, payload []byte, opts ...Option) *Task {
	t := &Task{
		Type:       taskType,
		Payload:    payload,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}
