package store

import (
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/task"
)

// EventKind names a lifecycle transition produced by Apply.
type EventKind string

const (
	EventSubmitted        EventKind = "task.submitted"
	EventClaimed          EventKind = "task.claimed"
	EventCompleted        EventKind = "task.completed"
	EventRetrying         EventKind = "task.retrying"
	EventRequeued         EventKind = "task.requeued"
	EventDeadLettered     EventKind = "task.dead_lettered"
	EventCancelled        EventKind = "task.cancelled"
	EventLeaseExpired     EventKind = "task.lease_expired"
	EventPurged           EventKind = "task.purged"
	EventWorkerRegistered EventKind = "worker.registered"
	EventWorkerRemoved    EventKind = "worker.removed"
)

// Event describes one transition. Task and Worker are copies. Lease
// expiry events carry both the task and the worker that lost it.
type Event struct {
	Kind   EventKind
	Task   *task.Task
	Worker *cluster.Worker
}

// Result is the outcome of applying one command.
type Result struct {
	// Task is a copy of the task the command addressed, after apply. It is
	// also set on AlreadyExists so a duplicate submission can be answered
	// with the original task.
	Task *task.Task

	// Worker is a copy of the worker record after apply.
	Worker *cluster.Worker

	// Events lists the transitions in the order they happened.
	Events []Event

	// Err is the apply-time rejection, if any. State is unchanged when it
	// is set.
	Err error
}

func (r *Result) emit(kind EventKind, t *task.Task) {
	r.Events = append(r.Events, Event{Kind: kind, Task: t.Clone()})
}

func (r *Result) emitWorker(kind EventKind, w *cluster.Worker) {
	r.Events = append(r.Events, Event{Kind: kind, Worker: w.Clone()})
}
