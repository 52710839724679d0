// Package cluster tracks the workers attached to the broker.
//
// # Worker Entity
//
// Each worker process registers itself as a [Worker] with:
//   - a unique [id.WorkerID]
//   - the address it connects from
//   - the task types it can execute (empty means any)
//   - a state: [WorkerActive] or [WorkerDead]
//
// A worker holds at most one task at a time. Heartbeats extend the lease of
// that specific task, not only the registry entry: a worker that stops
// heartbeating loses its task when the lease runs out, even though its
// record is kept (marked dead) for diagnostics until the absence timeout
// removes it.
//
// The [Registry] is replicated state. It is mutated only while the task
// store applies committed commands and is not safe for concurrent use on
// its own.
package cluster
