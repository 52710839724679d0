// Package worker is the execution side of quorum: a [Registry] of handlers
// keyed by task type, an [Executor] that runs a task through middleware
// and its handler, and a [Pool] of slots that claim tasks from the broker,
// heartbeat while they run and report the outcome.
//
// Each slot is registered as its own worker record, so a worker holds at
// most one lease at a time.
package worker
