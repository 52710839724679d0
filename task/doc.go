// Package task defines the task entity, its priority tiers and its
// lifecycle state machine.
//
// # Lifecycle
//
//	pending → running → completed
//	pending → running → failed → retrying → pending → ...
//	pending → running → failed → dead_letter
//	running → (lease expired) → retrying → pending
//	any non-terminal → cancelled
//
// Claiming a task moves it straight to running and grants the claiming
// worker a lease; there is no separate acknowledgement step. Failed is
// transitional: the same apply that records a failure moves the task on to
// retrying or dead_letter. A retrying task waits until RetryAt and then
// becomes pending again.
//
// Completed, dead_letter and cancelled are terminal. Terminal tasks stay
// queryable until retention compaction removes them.
package task
