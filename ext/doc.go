// Package ext defines the extension system for quorum.
//
// Extensions are notified of task and worker lifecycle events after the
// commands that caused them are committed and applied. They can record
// metrics, write audit logs, or feed external systems. Each hook is a
// separate interface so an extension opts in only to the events it needs.
//
// # Implementing an Extension
//
//	type Audit struct{}
//
//	func (a *Audit) Name() string { return "audit" }
//
//	func (a *Audit) OnTaskDeadLettered(ctx context.Context, t *task.Task, reason string) error {
//	    log.Printf("task %s dead-lettered: %s", t.ID, reason)
//	    return nil
//	}
//
// # Task Lifecycle Hooks
//
//   - [TaskSubmitted]: task accepted and committed
//   - [TaskClaimed]: a worker leased the task and it is running
//   - [TaskCompleted]: the worker reported success
//   - [TaskRetrying]: the task failed and will run again
//   - [TaskRequeued]: the task is pending and queued again
//   - [TaskDeadLettered]: retries exhausted, permanent failure, or a failed dependency
//   - [TaskCancelled]: the task was cancelled
//   - [LeaseExpired]: the lease holder stopped heartbeating
//   - [TaskPurged]: retention removed the task from replicated state
//
// # Other Hooks
//
//   - [WorkerRegistered], [WorkerRemoved]
//   - [LeadershipChanged]: this replica gained or lost leadership
//   - [CronFired]: a maintenance schedule ran
//   - [Shutdown]: the broker is stopping
//
// Hooks run on the replica that applied the command, and every replica
// applies every command. Extensions that must act once per cluster should
// check leadership themselves.
package ext
