// Package broker is the authoritative entry point of a quorum replica.
//
// Writes are validated, turned into store commands, proposed to the Raft
// node and returned once the command has been committed and applied. Reads
// are served from the local applied state. The [StateMachine] adapter is
// what the Raft node applies committed entries to; it runs every command
// against the task store and notifies extensions of the resulting
// lifecycle events.
//
// The leader also runs a maintenance loop that proposes ExpireLease for
// leases that ran out, RequeueTask for retries whose delay passed and
// RemoveWorker for workers absent longer than the absence timeout.
// Followers never generate these commands; they apply them when committed.
package broker
