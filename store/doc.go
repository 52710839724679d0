// Package store holds the replicated broker state: tasks, the priority
// queue and the worker registry, mutated only by applying committed
// commands.
//
// [TaskStore.Apply] is deterministic. It never reads a clock (every
// [Command] carries the leader's timestamp), never iterates a map without
// sorting and never performs I/O, so replaying the same command sequence in
// a fresh process produces byte-identical snapshots.
//
// Commands that do not fit the current state (unknown ids, stale leases,
// invalid transitions) are rejected at apply time: the returned [Result]
// carries the error and the state is left untouched. These rejections are
// part of the replicated outcome, not consensus failures.
//
// Backends that receive copies of this state live in sub-packages:
//
//   - store/redis: exports snapshots keyed by applied index
//   - store/sqlite: archives tasks removed by retention compaction
package store
