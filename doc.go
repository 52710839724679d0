// Package quorum is a distributed task queue whose broker state is replicated
// with Raft.
//
// Clients submit tasks carrying a type tag, a payload and a priority. The
// broker turns every write into a command, replicates it through the
// consensus log and applies it to the task store once a majority holds it.
// Workers lease tasks, heartbeat while executing them and report results.
//
// # Architecture
//
// Components, leaves first:
//
//   - codec: length-prefixed typed frames and msgpack payloads
//   - wal: the durable consensus log, hard state and snapshots
//   - raft: leader election, log replication and the commit rule
//   - store: deterministic apply over tasks, the priority queue and the
//     worker registry
//   - broker: validation, proposal and read-only queries
//   - wire: the TCP protocol spoken by workers and clients
//   - worker: handler registry and the worker pool
//
// All state mutations flow through the committed log. Request handlers only
// read applied state.
package quorum
