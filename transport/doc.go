// Package transport carries raft RPCs between replicas over WebSocket.
//
// Every binary WebSocket message holds exactly one codec frame. A Client
// sends a request frame (RequestVote, AppendEntries, InstallSnapshot) and
// the Server answers on the same connection with the matching reply frame.
// Calls to one peer are serialised over a single connection which is
// redialled with jittered backoff after a failure.
package transport

// Path is the HTTP path the Server is mounted on.
const Path = "/raft"
