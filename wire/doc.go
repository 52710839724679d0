// Package wire serves the broker to workers and clients over TCP.
//
// Every request is one [codec.Frame] whose type names the operation and
// whose payload is a msgpack-encoded request struct from messages.go. The
// server answers each request with exactly one frame: Ack carrying the
// reply struct, or Nack carrying a [Nack] with a stable error code and, for
// writes sent to a follower, the leader to retry against.
//
// A frame that is oversized, truncated or of an unknown type is a protocol
// error. The server stops trusting the connection and closes it.
//
// [Client] follows a leader hint once per call and implements the
// worker.Broker interface, so a worker pool can run against a remote
// cluster unchanged.
package wire
