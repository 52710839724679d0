// Package codec implements the binary framing shared by workers, clients and
// broker replicas, plus the payload codecs carried inside frames.
//
// A frame on the wire is
//
//	+----------------+---------+-----------------+
//	| length (u32 BE)| type u8 | payload         |
//	+----------------+---------+-----------------+
//
// where length counts the type byte plus the payload. Frames longer than
// [MaxFrameSize] are rejected with [ErrFrameTooLarge] before any payload is
// read, so a hostile peer cannot make the reader allocate more than that.
//
// Payloads are MessagePack by default ([Msgpack]). The same codec encodes
// log records, snapshots and replicated commands, which keeps a single
// deterministic encoding across the system.
package codec
