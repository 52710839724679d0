// Package wal is the durable consensus log of a broker replica.
//
// A Log directory holds three files:
//
//	log       append-only entry records
//	state     the persisted term and vote (HardState)
//	snapshot  the latest state machine snapshot and the index it covers
//
// Every record in the log file is framed as
//
//	crc32 (u32 BE) | length (u32 BE) | msgpack(Entry)
//
// On open the file is scanned. A torn final record (a crash in the middle
// of a write) is cut off; a checksum failure anywhere else is reported as
// [ErrCorrupt] and the replica must not start.
//
// Append, TruncateFrom, SetHardState and Snapshot are durable when they
// return unless the log was opened with WithSync(false). Indices are
// contiguous starting at the snapshot boundary plus one. Entries at or below
// the commit index are never removed by TruncateFrom.
package wal
