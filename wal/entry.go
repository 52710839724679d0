package wal

import "errors"

// EntryType distinguishes state machine commands from consensus bookkeeping.
type EntryType uint8

const (
	// EntryCommand carries an encoded state machine command.
	EntryCommand EntryType = iota + 1
	// EntryNoop is appended by a new leader to commit entries of earlier
	// terms.
	EntryNoop
)

// Entry is one consensus log entry. It is immutable once appended.
type Entry struct {
	Index uint64    `msgpack:"i"`
	Term  uint64    `msgpack:"t"`
	Type  EntryType `msgpack:"k"`
	Data  []byte    `msgpack:"d,omitempty"`
}

// HardState is the consensus state that must survive a restart before a
// replica answers any vote request.
type HardState struct {
	Term     uint64 `msgpack:"term"`
	VotedFor string `msgpack:"voted_for"`
}

// Snapshot is a compacted state machine image covering every entry up to
// and including Index.
type Snapshot struct {
	Index uint64 `msgpack:"index"`
	Term  uint64 `msgpack:"term"`
	Data  []byte `msgpack:"data"`
}

var (
	ErrNotFound          = errors.New("wal: entry not found")
	ErrCompacted         = errors.New("wal: entry compacted into snapshot")
	ErrCorrupt           = errors.New("wal: log corrupt")
	ErrNotContiguous     = errors.New("wal: entries not contiguous")
	ErrTruncateCommitted = errors.New("wal: truncate would remove committed entries")
	ErrSnapshotOutdated  = errors.New("wal: snapshot older than current")
	ErrUncommitted       = errors.New("wal: snapshot index not committed")
	ErrClosed            = errors.New("wal: log closed")
	ErrIO                = errors.New("wal: io failure")
)
