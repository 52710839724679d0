package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/xraph/quorum/codec"
)

const (
	logFile      = "log"
	stateFile    = "state"
	snapshotFile = "snapshot"
)

// Option configures a Log.
type Option func(*Log)

// WithSync controls whether writes are fsynced before returning.
func WithSync(on bool) Option {
	return func(l *Log) { l.sync = on }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Log is an ordered durable sequence of consensus entries. It is safe for
// concurrent use.
type Log struct {
	mu     sync.RWMutex
	dir    string
	sync   bool
	logger *slog.Logger

	f    *os.File
	size int64

	// entries[k] has index snap.Index+1+k; offsets[k] is its file offset.
	entries []Entry
	offsets []int64

	snap      Snapshot
	hard      HardState
	committed uint64

	// failed is sticky: once an I/O error happens the log refuses writes.
	failed error
	closed bool
}

// Open opens or creates the log in dir and recovers its contents.
func Open(dir string, opts ...Option) (*Log, error) {
	l := &Log{dir: dir, sync: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create %s: %w", dir, err)
	}
	if err := l.openOrRecover(); err != nil {
		if l.f != nil {
			_ = l.f.Close()
		}
		return nil, err
	}
	return l, nil
}

// OpenMemory returns a Log that keeps everything in memory. It follows the
// same rules as a file log and is meant for tests.
func OpenMemory() *Log {
	return &Log{logger: slog.Default()}
}

func (l *Log) persistent() bool { return l.dir != "" }

func (l *Log) openOrRecover() error {
	if err := readFileMsgpack(filepath.Join(l.dir, stateFile), &l.hard); err != nil {
		return err
	}

	var snap Snapshot
	if err := readFileMsgpack(filepath.Join(l.dir, snapshotFile), &snap); err != nil {
		return err
	}
	l.snap = snap
	l.committed = snap.Index

	f, err := os.OpenFile(filepath.Join(l.dir, logFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open log: %w", err)
	}
	l.f = f
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("wal: stat log: %w", err)
	}

	res, err := scanRecords(f, st.Size())
	if err != nil {
		return err
	}
	if res.validSize < st.Size() {
		l.logger.Warn("wal: discarding torn tail",
			slog.Int64("valid_bytes", res.validSize),
			slog.Int64("file_bytes", st.Size()),
		)
		if err := f.Truncate(res.validSize); err != nil {
			return fmt.Errorf("wal: truncate torn tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
	}
	l.size = res.validSize

	// A crash between writing the snapshot and rewriting the log leaves
	// already compacted records at the head of the file. If the record at
	// the snapshot index disagrees with the snapshot term, the snapshot came
	// from a leader whose history replaced this one and nothing after it
	// may be adopted.
	if conflict, ok := conflictsWithSnapshot(res.entries, snap); ok {
		l.logger.Warn("wal: discarding log that conflicts with snapshot",
			slog.Uint64("snapshot_index", snap.Index),
			slog.Uint64("snapshot_term", snap.Term),
			slog.Uint64("log_term", conflict),
		)
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("wal: truncate conflicting log: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
		l.size = 0
		res.entries, res.offsets = nil, nil
	}

	next := snap.Index + 1
	for i, e := range res.entries {
		if e.Index < next {
			continue
		}
		if e.Index != next {
			return fmt.Errorf("%w: expected index %d, found %d", ErrCorrupt, next, e.Index)
		}
		l.entries = append(l.entries, e)
		l.offsets = append(l.offsets, res.offsets[i])
		next++
	}

	l.logger.Debug("wal: recovered",
		slog.Uint64("snapshot_index", snap.Index),
		slog.Uint64("last_index", l.lastIndex()),
		slog.Uint64("term", l.hard.Term),
	)
	return nil
}

// conflictsWithSnapshot reports the term of the record at the snapshot
// index when it differs from the snapshot term.
func conflictsWithSnapshot(entries []Entry, snap Snapshot) (uint64, bool) {
	if snap.Index == 0 {
		return 0, false
	}
	for _, e := range entries {
		if e.Index == snap.Index {
			return e.Term, e.Term != snap.Term
		}
	}
	return 0, false
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// FirstIndex returns the index of the first entry still held in the log.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap.Index + 1
}

// LastIndex returns the index of the last entry, or the snapshot index if
// the log holds no entries.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex()
}

func (l *Log) lastIndex() uint64 { return l.snap.Index + uint64(len(l.entries)) }

// LastTerm returns the term of the last entry.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, _ := l.term(l.lastIndex())
	return t
}

// Term returns the term of the entry at index i. Index 0 has term 0. The
// snapshot boundary itself is answered from the snapshot metadata.
func (l *Log) Term(i uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.term(i)
}

func (l *Log) term(i uint64) (uint64, error) {
	switch {
	case i == l.snap.Index:
		return l.snap.Term, nil
	case i < l.snap.Index:
		return 0, ErrCompacted
	case i > l.lastIndex():
		return 0, ErrNotFound
	}
	return l.entries[i-l.snap.Index-1].Term, nil
}

// Get returns the entry at index i.
func (l *Log) Get(i uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i <= l.snap.Index {
		if i == 0 {
			return Entry{}, ErrNotFound
		}
		return Entry{}, ErrCompacted
	}
	if i > l.lastIndex() {
		return Entry{}, ErrNotFound
	}
	return l.entries[i-l.snap.Index-1], nil
}

// EntriesFrom returns entries starting at index i. At most maxBytes of
// command data are returned, but always at least one entry when any exist.
// A maxBytes of zero or less means no limit.
func (l *Log) EntriesFrom(i uint64, maxBytes int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i <= l.snap.Index {
		return nil, ErrCompacted
	}
	if i > l.lastIndex() {
		return nil, nil
	}
	src := l.entries[i-l.snap.Index-1:]
	out := make([]Entry, 0, len(src))
	total := 0
	for _, e := range src {
		if maxBytes > 0 && len(out) > 0 && total+len(e.Data) > maxBytes {
			break
		}
		total += len(e.Data)
		out = append(out, e)
	}
	return out, nil
}

// Committed returns the highest index marked committed.
func (l *Log) Committed() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.committed
}

// HardState returns the persisted term and vote.
func (l *Log) HardState() HardState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hard
}

// LoadSnapshot returns the latest snapshot. The second result is false if
// no snapshot has been taken.
func (l *Log) LoadSnapshot() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap, l.snap.Index > 0
}

// Failed returns the I/O error that stopped the log, if any.
func (l *Log) Failed() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failed
}

// ──────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────

func (l *Log) writable() error {
	if l.closed {
		return ErrClosed
	}
	return l.failed
}

// fail records a sticky I/O failure.
func (l *Log) fail(op string, err error) error {
	l.failed = fmt.Errorf("%w: %s: %v", ErrIO, op, err)
	l.logger.Error("wal: write failed, log is now read-only",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return l.failed
}

// Append adds entries to the end of the log and returns the new last index.
// The first entry must directly follow the current last index.
func (l *Log) Append(entries ...Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return l.lastIndex(), nil
	}

	next := l.lastIndex() + 1
	for k, e := range entries {
		if e.Index != next+uint64(k) {
			return 0, fmt.Errorf("%w: got %d, want %d", ErrNotContiguous, e.Index, next+uint64(k))
		}
	}

	offsets := make([]int64, len(entries))
	if l.persistent() {
		var buf []byte
		for k, e := range entries {
			rec, err := encodeRecord(e)
			if err != nil {
				return 0, err
			}
			offsets[k] = l.size + int64(len(buf))
			buf = append(buf, rec...)
		}
		if _, err := l.f.Write(buf); err != nil {
			return 0, l.fail("append", err)
		}
		if l.sync {
			if err := l.f.Sync(); err != nil {
				return 0, l.fail("append sync", err)
			}
		}
		l.size += int64(len(buf))
	}

	for k := range entries {
		e := entries[k]
		if e.Data != nil {
			e.Data = append([]byte(nil), e.Data...)
		}
		l.entries = append(l.entries, e)
		l.offsets = append(l.offsets, offsets[k])
	}
	return l.lastIndex(), nil
}

// TruncateFrom removes every entry with index >= i. Removing a committed
// entry would rewrite agreed history, so it is refused with
// ErrTruncateCommitted.
func (l *Log) TruncateFrom(i uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	if i <= l.committed || i <= l.snap.Index {
		return fmt.Errorf("%w: index %d, committed %d", ErrTruncateCommitted, i, l.committed)
	}
	if i > l.lastIndex() {
		return nil
	}

	k := i - l.snap.Index - 1
	if l.persistent() {
		off := l.offsets[k]
		if err := l.f.Truncate(off); err != nil {
			return l.fail("truncate", err)
		}
		if err := l.f.Sync(); err != nil {
			return l.fail("truncate sync", err)
		}
		l.size = off
	}
	l.entries = l.entries[:k]
	l.offsets = l.offsets[:k]
	return nil
}

// CommitUpTo marks every entry up to index i as committed. The commit index
// never moves backwards.
func (l *Log) CommitUpTo(i uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i > l.lastIndex() {
		return fmt.Errorf("%w: commit %d beyond last index %d", ErrNotFound, i, l.lastIndex())
	}
	if i > l.committed {
		l.committed = i
	}
	return nil
}

// SetHardState persists the term and vote.
func (l *Log) SetHardState(hs HardState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	if l.persistent() {
		if err := writeFileMsgpack(filepath.Join(l.dir, stateFile), hs); err != nil {
			return l.fail("hard state", err)
		}
	}
	l.hard = hs
	return nil
}

// Snapshot replaces every entry up to and including index i with data. The
// index must already be committed.
func (l *Log) Snapshot(i uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	if i <= l.snap.Index {
		return ErrSnapshotOutdated
	}
	if i > l.committed {
		return fmt.Errorf("%w: index %d, committed %d", ErrUncommitted, i, l.committed)
	}
	term, err := l.term(i)
	if err != nil {
		return err
	}
	return l.installLocked(Snapshot{Index: i, Term: term, Data: data}, l.entries[i-l.snap.Index:])
}

// InstallSnapshot adopts a snapshot received from the leader. Entries that
// follow the snapshot and agree with it are kept; otherwise the whole log is
// discarded.
func (l *Log) InstallSnapshot(s Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	if s.Index <= l.snap.Index {
		return ErrSnapshotOutdated
	}

	var keep []Entry
	if t, err := l.term(s.Index); err == nil && t == s.Term {
		keep = l.entries[s.Index-l.snap.Index:]
	}
	if err := l.installLocked(s, keep); err != nil {
		return err
	}
	if s.Index > l.committed {
		l.committed = s.Index
	}
	return nil
}

// installLocked writes the snapshot, then rewrites the log file with keep.
func (l *Log) installLocked(s Snapshot, keep []Entry) error {
	kept := make([]Entry, len(keep))
	copy(kept, keep)
	offsets := make([]int64, len(kept))

	if l.persistent() {
		if err := writeFileMsgpack(filepath.Join(l.dir, snapshotFile), s); err != nil {
			return l.fail("snapshot", err)
		}
		size, err := l.rewriteLocked(kept, offsets)
		if err != nil {
			return l.fail("compact", err)
		}
		l.size = size
	}

	l.snap = Snapshot{Index: s.Index, Term: s.Term, Data: append([]byte(nil), s.Data...)}
	l.entries = kept
	l.offsets = offsets
	l.logger.Debug("wal: snapshot installed",
		slog.Uint64("index", s.Index),
		slog.Uint64("term", s.Term),
		slog.Int("retained", len(kept)),
	)
	return nil
}

// rewriteLocked replaces the log file with one holding only entries.
func (l *Log) rewriteLocked(entries []Entry, offsets []int64) (int64, error) {
	path := filepath.Join(l.dir, logFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	var size int64
	for k, e := range entries {
		rec, err := encodeRecord(e)
		if err != nil {
			_ = f.Close()
			return 0, err
		}
		offsets[k] = size
		if _, err := f.Write(rec); err != nil {
			_ = f.Close()
			return 0, err
		}
		size += int64(len(rec))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := l.f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	if err := syncDir(l.dir); err != nil {
		return 0, err
	}
	nf, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	l.f = nf
	return size, nil
}

// Close releases the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.f != nil {
		return l.f.Close()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Small files
// ──────────────────────────────────────────────────

// writeFileMsgpack atomically replaces path with a checksummed msgpack
// encoding of v.
func writeFileMsgpack(path string, v any) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(body))
	copy(buf[4:], body)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

// readFileMsgpack loads a file written by writeFileMsgpack. A missing file
// leaves v untouched.
func readFileMsgpack(path string, v any) error {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: read %s: %w", filepath.Base(path), err)
	}
	if len(buf) < 4 || crc32.ChecksumIEEE(buf[4:]) != binary.BigEndian.Uint32(buf) {
		return fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, filepath.Base(path))
	}
	if err := codec.Unmarshal(buf[4:], v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
