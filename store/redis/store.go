package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/quorum/wal"
)

// ErrNotFound is returned when no matching snapshot is stored.
var ErrNotFound = errors.New("quorum/redis: snapshot not found")

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeep sets how many snapshots are retained per node.
func WithKeep(n int) Option {
	return func(s *Store) { s.keep = max(n, 1) }
}

// WithTimeout bounds each export started by Hook.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Store saves snapshots in Redis.
type Store struct {
	client  goredis.Cmdable
	logger  *slog.Logger
	keep    int
	timeout time.Duration
	now     func() time.Time
}

// Snapshot is an exported snapshot with its metadata.
type Snapshot struct {
	Node      string
	Index     uint64
	Term      uint64
	Data      []byte
	CreatedAt time.Time
}

// New creates a Redis-backed snapshot store. The caller owns the Redis
// client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:  client,
		logger:  slog.Default(),
		keep:    3,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save stores snap for node and prunes the node's oldest snapshots beyond
// the retention count. Saving an index twice overwrites it.
func (s *Store) Save(ctx context.Context, node string, snap wal.Snapshot) error {
	key := snapshotKey(node, snap.Index)
	idx := snapshotIndexKey(node)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"index", strconv.FormatUint(snap.Index, 10),
		"term", strconv.FormatUint(snap.Term, 10),
		"data", snap.Data,
		"created_at", s.now().UTC().Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, idx, goredis.Z{Score: float64(snap.Index), Member: strconv.FormatUint(snap.Index, 10)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quorum/redis: save snapshot %d: %w", snap.Index, err)
	}
	return s.prune(ctx, node)
}

// prune removes every snapshot of node older than the newest s.keep.
func (s *Store) prune(ctx context.Context, node string) error {
	idx := snapshotIndexKey(node)
	stale, err := s.client.ZRange(ctx, idx, 0, int64(-s.keep-1)).Result()
	if err != nil {
		return fmt.Errorf("quorum/redis: list stale snapshots: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	members := make([]any, 0, len(stale))
	for _, m := range stale {
		i, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		pipe.Del(ctx, snapshotKey(node, i))
		members = append(members, m)
	}
	pipe.ZRem(ctx, idx, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quorum/redis: prune snapshots: %w", err)
	}
	return nil
}

// Get returns the snapshot of node at index.
func (s *Store) Get(ctx context.Context, node string, index uint64) (*Snapshot, error) {
	vals, err := s.client.HGetAll(ctx, snapshotKey(node, index)).Result()
	if err != nil {
		return nil, fmt.Errorf("quorum/redis: get snapshot %d: %w", index, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(node, vals)
}

// Latest returns the newest snapshot stored for node.
func (s *Store) Latest(ctx context.Context, node string) (*Snapshot, error) {
	members, err := s.client.ZRevRange(ctx, snapshotIndexKey(node), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("quorum/redis: latest snapshot: %w", err)
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	i, err := strconv.ParseUint(members[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("quorum/redis: bad snapshot index %q: %w", members[0], err)
	}
	return s.Get(ctx, node, i)
}

// Indexes returns the stored snapshot indexes of node, oldest first.
func (s *Store) Indexes(ctx context.Context, node string) ([]uint64, error) {
	members, err := s.client.ZRange(ctx, snapshotIndexKey(node), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("quorum/redis: list snapshots: %w", err)
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		i, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}

// Hook returns a raft snapshot callback that exports each snapshot in the
// background. Failures are logged; the local snapshot is unaffected.
func (s *Store) Hook(ctx context.Context, node string) func(wal.Snapshot) {
	return func(snap wal.Snapshot) {
		go func() {
			ctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if err := s.Save(ctx, node, snap); err != nil {
				s.logger.Warn("snapshot export failed",
					slog.Uint64("index", snap.Index),
					slog.String("error", err.Error()),
				)
				return
			}
			s.logger.Debug("snapshot exported",
				slog.Uint64("index", snap.Index),
				slog.Int("bytes", len(snap.Data)),
			)
		}()
	}
}

func fromHash(node string, vals map[string]string) (*Snapshot, error) {
	index, err := strconv.ParseUint(vals["index"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("quorum/redis: parse index: %w", err)
	}
	term, err := strconv.ParseUint(vals["term"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("quorum/redis: parse term: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, vals["created_at"])
	if err != nil {
		return nil, fmt.Errorf("quorum/redis: parse created_at: %w", err)
	}
	return &Snapshot{
		Node:      node,
		Index:     index,
		Term:      term,
		Data:      []byte(vals["data"]),
		CreatedAt: created,
	}, nil
}
