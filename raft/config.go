package raft

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/codec"
)

// Config configures a Node.
type Config struct {
	// ID identifies this replica. It must be a key of Peers.
	ID string

	// Peers maps every replica id, this one included, to its peer address.
	Peers map[string]string

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized time a
	// follower waits without hearing from a leader before it campaigns.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often the leader contacts idle followers.
	HeartbeatInterval time.Duration

	// SnapshotThreshold is the number of applied entries after which the
	// log prefix is compacted into a snapshot. Zero disables snapshots.
	SnapshotThreshold uint64

	// SnapshotChunkSize caps the snapshot bytes sent in one InstallSnapshot
	// call. Larger snapshots are streamed in several chunks.
	SnapshotChunkSize int

	// MaxAppendEntries caps the entries sent in one AppendEntries call.
	MaxAppendEntries int

	// MaxAppendBytes caps the command bytes sent in one AppendEntries call.
	// At least one entry is always sent.
	MaxAppendBytes int

	// RPCTimeout bounds a single peer call.
	RPCTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a Config with the default timings for a
// single-replica cluster.
func DefaultConfig(nodeID, addr string) Config {
	return Config{
		ID:                 nodeID,
		Peers:              map[string]string{nodeID: addr},
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		SnapshotThreshold:  1024,
		SnapshotChunkSize:  1 << 20,
		MaxAppendEntries:   256,
		MaxAppendBytes:     1 << 20,
		RPCTimeout:         time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig(c.ID, "")
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = def.ElectionTimeoutMin
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = 2 * c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.ElectionTimeoutMin / 3
	}
	if c.SnapshotChunkSize <= 0 || c.SnapshotChunkSize > codec.MaxPayloadSize {
		c.SnapshotChunkSize = def.SnapshotChunkSize
	}
	if c.MaxAppendEntries <= 0 {
		c.MaxAppendEntries = def.MaxAppendEntries
	}
	if c.MaxAppendBytes <= 0 {
		c.MaxAppendBytes = def.MaxAppendBytes
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = def.RPCTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("node id is required"))
	}
	if _, ok := c.Peers[c.ID]; !ok {
		errs = append(errs, fmt.Errorf("peers must include node %q", c.ID))
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		errs = append(errs, fmt.Errorf("heartbeat interval %s must be below election timeout %s",
			c.HeartbeatInterval, c.ElectionTimeoutMin))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: raft config: %w", quorum.ErrInvalidArgument, err)
	}
	return nil
}
