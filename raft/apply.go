package raft

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/wal"
)

// runApplier feeds committed entries to the state machine in index order.
func (n *Node) runApplier() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applyCh:
			n.applyCommitted()
		}
	}
}

func (n *Node) applyCommitted() {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	for {
		n.mu.Lock()
		from, to := n.lastApplied+1, n.commitIndex
		n.mu.Unlock()
		if from > to {
			break
		}

		for idx := from; idx <= to; idx++ {
			e, err := n.log.Get(idx)
			if err != nil {
				n.logger.Error("raft: committed entry unreadable",
					slog.Uint64("index", idx),
					slog.String("error", err.Error()),
				)
				n.mu.Lock()
				n.halt(err)
				n.mu.Unlock()
				return
			}

			var result any
			if e.Type == wal.EntryCommand {
				result = n.sm.Apply(e)
			}

			n.mu.Lock()
			n.lastApplied = idx
			if p, ok := n.proposals[idx]; ok {
				delete(n.proposals, idx)
				if p.Term == e.Term {
					p.resolve(result, nil)
				} else {
					p.resolve(nil, fmt.Errorf("%w: index %d taken by term %d", quorum.ErrUncommitted, idx, e.Term))
				}
			}
			n.mu.Unlock()
		}
	}
	n.maybeSnapshot()
}

// maxCompactionLag is how many thresholds' worth of applied entries a leader
// keeps around for slow but reachable followers before compacting anyway.
const maxCompactionLag = 4

// maybeSnapshot compacts the log once enough entries have been applied
// since the last snapshot. A leader holds off while a reachable follower
// still needs entries past the last snapshot, so that it catches up with
// AppendEntries instead of a full snapshot transfer. Caller holds applyMu.
func (n *Node) maybeSnapshot() {
	threshold := n.cfg.SnapshotThreshold
	if threshold == 0 {
		return
	}
	n.mu.Lock()
	applied := n.lastApplied
	snapIndex := n.log.FirstIndex() - 1
	floor := n.compactionFloor(applied)
	n.mu.Unlock()

	behind := applied - snapIndex
	if behind < threshold {
		return
	}
	if floor < applied && behind < maxCompactionLag*threshold {
		n.logger.Debug("raft: compaction deferred for lagging follower",
			slog.Uint64("applied", applied),
			slog.Uint64("follower_match", floor),
		)
		return
	}

	data, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Error("raft: state machine snapshot failed", slog.String("error", err.Error()))
		return
	}
	if err := n.log.Snapshot(applied, data); err != nil {
		n.logger.Error("raft: log compaction failed",
			slog.Uint64("index", applied),
			slog.String("error", err.Error()),
		)
		n.mu.Lock()
		if n.log.Failed() != nil {
			n.halt(err)
		}
		n.mu.Unlock()
		return
	}

	snap, _ := n.log.LoadSnapshot()
	n.logger.Info("raft: snapshot taken",
		slog.Uint64("index", snap.Index),
		slog.Uint64("term", snap.Term),
		slog.Int("bytes", len(data)),
	)

	n.mu.Lock()
	fn := n.onSnapshot
	n.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// compactionFloor is the lowest match index among followers heard from
// within two election timeouts, capped at applied. Followers and leaders
// without reachable peers compact at applied. Caller holds mu.
func (n *Node) compactionFloor(applied uint64) uint64 {
	floor := applied
	if n.role != Leader {
		return floor
	}
	cutoff := time.Now().Add(-2 * n.cfg.ElectionTimeoutMax)
	for _, peer := range n.peers {
		if seen, ok := n.lastContact[peer]; !ok || seen.Before(cutoff) {
			continue
		}
		floor = min(floor, n.matchIndex[peer])
	}
	return floor
}
