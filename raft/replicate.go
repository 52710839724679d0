package raft

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/quorum/wal"
)

// triggerReplication wakes every replicator.
func (n *Node) triggerReplication() {
	for _, ch := range n.replicate {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *Node) triggerPeer(peer string) {
	select {
	case n.replicate[peer] <- struct{}{}:
	default:
	}
}

// runReplicator sends entries or heartbeats to one peer while this replica
// leads.
func (n *Node) runReplicator(peer string) {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
		case <-n.replicate[peer]:
		}
		n.replicateTo(peer)
	}
}

// replicateTo performs one AppendEntries or InstallSnapshot round trip.
func (n *Node) replicateTo(peer string) {
	n.mu.Lock()
	if n.role != Leader || n.halted != nil {
		n.mu.Unlock()
		return
	}
	term := n.term
	next := n.nextIndex[peer]
	if next < n.log.FirstIndex() {
		n.mu.Unlock()
		n.sendSnapshot(peer, term)
		return
	}

	prevIndex := next - 1
	prevTerm, err := n.log.Term(prevIndex)
	if err != nil {
		n.mu.Unlock()
		if errors.Is(err, wal.ErrCompacted) {
			n.sendSnapshot(peer, term)
		}
		return
	}
	entries, err := n.log.EntriesFrom(next, n.cfg.MaxAppendBytes)
	if err != nil {
		n.mu.Unlock()
		n.sendSnapshot(peer, term)
		return
	}
	if len(entries) > n.cfg.MaxAppendEntries {
		entries = entries[:n.cfg.MaxAppendEntries]
	}
	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	reply, err := n.tr.AppendEntries(ctx, peer, args)
	cancel()
	if err != nil {
		n.logger.Debug("raft: append entries failed",
			slog.String("peer", peer),
			slog.String("error", err.Error()),
		)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastContact[peer] = time.Now()
	if reply.Term > n.term {
		n.becomeFollower(reply.Term, "")
		n.resetDeadline()
		return
	}
	if n.role != Leader || n.term != term {
		return
	}

	last := n.log.LastIndex()
	if reply.Success {
		match := prevIndex + uint64(len(entries))
		if match > n.matchIndex[peer] {
			n.matchIndex[peer] = match
		}
		n.nextIndex[peer] = n.matchIndex[peer] + 1
		n.advanceCommit()
		if n.nextIndex[peer] <= last {
			n.triggerPeer(peer)
		}
		return
	}

	n.nextIndex[peer] = n.backoffIndex(reply, next)
	n.triggerPeer(peer)
}

// backoffIndex picks the next index to try after a consistency failure.
// Caller holds mu.
func (n *Node) backoffIndex(reply *AppendEntriesReply, next uint64) uint64 {
	idx := reply.ConflictIndex
	if reply.ConflictTerm > 0 {
		// Skip to just past our last entry of the follower's conflicting
		// term, if we have that term at all.
		for i := n.log.LastIndex(); i >= n.log.FirstIndex(); i-- {
			t, err := n.log.Term(i)
			if err != nil || t < reply.ConflictTerm {
				break
			}
			if t == reply.ConflictTerm {
				idx = i + 1
				break
			}
		}
	}
	if idx == 0 || idx >= next {
		idx = next - 1
	}
	return max(idx, 1)
}

// sendSnapshot streams the latest snapshot to a peer whose next entry has
// been compacted away, one chunk of at most SnapshotChunkSize bytes per call.
func (n *Node) sendSnapshot(peer string, term uint64) {
	snap, ok := n.log.LoadSnapshot()
	if !ok {
		return
	}
	size := uint64(len(snap.Data))
	chunk := uint64(n.cfg.SnapshotChunkSize)
	logger := n.logger.With(slog.String("peer", peer), slog.Uint64("index", snap.Index))

	// A follower that keeps resyncing to an offset we already sent is not
	// making progress; give up and retry on the next heartbeat.
	budget := 2*(size/chunk) + 4
	var off uint64
	for ; budget > 0; budget-- {
		end := min(off+chunk, size)
		args := &InstallSnapshotArgs{
			Term:              term,
			LeaderID:          n.cfg.ID,
			LastIncludedIndex: snap.Index,
			LastIncludedTerm:  snap.Term,
			Offset:            off,
			Data:              snap.Data[off:end],
			Done:              end == size,
		}

		ctx, cancel := context.WithTimeout(n.ctx, 4*n.cfg.RPCTimeout)
		reply, err := n.tr.InstallSnapshot(ctx, peer, args)
		cancel()
		if err != nil {
			logger.Debug("raft: install snapshot failed",
				slog.Uint64("offset", off),
				slog.String("error", err.Error()),
			)
			return
		}

		n.mu.Lock()
		n.lastContact[peer] = time.Now()
		if reply.Term > n.term {
			n.becomeFollower(reply.Term, "")
			n.resetDeadline()
			n.mu.Unlock()
			return
		}
		if n.role != Leader || n.term != term {
			n.mu.Unlock()
			return
		}
		if args.Done && reply.NextOffset == size {
			if snap.Index > n.matchIndex[peer] {
				n.matchIndex[peer] = snap.Index
			}
			n.nextIndex[peer] = n.matchIndex[peer] + 1
			n.advanceCommit()
			n.triggerPeer(peer)
			n.mu.Unlock()
			logger.Info("raft: snapshot sent", slog.Int("bytes", len(snap.Data)))
			return
		}
		n.mu.Unlock()

		if reply.NextOffset > size {
			logger.Warn("raft: follower reported offset past snapshot end",
				slog.Uint64("next_offset", reply.NextOffset),
				slog.Uint64("size", size),
			)
			return
		}
		off = reply.NextOffset
	}
	logger.Warn("raft: snapshot transfer made no progress")
}

// advanceCommit moves the commit index to the highest entry of the current
// term stored on a majority. Caller holds mu.
func (n *Node) advanceCommit() {
	if n.role != Leader {
		return
	}
	for idx := n.log.LastIndex(); idx > n.commitIndex; idx-- {
		// Terms only decrease going back, so once an entry of an older
		// term shows up no earlier index can be committed here.
		t, err := n.log.Term(idx)
		if err != nil || t != n.term {
			return
		}
		count := 1
		for _, peer := range n.peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= n.quorumSize() {
			n.setCommit(idx)
			return
		}
	}
}

// setCommit records a new commit index and wakes the applier. Caller holds
// mu.
func (n *Node) setCommit(idx uint64) {
	if idx <= n.commitIndex {
		return
	}
	if err := n.log.CommitUpTo(idx); err != nil {
		n.logger.Error("raft: commit index beyond log", slog.Uint64("index", idx), slog.String("error", err.Error()))
		return
	}
	n.commitIndex = idx
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}
