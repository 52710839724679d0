package raft

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/wal"
)

// HandleRequestVote answers a candidate. The vote is persisted before the
// reply is returned.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.halted != nil || args.Term < n.term {
		return &RequestVoteReply{Term: n.term}
	}
	if args.Term > n.term {
		n.becomeFollower(args.Term, "")
		if n.halted != nil {
			return &RequestVoteReply{Term: n.term}
		}
	}

	lastIndex, lastTerm := n.log.LastIndex(), n.log.LastTerm()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)
	if !upToDate || (n.votedFor != "" && n.votedFor != args.CandidateID) {
		return &RequestVoteReply{Term: n.term}
	}

	n.votedFor = args.CandidateID
	if !n.persist() {
		return &RequestVoteReply{Term: n.term}
	}
	n.resetDeadline()
	n.logger.Debug("raft: vote granted",
		slog.String("candidate", args.CandidateID),
		slog.Uint64("term", args.Term),
	)
	return &RequestVoteReply{Term: n.term, VoteGranted: true}
}

// HandleAppendEntries checks that the leader's log matches at PrevLogIndex,
// replaces any conflicting suffix, and appends the new entries.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.halted != nil || args.Term < n.term {
		return &AppendEntriesReply{Term: n.term}
	}
	if args.Term > n.term || n.role != Follower || n.leaderID != args.LeaderID {
		n.becomeFollower(args.Term, args.LeaderID)
		if n.halted != nil {
			return &AppendEntriesReply{Term: n.term}
		}
	}
	n.resetDeadline()
	reply := &AppendEntriesReply{Term: n.term}

	snapIndex := n.log.FirstIndex() - 1
	lastIndex := n.log.LastIndex()
	if args.PrevLogIndex > lastIndex {
		reply.ConflictIndex = lastIndex + 1
		return reply
	}
	if args.PrevLogIndex >= snapIndex {
		prevTerm, err := n.log.Term(args.PrevLogIndex)
		if err != nil {
			reply.ConflictIndex = snapIndex + 1
			return reply
		}
		if prevTerm != args.PrevLogTerm {
			reply.ConflictTerm = prevTerm
			reply.ConflictIndex = n.firstIndexOfTerm(args.PrevLogIndex, prevTerm)
			return reply
		}
	}
	// Entries at or below the snapshot are committed and therefore already
	// match.

	var fresh []wal.Entry
	for i, e := range args.Entries {
		if e.Index <= snapIndex {
			continue
		}
		if e.Index > lastIndex {
			fresh = args.Entries[i:]
			break
		}
		t, err := n.log.Term(e.Index)
		if err == nil && t == e.Term {
			continue
		}
		if err := n.log.TruncateFrom(e.Index); err != nil {
			if errors.Is(err, wal.ErrTruncateCommitted) {
				n.logger.Error("raft: leader conflicts with committed entry",
					slog.Uint64("index", e.Index),
					slog.String("leader", args.LeaderID),
				)
				return reply
			}
			n.halt(err)
			return &AppendEntriesReply{Term: n.term}
		}
		fresh = args.Entries[i:]
		break
	}
	if len(fresh) > 0 {
		if _, err := n.log.Append(fresh...); err != nil {
			n.halt(err)
			return &AppendEntriesReply{Term: n.term}
		}
	}

	match := args.PrevLogIndex + uint64(len(args.Entries))
	if args.LeaderCommit > n.commitIndex {
		n.setCommit(min(args.LeaderCommit, match))
	}
	reply.Success = true
	reply.MatchIndex = match
	return reply
}

// firstIndexOfTerm walks back from idx to the first entry of term still in
// the log. Caller holds mu.
func (n *Node) firstIndexOfTerm(idx, term uint64) uint64 {
	first := n.log.FirstIndex()
	for idx > first {
		t, err := n.log.Term(idx - 1)
		if err != nil || t != term {
			break
		}
		idx--
	}
	return idx
}

// snapshotBuffer assembles the chunks of one incoming snapshot.
type snapshotBuffer struct {
	index uint64
	term  uint64
	data  []byte
}

func (b *snapshotBuffer) matches(args *InstallSnapshotArgs) bool {
	return b != nil && b.index == args.LastIncludedIndex && b.term == args.LastIncludedTerm
}

// HandleInstallSnapshot accepts one chunk of the leader's snapshot. Chunks
// must arrive in offset order; an unexpected offset is answered with the
// offset the follower wants next. The last chunk replaces the follower's
// state with the assembled snapshot.
func (n *Node) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	n.mu.Lock()
	if n.halted != nil || args.Term < n.term {
		defer n.mu.Unlock()
		return &InstallSnapshotReply{Term: n.term}
	}
	if args.Term > n.term || n.role != Follower || n.leaderID != args.LeaderID {
		n.becomeFollower(args.Term, args.LeaderID)
	}
	n.resetDeadline()

	end := args.Offset + uint64(len(args.Data))
	if args.LastIncludedIndex <= n.lastApplied {
		n.incoming = nil
		defer n.mu.Unlock()
		return &InstallSnapshotReply{Term: n.term, NextOffset: end}
	}

	if args.Offset == 0 {
		n.incoming = &snapshotBuffer{index: args.LastIncludedIndex, term: args.LastIncludedTerm}
	}
	buf := n.incoming
	if !buf.matches(args) {
		n.incoming = nil
		defer n.mu.Unlock()
		return &InstallSnapshotReply{Term: n.term}
	}
	if have := uint64(len(buf.data)); args.Offset != have {
		defer n.mu.Unlock()
		return &InstallSnapshotReply{Term: n.term, NextOffset: have}
	}
	buf.data = append(buf.data, args.Data...)
	if !args.Done {
		defer n.mu.Unlock()
		return &InstallSnapshotReply{Term: n.term, NextOffset: end}
	}
	n.incoming = nil
	n.mu.Unlock()

	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &InstallSnapshotReply{Term: n.term, NextOffset: end}
	if n.halted != nil || args.LastIncludedIndex <= n.lastApplied {
		return reply
	}

	snap := wal.Snapshot{Index: buf.index, Term: buf.term, Data: buf.data}
	if err := n.log.InstallSnapshot(snap); err != nil {
		if !errors.Is(err, wal.ErrSnapshotOutdated) {
			n.halt(err)
		}
		return reply
	}
	if err := n.sm.Restore(snap.Data); err != nil {
		n.halt(err)
		return reply
	}
	n.lastApplied = snap.Index
	if snap.Index > n.commitIndex {
		n.commitIndex = snap.Index
	}
	// Proposals left over from an earlier leadership are now covered by
	// the snapshot and will never be applied one by one.
	for idx, p := range n.proposals {
		if idx <= snap.Index {
			p.resolve(nil, fmt.Errorf("%w: index %d superseded by snapshot %d", quorum.ErrUncommitted, idx, snap.Index))
			delete(n.proposals, idx)
		}
	}
	n.logger.Info("raft: snapshot installed",
		slog.Uint64("index", snap.Index),
		slog.Uint64("term", snap.Term),
		slog.Int("bytes", len(snap.Data)),
		slog.String("leader", args.LeaderID),
	)
	return reply
}
