package raft

import (
	"context"

	"github.com/xraph/quorum/wal"
)

// RequestVoteArgs is sent by a candidate to gather votes.
type RequestVoteArgs struct {
	Term         uint64 `msgpack:"term"`
	CandidateID  string `msgpack:"candidate_id"`
	LastLogIndex uint64 `msgpack:"last_log_index"`
	LastLogTerm  uint64 `msgpack:"last_log_term"`
}

// RequestVoteReply answers a vote request.
type RequestVoteReply struct {
	Term        uint64 `msgpack:"term"`
	VoteGranted bool   `msgpack:"vote_granted"`
}

// AppendEntriesArgs replicates entries and doubles as the heartbeat.
type AppendEntriesArgs struct {
	Term         uint64      `msgpack:"term"`
	LeaderID     string      `msgpack:"leader_id"`
	PrevLogIndex uint64      `msgpack:"prev_log_index"`
	PrevLogTerm  uint64      `msgpack:"prev_log_term"`
	Entries      []wal.Entry `msgpack:"entries"`
	LeaderCommit uint64      `msgpack:"leader_commit"`
}

// AppendEntriesReply answers AppendEntries. On a consistency failure the
// follower reports where its log diverges so the leader can skip a whole
// term at a time.
type AppendEntriesReply struct {
	Term    uint64 `msgpack:"term"`
	Success bool   `msgpack:"success"`

	// MatchIndex is the last index known to match the leader on success.
	MatchIndex uint64 `msgpack:"match_index"`

	// ConflictTerm is the term of the follower's entry at PrevLogIndex, or
	// zero if the follower's log is shorter than that.
	ConflictTerm uint64 `msgpack:"conflict_term"`

	// ConflictIndex is the first index of ConflictTerm in the follower's
	// log, or its last index plus one when ConflictTerm is zero.
	ConflictIndex uint64 `msgpack:"conflict_index"`
}

// InstallSnapshotArgs carries one chunk of a leader snapshot to a lagging
// follower. Data holds the snapshot bytes starting at Offset; Done marks the
// last chunk.
type InstallSnapshotArgs struct {
	Term              uint64 `msgpack:"term"`
	LeaderID          string `msgpack:"leader_id"`
	LastIncludedIndex uint64 `msgpack:"last_included_index"`
	LastIncludedTerm  uint64 `msgpack:"last_included_term"`
	Offset            uint64 `msgpack:"offset"`
	Data              []byte `msgpack:"data"`
	Done              bool   `msgpack:"done"`
}

// InstallSnapshotReply answers InstallSnapshot. NextOffset is the number of
// snapshot bytes the follower holds; the leader resumes from there when a
// chunk was out of order.
type InstallSnapshotReply struct {
	Term       uint64 `msgpack:"term"`
	NextOffset uint64 `msgpack:"next_offset"`
}

// Transport delivers RPCs to peers identified by id.
type Transport interface {
	RequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, peer string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// Handler serves RPCs received from peers. *Node implements it.
type Handler interface {
	HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply
	HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply
	HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply
}

// StateMachine consumes committed entries.
type StateMachine interface {
	// Apply executes a committed command entry and returns its result.
	// It must be deterministic.
	Apply(e wal.Entry) any

	// Snapshot serialises the state covering every applied entry.
	Snapshot() ([]byte, error)

	// Restore replaces the state with a snapshot.
	Restore(data []byte) error
}
