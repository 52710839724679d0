package raft

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/wal"
)

// Role is a replica's part in the protocol.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Node is one replica.
type Node struct {
	cfg    Config
	log    *wal.Log
	sm     StateMachine
	tr     Transport
	logger *slog.Logger
	peers  []string // other replicas, sorted

	mu          sync.Mutex
	role        Role
	term        uint64
	votedFor    string
	leaderID    string
	commitIndex uint64
	lastApplied uint64
	deadline    time.Time
	nextIndex   map[string]uint64
	matchIndex  map[string]uint64
	lastContact map[string]time.Time
	proposals   map[uint64]*Proposal
	incoming    *snapshotBuffer
	halted      error
	onSnapshot  func(wal.Snapshot)
	onLeader    func(isLeader bool)

	// applyMu serialises state machine access between the applier and
	// snapshot installation. It is always taken before mu.
	applyMu sync.Mutex

	applyCh   chan struct{}
	replicate map[string]chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a replica and restores its state machine from the latest
// snapshot in log. Call Start to join the cluster.
func New(cfg Config, log *wal.Log, sm StateMachine, tr Transport) (*Node, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		log:         log,
		sm:          sm,
		tr:          tr,
		logger:      cfg.Logger.With(slog.String("node", cfg.ID)),
		nextIndex:   make(map[string]uint64),
		matchIndex:  make(map[string]uint64),
		lastContact: make(map[string]time.Time),
		proposals:   make(map[uint64]*Proposal),
		applyCh:     make(chan struct{}, 1),
		replicate:   make(map[string]chan struct{}),
	}
	for peer := range cfg.Peers {
		if peer != cfg.ID {
			n.peers = append(n.peers, peer)
			n.replicate[peer] = make(chan struct{}, 1)
		}
	}
	slices.Sort(n.peers)

	hs := log.HardState()
	n.term, n.votedFor = hs.Term, hs.VotedFor

	if snap, ok := log.LoadSnapshot(); ok {
		if err := sm.Restore(snap.Data); err != nil {
			return nil, fmt.Errorf("raft: restore snapshot %d: %w", snap.Index, err)
		}
		n.lastApplied = snap.Index
		n.commitIndex = snap.Index
	}
	return n, nil
}

// OnSnapshot registers fn to run after each local snapshot.
func (n *Node) OnSnapshot(fn func(wal.Snapshot)) {
	n.mu.Lock()
	n.onSnapshot = fn
	n.mu.Unlock()
}

// OnLeaderChange registers fn to run whenever this replica gains or loses
// leadership. fn runs on its own goroutine.
func (n *Node) OnLeaderChange(fn func(isLeader bool)) {
	n.mu.Lock()
	n.onLeader = fn
	n.mu.Unlock()
}

// Start launches the election timer, the replicators, and the applier. The
// node runs until Stop is called or ctx is cancelled.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.resetDeadline()
	n.mu.Unlock()

	n.logger.Info("raft: node started",
		slog.Uint64("term", n.term),
		slog.Uint64("last_index", n.log.LastIndex()),
		slog.Int("peers", len(n.peers)),
	)

	n.wg.Add(2 + len(n.peers))
	go n.runTicker()
	go n.runApplier()
	for _, peer := range n.peers {
		go n.runReplicator(peer)
	}
}

// Stop halts every goroutine and fails pending proposals with
// quorum.ErrStopped.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.started || n.cancel == nil {
		n.mu.Unlock()
		return
	}
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()

	n.mu.Lock()
	n.failProposals(quorum.ErrStopped)
	n.role = Follower
	n.leaderID = ""
	n.mu.Unlock()
	n.logger.Info("raft: node stopped")
}

// ──────────────────────────────────────────────────
// Proposals
// ──────────────────────────────────────────────────

// Proposal tracks a command appended by the leader until it is applied.
type Proposal struct {
	Index uint64
	Term  uint64

	done   chan struct{}
	result any
	err    error
}

func (p *Proposal) resolve(result any, err error) {
	p.result, p.err = result, err
	close(p.done)
}

// Wait blocks until the entry is applied and returns the state machine
// result. If the entry can no longer commit it returns
// quorum.ErrUncommitted; if ctx ends first it returns quorum.ErrTimeout.
func (p *Proposal) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: index %d: %w", quorum.ErrTimeout, p.Index, ctx.Err())
	}
}

// Done is closed once the proposal is resolved.
func (p *Proposal) Done() <-chan struct{} { return p.done }

// Propose appends data to the leader's log and starts replicating it.
func (n *Node) Propose(ctx context.Context, data []byte) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", quorum.ErrTimeout, err)
	}

	n.mu.Lock()
	if n.halted != nil {
		n.mu.Unlock()
		return nil, n.halted
	}
	if !n.started || n.ctx.Err() != nil {
		n.mu.Unlock()
		return nil, quorum.ErrStopped
	}
	if n.role != Leader {
		err := n.notLeader()
		n.mu.Unlock()
		return nil, err
	}

	e := wal.Entry{Index: n.log.LastIndex() + 1, Term: n.term, Type: wal.EntryCommand, Data: data}
	if _, err := n.log.Append(e); err != nil {
		n.halt(err)
		err := n.halted
		n.mu.Unlock()
		return nil, err
	}
	p := &Proposal{Index: e.Index, Term: e.Term, done: make(chan struct{})}
	n.proposals[e.Index] = p
	n.advanceCommit()
	n.mu.Unlock()

	n.triggerReplication()
	return p, nil
}

// Apply proposes data and waits for its result.
func (n *Node) Apply(ctx context.Context, data []byte) (any, error) {
	p, err := n.Propose(ctx, data)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// notLeader builds the redirect error. Caller holds mu.
func (n *Node) notLeader() error {
	return &quorum.NotLeaderError{LeaderID: n.leaderID, LeaderAddr: n.cfg.Peers[n.leaderID]}
}

// failProposals resolves every pending proposal with err. Caller holds mu.
func (n *Node) failProposals(err error) {
	for idx, p := range n.proposals {
		p.resolve(nil, err)
		delete(n.proposals, idx)
	}
}

// failUncommitted resolves the proposals above the commit index with err.
// Committed ones stay pending; the applier resolves them with their result.
// Caller holds mu.
func (n *Node) failUncommitted(err error) {
	for idx, p := range n.proposals {
		if idx > n.commitIndex {
			p.resolve(nil, err)
			delete(n.proposals, idx)
		}
	}
}

// ──────────────────────────────────────────────────
// Status
// ──────────────────────────────────────────────────

// Peer describes one replica as seen by this node.
type Peer struct {
	ID         string `json:"id" msgpack:"id"`
	Addr       string `json:"addr" msgpack:"addr"`
	MatchIndex uint64 `json:"match_index" msgpack:"match_index"`
}

// Status is a point-in-time view of the replica.
type Status struct {
	ID            string `json:"id" msgpack:"id"`
	Role          string `json:"role" msgpack:"role"`
	Term          uint64 `json:"term" msgpack:"term"`
	LeaderID      string `json:"leader_id" msgpack:"leader_id"`
	LeaderAddr    string `json:"leader_addr" msgpack:"leader_addr"`
	CommitIndex   uint64 `json:"commit_index" msgpack:"commit_index"`
	AppliedIndex  uint64 `json:"applied_index" msgpack:"applied_index"`
	LastIndex     uint64 `json:"last_index" msgpack:"last_index"`
	SnapshotIndex uint64 `json:"snapshot_index" msgpack:"snapshot_index"`
	Halted        string `json:"halted,omitempty" msgpack:"halted,omitempty"`
	Peers         []Peer `json:"peers" msgpack:"peers"`
}

// Status returns the replica's view of the cluster.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := Status{
		ID:            n.cfg.ID,
		Role:          n.role.String(),
		Term:          n.term,
		LeaderID:      n.leaderID,
		LeaderAddr:    n.cfg.Peers[n.leaderID],
		CommitIndex:   n.commitIndex,
		AppliedIndex:  n.lastApplied,
		LastIndex:     n.log.LastIndex(),
		SnapshotIndex: n.log.FirstIndex() - 1,
	}
	if n.halted != nil {
		st.Halted = n.halted.Error()
	}
	for id, addr := range n.cfg.Peers {
		p := Peer{ID: id, Addr: addr}
		switch {
		case id == n.cfg.ID:
			p.MatchIndex = st.LastIndex
		case n.role == Leader:
			p.MatchIndex = n.matchIndex[id]
		}
		st.Peers = append(st.Peers, p)
	}
	slices.SortFunc(st.Peers, func(a, b Peer) int { return cmp.Compare(a.ID, b.ID) })
	return st
}

// ID returns the replica id.
func (n *Node) ID() string { return n.cfg.ID }

// IsLeader reports whether this replica currently leads.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader && n.halted == nil
}

// Leader returns the id and address of the leader this replica knows of.
func (n *Node) Leader() (id, addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID, n.cfg.Peers[n.leaderID]
}

// AppliedIndex returns the index of the last applied entry.
func (n *Node) AppliedIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}

// ──────────────────────────────────────────────────
// Role changes (caller holds mu)
// ──────────────────────────────────────────────────

func (n *Node) resetDeadline() {
	spread := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	n.deadline = time.Now().Add(n.cfg.ElectionTimeoutMin + rand.N(spread))
}

// persist writes term and vote before any reply that depends on them.
func (n *Node) persist() bool {
	if err := n.log.SetHardState(wal.HardState{Term: n.term, VotedFor: n.votedFor}); err != nil {
		n.halt(err)
		return false
	}
	return true
}

// becomeFollower adopts term and forgets leadership.
func (n *Node) becomeFollower(term uint64, leader string) {
	wasLeader := n.role == Leader
	if term > n.term {
		n.term = term
		n.votedFor = ""
		n.persist()
	}
	n.role = Follower
	n.leaderID = leader
	if wasLeader {
		n.logger.Info("raft: stepped down", slog.Uint64("term", n.term), slog.String("leader", leader))
		n.failUncommitted(fmt.Errorf("%w: leadership lost in term %d", quorum.ErrUncommitted, n.term))
		n.notifyLeader(false)
	}
}

func (n *Node) becomeLeader() {
	n.role = Leader
	n.leaderID = n.cfg.ID
	last := n.log.LastIndex()
	for _, peer := range n.peers {
		n.nextIndex[peer] = last + 1
		n.matchIndex[peer] = 0
		delete(n.lastContact, peer)
	}

	noop := wal.Entry{Index: last + 1, Term: n.term, Type: wal.EntryNoop}
	if _, err := n.log.Append(noop); err != nil {
		n.halt(err)
		return
	}
	n.logger.Info("raft: elected leader",
		slog.Uint64("term", n.term),
		slog.Uint64("last_index", noop.Index),
	)
	n.advanceCommit()
	n.notifyLeader(true)
}

func (n *Node) notifyLeader(isLeader bool) {
	if fn := n.onLeader; fn != nil {
		go fn(isLeader)
	}
}

// halt stops the replica from voting or appending after a storage failure.
// Applied state stays readable.
func (n *Node) halt(err error) {
	if n.halted != nil {
		return
	}
	n.halted = fmt.Errorf("%w: %w", quorum.ErrStorageFailed, err)
	n.logger.Error("raft: storage failure, replica halted", slog.String("error", err.Error()))
	wasLeader := n.role == Leader
	n.role = Follower
	n.leaderID = ""
	n.failProposals(n.halted)
	if wasLeader {
		n.notifyLeader(false)
	}
}

func (n *Node) quorumSize() int { return (len(n.peers)+1)/2 + 1 }

// ──────────────────────────────────────────────────
// Election
// ──────────────────────────────────────────────────

func (n *Node) runTicker() {
	defer n.wg.Done()
	tick := max(n.cfg.ElectionTimeoutMin/10, time.Millisecond)
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-t.C:
			n.mu.Lock()
			due := n.role != Leader && n.halted == nil && now.After(n.deadline)
			n.mu.Unlock()
			if due {
				n.campaign()
			}
		}
	}
}

// campaign starts an election for the next term and collects votes in
// parallel.
func (n *Node) campaign() {
	n.mu.Lock()
	n.role = Candidate
	n.term++
	n.votedFor = n.cfg.ID
	n.leaderID = ""
	n.resetDeadline()
	if !n.persist() {
		n.mu.Unlock()
		return
	}
	term := n.term
	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	votes := 1
	if votes >= n.quorumSize() {
		n.becomeLeader()
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.logger.Debug("raft: campaigning", slog.Uint64("term", term))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ElectionTimeoutMin)
		defer cancel()

		var g errgroup.Group
		for _, peer := range n.peers {
			g.Go(func() error {
				reply, err := n.tr.RequestVote(ctx, peer, args)
				if err != nil {
					n.logger.Debug("raft: vote request failed",
						slog.String("peer", peer),
						slog.String("error", err.Error()),
					)
					return nil
				}
				n.mu.Lock()
				defer n.mu.Unlock()
				if reply.Term > n.term {
					n.becomeFollower(reply.Term, "")
					n.resetDeadline()
					return nil
				}
				if !reply.VoteGranted || n.role != Candidate || n.term != term {
					return nil
				}
				votes++
				if votes == n.quorumSize() {
					n.becomeLeader()
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}
