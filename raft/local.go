package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xraph/quorum/codec"
)

// ErrUnreachable is returned by LocalNetwork when a peer is partitioned
// away or not registered.
var ErrUnreachable = errors.New("raft: peer unreachable")

// LocalNetwork connects in-process replicas. Messages are round-tripped
// through the msgpack codec so no memory is shared between nodes. It can
// partition replicas to simulate network failures.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	group    map[string]int
}

// NewLocalNetwork returns an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[string]Handler),
		group:    make(map[string]int),
	}
}

// Register attaches a replica, replacing any previous handler for id.
func (ln *LocalNetwork) Register(id string, h Handler) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.handlers[id] = h
}

// Unregister detaches a replica, as if it crashed.
func (ln *LocalNetwork) Unregister(id string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	delete(ln.handlers, id)
}

// Partition places ids in a group of their own. Replicas only reach
// replicas in the same group.
func (ln *LocalNetwork) Partition(ids ...string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	next := 1
	for _, g := range ln.group {
		next = max(next, g+1)
	}
	for _, id := range ids {
		ln.group[id] = next
	}
}

// Heal reconnects every replica.
func (ln *LocalNetwork) Heal() {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	clear(ln.group)
}

// Transport returns the transport replica from uses to reach its peers.
func (ln *LocalNetwork) Transport(from string) Transport {
	return &localTransport{net: ln, from: from}
}

func (ln *LocalNetwork) route(from, to string) (Handler, error) {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	h, ok := ln.handlers[to]
	if !ok || ln.group[from] != ln.group[to] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, from, to)
	}
	return h, nil
}

type localTransport struct {
	net  *LocalNetwork
	from string
}

func (t *localTransport) RequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	return call(ctx, t, peer, args, Handler.HandleRequestVote)
}

func (t *localTransport) AppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	return call(ctx, t, peer, args, Handler.HandleAppendEntries)
}

func (t *localTransport) InstallSnapshot(ctx context.Context, peer string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	return call(ctx, t, peer, args, Handler.HandleInstallSnapshot)
}

func call[A, R any](ctx context.Context, t *localTransport, peer string, args *A, fn func(Handler, *A) *R) (*R, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := t.net.route(t.from, peer)
	if err != nil {
		return nil, err
	}
	var in A
	if err := roundTrip(args, &in); err != nil {
		return nil, err
	}
	reply := fn(h, &in)

	// The reply travels back over the same link.
	if _, err := t.net.route(peer, t.from); err != nil {
		return nil, err
	}
	var out R
	if err := roundTrip(reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func roundTrip(src, dst any) error {
	b, err := codec.Marshal(src)
	if err != nil {
		return err
	}
	return codec.Unmarshal(b, dst)
}
