package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/quorum/backoff"
	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/raft"
)

// ErrBackingOff is returned while a peer that recently failed waits for its
// next dial attempt.
var ErrBackingOff = errors.New("transport: peer backing off")

// Client implements raft.Transport over WebSocket.
type Client struct {
	peers   map[string]string
	logger  *slog.Logger
	backoff backoff.Strategy

	mu    sync.Mutex
	conns map[string]*peerConn
}

type peerConn struct {
	mu       sync.Mutex
	conn     net.Conn
	failures int
	retryAt  time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithReconnect sets the redial backoff.
func WithReconnect(s backoff.Strategy) ClientOption {
	return func(c *Client) { c.backoff = s }
}

// NewClient creates a Client that reaches each peer id at its address
// (host:port).
func NewClient(peers map[string]string, opts ...ClientOption) *Client {
	c := &Client{
		peers:   peers,
		logger:  slog.Default(),
		backoff: backoff.Reconnect(),
		conns:   make(map[string]*peerConn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestVote implements raft.Transport.
func (c *Client) RequestVote(ctx context.Context, peer string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	if err := c.call(ctx, peer, codec.TypeRequestVote, args, codec.TypeVoteReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// AppendEntries implements raft.Transport.
func (c *Client) AppendEntries(ctx context.Context, peer string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	if err := c.call(ctx, peer, codec.TypeAppendEntries, args, codec.TypeAppendReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// InstallSnapshot implements raft.Transport.
func (c *Client) InstallSnapshot(ctx context.Context, peer string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	var reply raft.InstallSnapshotReply
	if err := c.call(ctx, peer, codec.TypeInstallSnapshot, args, codec.TypeSnapshotReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Close drops every peer connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pc := range c.conns {
		pc.mu.Lock()
		pc.drop()
		pc.mu.Unlock()
	}
	return nil
}

func (c *Client) peer(id string) (*peerConn, string, error) {
	addr, ok := c.peers[id]
	if !ok {
		return nil, "", fmt.Errorf("transport: unknown peer %q", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.conns[id]
	if !ok {
		pc = &peerConn{}
		c.conns[id] = pc
	}
	return pc, addr, nil
}

func (c *Client) call(ctx context.Context, peer string, reqType codec.MessageType, args any, replyType codec.MessageType, reply any) error {
	req, err := codec.NewFrame(reqType, args)
	if err != nil {
		return err
	}
	out, err := codec.Encode(req)
	if err != nil {
		return err
	}

	pc, addr, err := c.peer(peer)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.conn == nil {
		if err := c.dial(ctx, peer, addr, pc); err != nil {
			return err
		}
	}

	deadline, _ := ctx.Deadline()
	_ = pc.conn.SetDeadline(deadline)

	if err := wsutil.WriteClientMessage(pc.conn, ws.OpBinary, out); err != nil {
		pc.drop()
		return fmt.Errorf("transport: send %s to %s: %w", reqType, peer, err)
	}
	data, err := wsutil.ReadServerBinary(pc.conn)
	if err != nil {
		pc.drop()
		return fmt.Errorf("transport: read %s from %s: %w", replyType, peer, err)
	}
	resp, err := codec.Decode(data)
	if err != nil {
		pc.drop()
		return err
	}
	if resp.Type != replyType {
		pc.drop()
		return fmt.Errorf("%w: got %s, want %s", codec.ErrProtocol, resp.Type, replyType)
	}
	return resp.Unpack(reply)
}

// dial connects pc. Caller holds pc.mu.
func (c *Client) dial(ctx context.Context, peer, addr string, pc *peerConn) error {
	if now := time.Now(); now.Before(pc.retryAt) {
		return fmt.Errorf("%w: %s for %s", ErrBackingOff, peer, pc.retryAt.Sub(now).Round(time.Millisecond))
	}

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+Path)
	if err != nil {
		pc.failures++
		pc.retryAt = time.Now().Add(c.backoff.Delay(pc.failures))
		c.logger.Debug("transport: dial failed",
			slog.String("peer", peer),
			slog.String("addr", addr),
			slog.Int("failures", pc.failures),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("transport: dial %s: %w", peer, err)
	}
	if br != nil {
		ws.PutReader(br)
	}
	if pc.failures > 0 {
		c.logger.Info("transport: peer reconnected", slog.String("peer", peer), slog.Int("after_failures", pc.failures))
	}
	pc.conn = conn
	pc.failures = 0
	pc.retryAt = time.Time{}
	return nil
}

func (pc *peerConn) drop() {
	if pc.conn != nil {
		_ = pc.conn.Close()
		pc.conn = nil
	}
}
