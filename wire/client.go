package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/raft"
	"github.com/xraph/quorum/store"
	"github.com/xraph/quorum/task"
	"github.com/xraph/quorum/worker"
)

var _ worker.Broker = (*Client)(nil)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("wire: client closed")

// Client is a connection to a broker replica. Calls are serialised over a
// single connection. Writes that reach a follower are retried once against
// the leader it names.
type Client struct {
	addr           string
	logger         *slog.Logger
	dialTimeout    time.Duration
	requestTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	closed bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithRequestTimeout bounds calls whose context has no deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// Dial connects to the replica at addr.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:           addr,
		logger:         slog.Default(),
		dialTimeout:    5 * time.Second,
		requestTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr returns the address of the replica the client talks to.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.drop()
}

// connect dials c.addr. The caller holds c.mu.
func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", c.addr, err)
	}
	c.conn, c.r, c.w = conn, bufio.NewReader(conn), bufio.NewWriter(conn)
	return nil
}

// drop closes the current connection. The caller holds c.mu.
func (c *Client) drop() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r, c.w = nil, nil, nil
	return err
}

// call sends one request and decodes the Ack into reply. A NotLeader Nack
// with a known leader address moves the client to that replica and retries
// once.
func (c *Client) call(ctx context.Context, t codec.MessageType, req, reply any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.roundTrip(ctx, t, req, reply)
	hint, ok := quorum.LeaderHint(err)
	if !ok || hint.LeaderAddr == "" || hint.LeaderAddr == c.addr {
		return err
	}
	c.logger.Debug("wire following leader hint",
		slog.String("from", c.addr),
		slog.String("leader_id", hint.LeaderID),
		slog.String("leader_addr", hint.LeaderAddr),
	)
	_ = c.drop()
	c.addr = hint.LeaderAddr
	return c.roundTrip(ctx, t, req, reply)
}

// roundTrip writes a request and reads its reply. The caller holds c.mu.
// Any transport failure drops the connection so the next call redials.
func (c *Client) roundTrip(ctx context.Context, t codec.MessageType, req, reply any) error {
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return err
		}
	}

	frame, err := codec.NewFrame(t, req)
	if err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := codec.WriteFrame(c.w, frame); err != nil {
		_ = c.drop()
		return c.transportErr(ctx, "write", err)
	}
	if err := c.w.Flush(); err != nil {
		_ = c.drop()
		return c.transportErr(ctx, "write", err)
	}
	resp, err := codec.ReadFrame(c.r)
	if err != nil {
		_ = c.drop()
		return c.transportErr(ctx, "read", err)
	}

	switch resp.Type {
	case codec.TypeAck:
		if reply == nil || len(resp.Payload) == 0 {
			return nil
		}
		return resp.Unpack(reply)
	case codec.TypeNack:
		var n Nack
		if err := resp.Unpack(&n); err != nil {
			return err
		}
		return n.Err()
	}
	_ = c.drop()
	return fmt.Errorf("%w: unexpected %s reply", codec.ErrProtocol, resp.Type)
}

func (c *Client) transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("wire: %s %s: %w", op, c.addr, quorum.ErrTimeout)
	}
	return fmt.Errorf("wire: %s %s: %w", op, c.addr, err)
}

// ──────────────────────────────────────────────────
// Client operations
// ──────────────────────────────────────────────────

// Submit submits a task. Resubmitting a known id returns the stored task
// together with quorum.ErrTaskAlreadyExists.
func (c *Client) Submit(ctx context.Context, t *task.Task) (*task.Task, error) {
	var reply TaskReply
	err := c.call(ctx, codec.TypeSubmitTask, SubmitRequest{Task: t}, &reply)
	if errors.Is(err, quorum.ErrTaskAlreadyExists) && t != nil && t.ID != "" {
		if existing, serr := c.Status(ctx, t.ID); serr == nil {
			return existing, err
		}
	}
	return reply.Task, err
}

// Status returns a task by id.
func (c *Client) Status(ctx context.Context, tid id.TaskID) (*task.Task, error) {
	var reply TaskReply
	err := c.call(ctx, codec.TypeQueryStatus, TaskRequest{TaskID: tid}, &reply)
	return reply.Task, err
}

// Cancel cancels a task that has not finished.
func (c *Client) Cancel(ctx context.Context, tid id.TaskID) (*task.Task, error) {
	var reply TaskReply
	err := c.call(ctx, codec.TypeCancelTask, TaskRequest{TaskID: tid}, &reply)
	return reply.Task, err
}

// Retry requeues a dead-lettered or failed task with a fresh retry budget.
func (c *Client) Retry(ctx context.Context, tid id.TaskID) (*task.Task, error) {
	var reply TaskReply
	err := c.call(ctx, codec.TypeRetryTask, TaskRequest{TaskID: tid}, &reply)
	return reply.Task, err
}

// List returns tasks matching f, fetching as many pages as the server needs
// to stay within its frame limit. Tasks too large for a frame of their own
// come back without payload and result.
func (c *Client) List(ctx context.Context, f store.Filter) ([]*task.Task, error) {
	var out []*task.Task
	for {
		page, err := c.ListPage(ctx, f)
		if err != nil {
			return out, err
		}
		out = append(out, page.Tasks...)
		if !page.Truncated || len(page.Tasks) == 0 {
			return out, nil
		}
		f.Offset += len(page.Tasks)
		if f.Limit > 0 {
			f.Limit -= len(page.Tasks)
			if f.Limit <= 0 {
				return out, nil
			}
		}
	}
}

// ListPage returns one reply's worth of tasks matching f.
func (c *Client) ListPage(ctx context.Context, f store.Filter) (ListTasksReply, error) {
	var reply ListTasksReply
	err := c.call(ctx, codec.TypeListTasks, ListTasksRequest{
		Status: f.Status, Type: f.Type, Limit: f.Limit, Offset: f.Offset,
	}, &reply)
	return reply, err
}

// ListWorkers returns every registered worker.
func (c *Client) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	var reply ListWorkersReply
	err := c.call(ctx, codec.TypeListWorkers, nil, &reply)
	return reply.Workers, err
}

// Stats returns task and worker counts.
func (c *Client) Stats(ctx context.Context) (store.Stats, error) {
	var reply store.Stats
	err := c.call(ctx, codec.TypeStats, nil, &reply)
	return reply, err
}

// ClusterStatus returns the replica's view of the cluster.
func (c *Client) ClusterStatus(ctx context.Context) (raft.Status, error) {
	var reply raft.Status
	err := c.call(ctx, codec.TypeClusterStatus, nil, &reply)
	return reply, err
}

// ──────────────────────────────────────────────────
// Worker operations
// ──────────────────────────────────────────────────

// RegisterWorker registers w and returns the stored record.
func (c *Client) RegisterWorker(ctx context.Context, w *cluster.Worker) (*cluster.Worker, error) {
	var reply WorkerReply
	err := c.call(ctx, codec.TypeRegisterWorker, RegisterWorkerRequest{Worker: w}, &reply)
	return reply.Worker, err
}

// Heartbeat reports liveness and returns the task the worker still holds.
func (c *Client) Heartbeat(ctx context.Context, wid id.WorkerID, stats cluster.Stats) (*cluster.Worker, *task.Task, error) {
	var reply HeartbeatReply
	err := c.call(ctx, codec.TypeHeartbeat, HeartbeatRequest{WorkerID: wid, Stats: stats}, &reply)
	return reply.Worker, reply.Task, err
}

// Claim leases the next task the worker can run.
func (c *Client) Claim(ctx context.Context, wid id.WorkerID) (*task.Task, error) {
	var reply TaskReply
	err := c.call(ctx, codec.TypeClaimTask, ClaimRequest{WorkerID: wid}, &reply)
	return reply.Task, err
}

// Complete reports a successful execution.
func (c *Client) Complete(ctx context.Context, wid id.WorkerID, tid id.TaskID, result []byte) (*task.Task, error) {
	var reply TaskReply
	err := c.call(ctx, codec.TypeTaskResult, TaskResult{
		WorkerID: wid, TaskID: tid, Success: true, Result: result,
	}, &reply)
	return reply.Task, err
}

// Fail reports a failed execution.
func (c *Client) Fail(ctx context.Context, wid id.WorkerID, tid id.TaskID, reason string, permanent bool) (*task.Task, error) {
	var reply TaskReply
	err := c.call(ctx, codec.TypeTaskResult, TaskResult{
		WorkerID: wid, TaskID: tid, Error: reason, Permanent: permanent,
	}, &reply)
	return reply.Task, err
}
