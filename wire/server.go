package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/raft"
	"github.com/xraph/quorum/store"
	"github.com/xraph/quorum/task"
)

// Service is the broker API the server exposes. *broker.Broker satisfies
// it.
type Service interface {
	Submit(ctx context.Context, t *task.Task) (*task.Task, error)
	Status(ctx context.Context, tid id.TaskID) (*task.Task, error)
	List(ctx context.Context, f store.Filter) ([]*task.Task, error)
	Cancel(ctx context.Context, tid id.TaskID) (*task.Task, error)
	Retry(ctx context.Context, tid id.TaskID) (*task.Task, error)
	ListWorkers(ctx context.Context) ([]*cluster.Worker, error)
	Stats(ctx context.Context) (store.Stats, error)
	ClusterStatus(ctx context.Context) raft.Status

	RegisterWorker(ctx context.Context, w *cluster.Worker) (*cluster.Worker, error)
	Heartbeat(ctx context.Context, wid id.WorkerID, stats cluster.Stats) (*cluster.Worker, *task.Task, error)
	Claim(ctx context.Context, wid id.WorkerID) (*task.Task, error)
	Complete(ctx context.Context, wid id.WorkerID, tid id.TaskID, result []byte) (*task.Task, error)
	Fail(ctx context.Context, wid id.WorkerID, tid id.TaskID, reason string, permanent bool) (*task.Task, error)
}

// Server accepts worker and client connections and serves each on its own
// goroutine.
type Server struct {
	svc         Service
	logger      *slog.Logger
	conns       *ConnectionManager
	limit       rate.Limit
	burst       int
	idleTimeout time.Duration
	clientAddrs map[string]string

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithRateLimit limits each connection to r requests per second with the
// given burst. Excess requests wait. r <= 0 disables the limit.
func WithRateLimit(r float64, burst int) ServerOption {
	return func(s *Server) {
		if r <= 0 {
			s.limit = rate.Inf
			return
		}
		s.limit, s.burst = rate.Limit(r), max(burst, 1)
	}
}

// WithIdleTimeout closes connections that send nothing for d.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = d }
}

// WithClientAddrs maps replica ids to their wire addresses. Leader hints
// in Nacks are rewritten with them so clients redirect to a wire endpoint
// rather than a replication one.
func WithClientAddrs(addrs map[string]string) ServerOption {
	return func(s *Server) { s.clientAddrs = addrs }
}

// NewServer creates a Server backed by svc.
func NewServer(svc Service, opts ...ServerOption) *Server {
	s := &Server{
		svc:         svc,
		logger:      slog.Default(),
		conns:       NewConnectionManager(),
		limit:       rate.Inf,
		idleTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every open
// connection and waits for their goroutines. It returns nil on a clean
// shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("wire server listening", slog.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.conns.closeAll()
			s.wg.Wait()
			return fmt.Errorf("wire: accept: %w", err)
		}
		c := newConnection(strconv.FormatUint(s.nextID.Add(1), 10), conn, rate.NewLimiter(s.limit, s.burst))
		s.conns.Add(c)
		s.wg.Add(1)
		go s.serve(ctx, c)
	}

	s.conns.closeAll()
	s.wg.Wait()
	s.logger.Info("wire server stopped")
	return nil
}

func (s *Server) serve(ctx context.Context, c *Connection) {
	defer s.wg.Done()
	defer s.conns.Remove(c.ID)
	defer c.conn.Close()

	log := s.logger.With(slog.String("conn_id", c.ID), slog.String("remote", c.Remote))
	log.Debug("wire connection opened")

	r := bufio.NewReader(c.conn)
	w := bufio.NewWriter(c.conn)
	for {
		if s.idleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		req, err := codec.ReadFrame(r)
		if err != nil {
			switch {
			case errors.Is(err, codec.ErrProtocol):
				log.Warn("wire protocol error, closing connection", slog.String("error", err.Error()))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Debug("wire connection closed")
			default:
				log.Debug("wire read failed", slog.String("error", err.Error()))
			}
			return
		}
		c.touch()

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		resp, err := s.dispatch(ctx, req)
		if err != nil {
			log.Warn("wire bad request, closing connection",
				slog.String("type", req.Type.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := codec.WriteFrame(w, resp); err != nil {
			log.Error("wire encode reply", slog.String("error", err.Error()))
			return
		}
		if err := w.Flush(); err != nil {
			log.Debug("wire write failed", slog.String("error", err.Error()))
			return
		}
	}
}

// dispatch serves one request. A returned error is a protocol violation
// that ends the connection; operation failures become Nack frames.
func (s *Server) dispatch(ctx context.Context, req codec.Frame) (codec.Frame, error) {
	switch req.Type {
	case codec.TypeSubmitTask:
		var m SubmitRequest
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		t, err := s.svc.Submit(ctx, m.Task)
		return s.replyTask(t, err)

	case codec.TypeQueryStatus:
		var m TaskRequest
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		t, err := s.svc.Status(ctx, m.TaskID)
		return s.replyTask(t, err)

	case codec.TypeCancelTask:
		var m TaskRequest
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		t, err := s.svc.Cancel(ctx, m.TaskID)
		return s.replyTask(t, err)

	case codec.TypeRetryTask:
		var m TaskRequest
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		t, err := s.svc.Retry(ctx, m.TaskID)
		return s.replyTask(t, err)

	case codec.TypeListTasks:
		var m ListTasksRequest
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		tasks, err := s.svc.List(ctx, store.Filter{Status: m.Status, Type: m.Type, Limit: m.Limit, Offset: m.Offset})
		if err != nil {
			return s.reply(nil, err)
		}
		return s.reply(boundTasks(tasks), nil)

	case codec.TypeListWorkers:
		workers, err := s.svc.ListWorkers(ctx)
		return s.reply(ListWorkersReply{Workers: workers}, err)

	case codec.TypeStats:
		stats, err := s.svc.Stats(ctx)
		return s.reply(stats, err)

	case codec.TypeClusterStatus:
		return s.reply(s.svc.ClusterStatus(ctx), nil)

	case codec.TypeRegisterWorker:
		var m RegisterWorkerRequest
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		w, err := s.svc.RegisterWorker(ctx, m.Worker)
		return s.reply(WorkerReply{Worker: w}, err)

	case codec.TypeHeartbeat:
		var m HeartbeatRequest
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		w, t, err := s.svc.Heartbeat(ctx, m.WorkerID, m.Stats)
		return s.reply(HeartbeatReply{Worker: w, Task: withoutData(t)}, err)

	case codec.TypeClaimTask:
		var m ClaimRequest
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		t, err := s.svc.Claim(ctx, m.WorkerID)
		return s.replyTask(t, err)

	case codec.TypeTaskResult:
		var m TaskResult
		if err := req.Unpack(&m); err != nil {
			return codec.Frame{}, err
		}
		var (
			t   *task.Task
			err error
		)
		if m.Success {
			t, err = s.svc.Complete(ctx, m.WorkerID, m.TaskID, m.Result)
		} else {
			t, err = s.svc.Fail(ctx, m.WorkerID, m.TaskID, m.Error, m.Permanent)
		}
		return s.replyTask(t, err)
	}
	return codec.Frame{}, fmt.Errorf("%w: %s is not a request", codec.ErrUnknownType, req.Type)
}

// replyBudget is the largest Ack payload the server sends. The rest of a
// frame is left for msgpack framing.
const replyBudget = codec.MaxFrameSize - 64<<10

// reply builds an Ack for v, or a Nack for err. An Ack that would not fit
// in a frame becomes a reply_too_large Nack.
func (s *Server) reply(v any, err error) (codec.Frame, error) {
	if err != nil {
		return codec.NewFrame(codec.TypeNack, s.nack(err))
	}
	f, err := codec.NewFrame(codec.TypeAck, v)
	if err != nil {
		return codec.Frame{}, err
	}
	if len(f.Payload) > replyBudget {
		return codec.NewFrame(codec.TypeNack, s.nack(fmt.Errorf("%w: %d bytes", quorum.ErrReplyTooLarge, len(f.Payload))))
	}
	return f, nil
}

// replyTask answers with t, leaving out its payload if the whole task does
// not fit in a frame. A payload and a result can each be close to the frame
// limit.
func (s *Server) replyTask(t *task.Task, err error) (codec.Frame, error) {
	if err != nil || t == nil {
		return s.reply(TaskReply{Task: t}, err)
	}
	f, err := codec.NewFrame(codec.TypeAck, TaskReply{Task: t})
	if err != nil {
		return codec.Frame{}, err
	}
	if len(f.Payload) <= replyBudget {
		return f, nil
	}
	trimmed := t.Clone()
	trimmed.Payload = nil
	return s.reply(TaskReply{Task: trimmed, PayloadOmitted: true}, nil)
}

// boundTasks fits as many tasks as possible into one reply. A task too
// large to fit on its own is sent without payload and result so that a
// listing always makes progress.
func boundTasks(tasks []*task.Task) ListTasksReply {
	var (
		out  ListTasksReply
		used int
	)
	for i, t := range tasks {
		size := encodedSize(t)
		if used+size > replyBudget {
			if len(out.Tasks) > 0 {
				out.Truncated = true
				return out
			}
			t = withoutData(t)
			size = encodedSize(t)
			out.Omitted = append(out.Omitted, t.ID)
			if i < len(tasks)-1 {
				out.Tasks = append(out.Tasks, t)
				out.Truncated = true
				return out
			}
		}
		out.Tasks = append(out.Tasks, t)
		used += size
	}
	return out
}

func encodedSize(t *task.Task) int {
	b, err := codec.Marshal(t)
	if err != nil {
		return replyBudget + 1
	}
	return len(b)
}

// withoutData returns a copy of t with no payload or result.
func withoutData(t *task.Task) *task.Task {
	if t == nil {
		return nil
	}
	c := t.Clone()
	c.Payload, c.Result = nil, nil
	return c
}

func (s *Server) nack(err error) Nack {
	n := Nack{Code: CodeOf(err), Message: err.Error()}
	if hint, ok := quorum.LeaderHint(err); ok {
		n.LeaderID, n.LeaderAddr = hint.LeaderID, hint.LeaderAddr
		if addr, ok := s.clientAddrs[hint.LeaderID]; ok {
			n.LeaderAddr = addr
		}
	}
	if n.Code == CodeInternal {
		s.logger.Error("wire request failed", slog.String("error", err.Error()))
	}
	return n
}
