package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/raft"
)

// Server answers peer RPCs for one replica.
type Server struct {
	handler     raft.Handler
	logger      *slog.Logger
	idleTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithIdleTimeout closes peer connections that stay silent this long.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = d }
}

// NewServer creates a Server dispatching to h.
func NewServer(h raft.Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler:     h,
		logger:      slog.Default(),
		idleTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request to a WebSocket and serves RPCs on it until
// the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("transport: upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()
	s.serve(conn)
}

func (s *Server) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) {
				s.logger.Debug("transport: read failed",
					slog.String("remote", remote),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if op != ws.OpBinary {
			s.logger.Warn("transport: dropping non-binary message", slog.String("remote", remote))
			return
		}

		req, err := codec.Decode(data)
		if err != nil {
			s.logger.Warn("transport: bad frame", slog.String("remote", remote), slog.String("error", err.Error()))
			return
		}
		resp, err := s.dispatch(req)
		if err != nil {
			s.logger.Warn("transport: bad request", slog.String("remote", remote), slog.String("error", err.Error()))
			return
		}
		out, err := codec.Encode(resp)
		if err != nil {
			s.logger.Error("transport: encode reply", slog.String("error", err.Error()))
			return
		}
		if err := wsutil.WriteServerMessage(conn, ws.OpBinary, out); err != nil {
			s.logger.Debug("transport: write failed", slog.String("remote", remote), slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) dispatch(req codec.Frame) (codec.Frame, error) {
	switch req.Type {
	case codec.TypeRequestVote:
		var args raft.RequestVoteArgs
		if err := req.Unpack(&args); err != nil {
			return codec.Frame{}, err
		}
		return codec.NewFrame(codec.TypeVoteReply, s.handler.HandleRequestVote(&args))

	case codec.TypeAppendEntries:
		var args raft.AppendEntriesArgs
		if err := req.Unpack(&args); err != nil {
			return codec.Frame{}, err
		}
		return codec.NewFrame(codec.TypeAppendReply, s.handler.HandleAppendEntries(&args))

	case codec.TypeInstallSnapshot:
		var args raft.InstallSnapshotArgs
		if err := req.Unpack(&args); err != nil {
			return codec.Frame{}, err
		}
		return codec.NewFrame(codec.TypeSnapshotReply, s.handler.HandleInstallSnapshot(&args))
	}
	return codec.Frame{}, fmt.Errorf("%w: %s is not a peer request", codec.ErrUnknownType, req.Type)
}
