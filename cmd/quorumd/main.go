// Command quorumd runs one broker replica: the consensus node, its peer
// transport, the wire server for workers and clients, and the metrics
// endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/backoff"
	"github.com/xraph/quorum/broker"
	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/cron"
	"github.com/xraph/quorum/ext"
	"github.com/xraph/quorum/observability"
	"github.com/xraph/quorum/raft"
	"github.com/xraph/quorum/store"
	redisstore "github.com/xraph/quorum/store/redis"
	"github.com/xraph/quorum/store/sqlite"
	"github.com/xraph/quorum/transport"
	"github.com/xraph/quorum/wal"
	"github.com/xraph/quorum/wire"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "quorum.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := quorum.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quorumd: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("quorumd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg quorum.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h).With(slog.String("node", cfg.NodeID))
}

func run(ctx context.Context, cfg quorum.Config, logger *slog.Logger) error {
	retry, err := backoff.Parse(cfg.RetryBackoff, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	if err != nil {
		return err
	}

	// ── Storage ─────────────────────────────────────────────

	log, err := wal.Open(filepath.Join(cfg.DataDir, "raft"),
		wal.WithSync(cfg.SyncWrites),
		wal.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer log.Close()

	var archive broker.Archive
	if cfg.ArchivePath != "" {
		a, err := sqlite.Open(ctx, cfg.ArchivePath, sqlite.WithLogger(logger))
		if err != nil {
			return err
		}
		defer a.Close()
		archive = a
	}

	// ── Extensions ──────────────────────────────────────────

	extensions := ext.NewRegistry(logger)
	extensions.Register(observability.NewMetricsExtension())

	// ── Consensus ───────────────────────────────────────────

	st := store.New()
	sm := broker.NewStateMachine(st, extensions, archive, logger)

	peers := transport.NewClient(cfg.Peers, transport.WithClientLogger(logger))
	defer peers.Close()

	node, err := raft.New(raft.Config{
		ID:                 cfg.NodeID,
		Peers:              cfg.Peers,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		SnapshotThreshold:  cfg.SnapshotThreshold,
		Logger:             logger,
	}, log, sm, peers)
	if err != nil {
		return err
	}

	b := broker.New(node, st,
		broker.WithLogger(logger),
		broker.WithBackoff(retry),
		broker.WithLeaseTTL(cfg.LeaseTTL),
		broker.WithProposalTimeout(cfg.ProposalTimeout),
		broker.WithMaintenanceInterval(cfg.MaintenanceInterval),
		broker.WithAbsenceTimeout(cfg.WorkerAbsenceTimeout),
		broker.WithRetention(cfg.Retention),
		broker.WithExtensions(extensions),
		broker.WithArchive(archive),
		broker.WithStaleReads(cfg.StaleReads),
	)
	node.OnLeaderChange(b.LeadershipChanged)

	if cfg.SnapshotRedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.SnapshotRedisAddr})
		defer rdb.Close()
		snapshots := redisstore.New(rdb, redisstore.WithLogger(logger))
		if err := snapshots.Ping(ctx); err != nil {
			return err
		}
		node.OnSnapshot(snapshots.Hook(ctx, cfg.NodeID))
	}

	// ── Schedules ───────────────────────────────────────────

	scheduler := cron.NewScheduler(node.IsLeader, extensions, logger)
	if err := scheduler.Register(cron.Definition{
		Name:     "compaction",
		Schedule: cfg.CompactionSchedule,
		Run:      b.Compact,
	}); err != nil {
		return err
	}

	// ── Serve ───────────────────────────────────────────────

	peerMux := http.NewServeMux()
	peerMux.Handle(transport.Path, transport.NewServer(node, transport.WithServerLogger(logger)))
	peerSrv := &http.Server{Addr: cfg.PeerAddr, Handler: peerMux, ReadHeaderTimeout: 5 * time.Second}

	wireSrv := wire.NewServer(b,
		wire.WithLogger(logger),
		wire.WithRateLimit(cfg.RequestRate, cfg.RequestBurst),
		wire.WithClientAddrs(cfg.ClientAddrs),
	)

	node.Start(ctx)
	b.Start(ctx)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, peerSrv)
	})
	g.Go(func() error {
		return wireSrv.ListenAndServe(gctx, cfg.ListenAddr)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, metricsServer(cfg, b, logger))
		})
	}

	logger.Info("quorumd started",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("peer_addr", cfg.PeerAddr),
		slog.Int("peers", len(cfg.Peers)),
	)
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = scheduler.Stop(shutdownCtx)
	b.Stop(shutdownCtx)
	node.Stop()
	logger.Info("quorumd stopped")
	return err
}

// metricsServer serves Prometheus metrics and a JSON view of the cluster.
func metricsServer(cfg quorum.Config, b *broker.Broker, logger *slog.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(observability.NewCollector(b, logger, prometheus.Labels{"node": cfg.NodeID}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/cluster", func(w http.ResponseWriter, r *http.Request) {
		data, err := codec.JSON{}.Marshal(b.ClusterStatus(r.Context()))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	return &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// serveHTTP runs srv until ctx ends, then shuts it down.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
