// Command quorum-worker connects to a broker and runs tasks with the
// built-in echo, sleep and json_processor handlers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/middleware"
	"github.com/xraph/quorum/wire"
	"github.com/xraph/quorum/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	brokerAddr := flag.String("broker", "", "broker wire address (overrides the config file)")
	workerID := flag.String("id", "", "stable worker id (overrides the config file)")
	concurrency := flag.Int("concurrency", 0, "tasks run at once (overrides the config file)")
	flag.Parse()

	cfg, err := quorum.LoadWorkerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quorum-worker: %v\n", err)
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "broker":
			cfg.BrokerAddr = *brokerAddr
		case "id":
			cfg.WorkerID = *workerID
		case "concurrency":
			cfg.Concurrency = *concurrency
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "quorum-worker: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("quorum-worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg quorum.WorkerConfig) *slog.Logger {
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
	return slog.New(h)
}

func run(ctx context.Context, cfg quorum.WorkerConfig, logger *slog.Logger) error {
	client, err := wire.Dial(ctx, cfg.BrokerAddr,
		wire.WithClientLogger(logger),
		wire.WithRequestTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := worker.NewRegistry()
	registerBuiltins(reg, cfg.SleepDuration)

	executor := worker.NewExecutor(reg, logger,
		middleware.Recover(logger),
		middleware.Logging(logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Timeout(logger),
	)
	pool := worker.NewPool(client, executor, logger,
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
		worker.WithReportTimeout(cfg.RequestTimeout),
		worker.WithAddress(cfg.Address),
		worker.WithWorkerID(id.WorkerID(cfg.WorkerID)),
	)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	logger.Info("quorum-worker started",
		slog.String("broker", cfg.BrokerAddr),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Any("task_types", reg.Types()),
	)

	<-ctx.Done()
	logger.Info("quorum-worker stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return pool.Stop(stopCtx)
}
