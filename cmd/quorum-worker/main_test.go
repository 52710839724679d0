package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/broker"
	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/raft"
	"github.com/xraph/quorum/store"
	"github.com/xraph/quorum/task"
	"github.com/xraph/quorum/wal"
	"github.com/xraph/quorum/wire"
	"github.com/xraph/quorum/worker"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuiltinHandlers(t *testing.T) {
	t.Parallel()
	reg := worker.NewRegistry()
	registerBuiltins(reg, 10*time.Millisecond)
	exec := worker.NewExecutor(reg, quietLogger())
	ctx := context.Background()

	out, err := exec.Execute(ctx, task.New("echo", []byte("ping")))
	if err != nil || string(out) != "ping" {
		t.Errorf("echo = %q, %v", out, err)
	}

	start := time.Now()
	out, err = exec.Execute(ctx, task.New("sleep", []byte("z")))
	if err != nil || string(out) != "z" {
		t.Errorf("sleep = %q, %v", out, err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("sleep returned after %s", elapsed)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := sleeper(time.Hour)(cctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled sleep err = %v, want context.Canceled", err)
	}

	out, err = exec.Execute(ctx, task.New("json_processor", []byte(`{"a":1,"b":[2,3]}`)))
	if err != nil {
		t.Fatalf("json_processor: %v", err)
	}
	var got struct {
		KeyCount int            `json:"key_count"`
		Original map[string]any `json:"original"`
	}
	if err := (codec.JSON{}).Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.KeyCount != 2 || got.Original["a"] != float64(1) {
		t.Errorf("json_processor = %s", out)
	}

	out, err = exec.Execute(ctx, task.New("json_processor", []byte(`[1,2]`)))
	if err != nil || strings.Contains(string(out), "key_count") {
		t.Errorf("json_processor on array = %s, %v", out, err)
	}

	_, err = exec.Execute(ctx, task.New("json_processor", []byte(`{oops`)))
	if err == nil || !worker.IsPermanent(err) {
		t.Errorf("malformed JSON err = %v, want a permanent failure", err)
	}
}

// startBroker runs a single-replica broker with a wire endpoint.
func startBroker(t *testing.T) string {
	t.Helper()
	logger := quietLogger()
	st := store.New()
	sm := broker.NewStateMachine(st, nil, nil, logger)
	peers := map[string]string{"n1": "127.0.0.1:0"}
	node, err := raft.New(raft.Config{
		ID:                 "n1",
		Peers:              peers,
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		Logger:             logger,
	}, wal.OpenMemory(), sm, raft.NewLocalNetwork().Transport("n1"))
	if err != nil {
		t.Fatalf("raft.New: %v", err)
	}
	b := broker.New(node, st, broker.WithLogger(logger))
	node.OnLeaderChange(b.LeadershipChanged)

	ctx, cancel := context.WithCancel(context.Background())
	node.Start(ctx)
	b.Start(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := wire.NewServer(b, wire.WithLogger(logger))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Stop(context.Background())
		node.Stop()
	})

	deadline := time.Now().Add(5 * time.Second)
	for !node.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("single replica never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ln.Addr().String()
}

func TestRunServesTasksUntilCancelled(t *testing.T) {
	t.Parallel()
	addr := startBroker(t)

	cfg := quorum.DefaultWorkerConfig()
	cfg.BrokerAddr = addr
	cfg.WorkerID = "test-worker"
	cfg.Concurrency = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, quietLogger()) }()

	client, err := wire.Dial(context.Background(), addr, wire.WithClientLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	submitted, err := client.Submit(context.Background(), task.New("echo", []byte("hello")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := client.Status(context.Background(), submitted.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if got.Status == task.StatusCompleted {
			if string(got.Result) != "hello" {
				t.Errorf("result = %q, want hello", got.Result)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task still %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	workers, err := client.ListWorkers(context.Background())
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	names := make(map[string]bool)
	for _, w := range workers {
		names[w.ID.String()] = true
	}
	if !names["test-worker-1"] || !names["test-worker-2"] {
		t.Errorf("workers = %v, want test-worker-1 and test-worker-2", names)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
