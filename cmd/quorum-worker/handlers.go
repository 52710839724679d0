package main

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/worker"
)

// registerBuiltins adds the handlers every quorum-worker serves.
func registerBuiltins(reg *worker.Registry, sleep time.Duration) {
	reg.Register("echo", echo)
	reg.Register("sleep", sleeper(sleep))
	reg.Register("json_processor", processJSON)
}

// echo returns its payload unchanged.
func echo(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

// sleeper waits for d, then echoes the payload. It stops early if the task
// is cancelled.
func sleeper(d time.Duration) worker.HandlerFunc {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// processedJSON is the result of json_processor. KeyCount is set only for
// object payloads.
type processedJSON struct {
	KeyCount *int `json:"key_count,omitempty"`
	Original any  `json:"original"`
}

// processJSON parses a JSON payload and reports it back with the number of
// keys when it is an object. Malformed JSON is a permanent failure.
func processJSON(_ context.Context, payload []byte) ([]byte, error) {
	var doc any
	if err := (codec.JSON{}).Unmarshal(payload, &doc); err != nil {
		return nil, worker.Permanent(fmt.Errorf("invalid JSON: %w", err))
	}
	out := processedJSON{Original: doc}
	if obj, ok := doc.(map[string]any); ok {
		n := len(obj)
		out.KeyCount = &n
	}
	return codec.JSON{}.Marshal(out)
}
