package store

import (
	"fmt"
	"time"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

// Kind names a replicated command.
type Kind uint8

const (
	KindSubmit Kind = iota + 1
	KindClaim
	KindHeartbeat
	KindComplete
	KindFail
	KindRequeue
	KindCancel
	KindRegisterWorker
	KindRemoveWorker
	KindExpireLease
	KindCompact
)

var kindNames = map[Kind]string{
	KindSubmit:         "SubmitTask",
	KindClaim:          "ClaimTask",
	KindHeartbeat:      "Heartbeat",
	KindComplete:       "CompleteTask",
	KindFail:           "FailTask",
	KindRequeue:        "RequeueTask",
	KindCancel:         "CancelTask",
	KindRegisterWorker: "RegisterWorker",
	KindRemoveWorker:   "RemoveWorker",
	KindExpireLease:    "ExpireLease",
	KindCompact:        "Compact",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Command is one state machine operation. Only the fields relevant to Kind
// are set.
type Command struct {
	Kind Kind `msgpack:"kind"`

	// At is the leader's clock when the command was proposed. Apply uses
	// it as "now".
	At time.Time `msgpack:"at"`

	Task     *task.Task      `msgpack:"task,omitempty"`
	TaskID   id.TaskID       `msgpack:"task_id,omitempty"`
	WorkerID id.WorkerID     `msgpack:"worker_id,omitempty"`
	Worker   *cluster.Worker `msgpack:"worker,omitempty"`

	// LeaseTTL is granted on claim and heartbeat.
	LeaseTTL time.Duration `msgpack:"lease_ttl,omitempty"`
	Stats    cluster.Stats `msgpack:"stats"`

	Result []byte `msgpack:"result,omitempty"`
	Error  string `msgpack:"error,omitempty"`

	// RetryAt is when a failed task becomes pending again. The leader
	// computes it from its backoff policy.
	RetryAt time.Time `msgpack:"retry_at"`

	// Permanent marks a failure that must not be retried.
	Permanent bool `msgpack:"permanent,omitempty"`

	// ResetRetries makes a requeue start the retry budget over. Used by
	// manual retries of dead-lettered or cancelled tasks.
	ResetRetries bool `msgpack:"reset_retries,omitempty"`

	// Before bounds retention compaction: terminal tasks last updated
	// before it are removed.
	Before time.Time `msgpack:"before"`
}

// Encode serializes the command for the log.
func (c Command) Encode() ([]byte, error) {
	b, err := codec.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Kind, err)
	}
	return b, nil
}

// DecodeCommand parses a command read from the log.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := codec.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if _, ok := kindNames[c.Kind]; !ok {
		return Command{}, fmt.Errorf("decode command: unknown kind %d", c.Kind)
	}
	return c, nil
}
