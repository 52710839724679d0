package cluster

import (
	"slices"
	"time"

	"github.com/xraph/quorum/id"
)

// WorkerState represents the lifecycle state of a worker.
type WorkerState string

const (
	// WorkerActive means the worker is heartbeating.
	WorkerActive WorkerState = "active"
	// WorkerDead means the worker's task lease expired without a heartbeat.
	WorkerDead WorkerState = "dead"
)

// Worker represents a worker process known to the broker.
type Worker struct {
	ID           id.WorkerID `json:"id" msgpack:"id"`
	Address      string      `json:"address" msgpack:"address"`
	Capabilities []string    `json:"capabilities,omitempty" msgpack:"capabilities"`
	State        WorkerState `json:"state" msgpack:"state"`
	CurrentTask  id.TaskID   `json:"current_task,omitempty" msgpack:"current_task"`
	LeaseExpiry  time.Time   `json:"lease_expiry" msgpack:"lease_expiry"`
	LastSeen     time.Time   `json:"last_seen" msgpack:"last_seen"`
	CPUUsage     float64     `json:"cpu_usage" msgpack:"cpu_usage"`
	MemoryUsage  uint64      `json:"memory_usage" msgpack:"memory_usage"`
	RegisteredAt time.Time   `json:"registered_at" msgpack:"registered_at"`
}

// Accepts reports whether the worker can execute tasks of the given type.
func (w *Worker) Accepts(taskType string) bool {
	return len(w.Capabilities) == 0 || slices.Contains(w.Capabilities, taskType)
}

// Busy reports whether the worker holds a task.
func (w *Worker) Busy() bool { return w.CurrentTask != "" }

// Clone returns a deep copy.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	c := *w
	c.Capabilities = slices.Clone(w.Capabilities)
	return &c
}

// Stats is the resource usage a worker reports with each heartbeat.
type Stats struct {
	CPUUsage    float64 `json:"cpu_usage" msgpack:"cpu_usage"`
	MemoryUsage uint64  `json:"memory_usage" msgpack:"memory_usage"`
}
