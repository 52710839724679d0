package wire

import (
	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

// SubmitRequest carries a SubmitTask frame.
type SubmitRequest struct {
	Task *task.Task `msgpack:"task"`
}

// TaskRequest names a task. It is the payload of QueryStatus, CancelTask
// and RetryTask frames.
type TaskRequest struct {
	TaskID id.TaskID `msgpack:"task_id"`
}

// TaskReply is the Ack payload of every operation that returns a task.
// PayloadOmitted is set when the task's payload was left out so that the
// reply fits in one frame.
type TaskReply struct {
	Task           *task.Task `msgpack:"task"`
	PayloadOmitted bool       `msgpack:"payload_omitted,omitempty"`
}

// ClaimRequest carries a ClaimTask frame.
type ClaimRequest struct {
	WorkerID id.WorkerID `msgpack:"worker_id"`
}

// TaskResult reports the outcome of an execution. Success selects between
// Complete (Result) and Fail (Error, Permanent).
type TaskResult struct {
	WorkerID  id.WorkerID `msgpack:"worker_id"`
	TaskID    id.TaskID   `msgpack:"task_id"`
	Success   bool        `msgpack:"success"`
	Result    []byte      `msgpack:"result,omitempty"`
	Error     string      `msgpack:"error,omitempty"`
	Permanent bool        `msgpack:"permanent,omitempty"`
}

// HeartbeatRequest carries a Heartbeat frame.
type HeartbeatRequest struct {
	WorkerID id.WorkerID   `msgpack:"worker_id"`
	Stats    cluster.Stats `msgpack:"stats"`
}

// HeartbeatReply tells a worker which task, if any, it still holds. The
// task carries no payload or result.
type HeartbeatReply struct {
	Worker *cluster.Worker `msgpack:"worker"`
	Task   *task.Task      `msgpack:"task,omitempty"`
}

// RegisterWorkerRequest carries a RegisterWorker frame.
type RegisterWorkerRequest struct {
	Worker *cluster.Worker `msgpack:"worker"`
}

// WorkerReply is the Ack payload of RegisterWorker.
type WorkerReply struct {
	Worker *cluster.Worker `msgpack:"worker"`
}

// ListTasksRequest filters a ListTasks query. Zero fields match everything.
type ListTasksRequest struct {
	Status task.Status `msgpack:"status,omitempty"`
	Type   string      `msgpack:"type,omitempty"`
	Limit  int         `msgpack:"limit,omitempty"`
	Offset int         `msgpack:"offset,omitempty"`
}

// ListTasksReply is the Ack payload of ListTasks. A reply is cut short to
// fit in one frame: Truncated means more matching tasks follow the last one
// returned, and Omitted lists tasks sent without payload and result.
type ListTasksReply struct {
	Tasks     []*task.Task `msgpack:"tasks"`
	Truncated bool         `msgpack:"truncated,omitempty"`
	Omitted   []id.TaskID  `msgpack:"omitted,omitempty"`
}

// ListWorkersReply is the Ack payload of ListWorkers.
type ListWorkersReply struct {
	Workers []*cluster.Worker `msgpack:"workers"`
}

// Nack is the payload of a Nack frame.
type Nack struct {
	Code       string `msgpack:"code"`
	Message    string `msgpack:"message"`
	LeaderID   string `msgpack:"leader_id,omitempty"`
	LeaderAddr string `msgpack:"leader_addr,omitempty"`
}
