package quorum

import "github.com/xraph/quorum/id"

// TaskID identifies a task. Clients may supply their own to make submissions
// idempotent.
type TaskID = id.TaskID

// WorkerID identifies a worker process.
type WorkerID = id.WorkerID
