package wire

import (
	"errors"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/codec"
)

// Nack codes.
const (
	CodeInvalidTask        = "invalid_task"
	CodePayloadTooLarge    = "payload_too_large"
	CodeInvalidPriority    = "invalid_priority"
	CodeInvalidID          = "invalid_id"
	CodeInvalidArgument    = "invalid_argument"
	CodeDependencyFailed   = "dependency_failed"
	CodeDependencyNotFound = "dependency_not_found"
	CodeTaskNotFound       = "task_not_found"
	CodeWorkerNotFound     = "worker_not_found"
	CodeAlreadyExists      = "already_exists"
	CodeInvalidState       = "invalid_state"
	CodeStaleLease         = "stale_lease"
	CodeWorkerBusy         = "worker_busy"
	CodeNoTask             = "no_task"
	CodeNotLeader          = "not_leader"
	CodeUncommitted        = "uncommitted"
	CodeTimeout            = "timeout"
	CodeStorageFailed      = "storage_failed"
	CodeStopped            = "stopped"
	CodeReplyTooLarge      = "reply_too_large"
	CodeProtocol           = "protocol"
	CodeInternal           = "internal"
)

// codes is checked in order, so more specific errors come first.
var codes = []struct {
	code string
	err  error
}{
	{CodeNotLeader, quorum.ErrNotLeader},
	{CodeDependencyNotFound, quorum.ErrDependencyNotFound},
	{CodeDependencyFailed, quorum.ErrDependencyFailed},
	{CodePayloadTooLarge, quorum.ErrPayloadTooLarge},
	{CodeInvalidPriority, quorum.ErrInvalidPriority},
	{CodeInvalidTask, quorum.ErrInvalidTask},
	{CodeInvalidID, quorum.ErrInvalidID},
	{CodeInvalidArgument, quorum.ErrInvalidArgument},
	{CodeTaskNotFound, quorum.ErrTaskNotFound},
	{CodeWorkerNotFound, quorum.ErrWorkerNotFound},
	{CodeAlreadyExists, quorum.ErrTaskAlreadyExists},
	{CodeInvalidState, quorum.ErrInvalidState},
	{CodeStaleLease, quorum.ErrStaleLease},
	{CodeWorkerBusy, quorum.ErrWorkerBusy},
	{CodeNoTask, quorum.ErrNoTaskAvailable},
	{CodeUncommitted, quorum.ErrUncommitted},
	{CodeTimeout, quorum.ErrTimeout},
	{CodeStorageFailed, quorum.ErrStorageFailed},
	{CodeStopped, quorum.ErrStopped},
	{CodeReplyTooLarge, quorum.ErrReplyTooLarge},
	{CodeProtocol, codec.ErrProtocol},
}

// CodeOf returns the Nack code for err.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// RemoteError is a Nack received by a client. It unwraps to the sentinel
// matching its code, so callers test it with errors.Is as they would an
// in-process broker error.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Unwrap returns the sentinel for the code, or nil for unknown codes.
func (e *RemoteError) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

// Err converts a Nack into the error a client returns.
func (n Nack) Err() error {
	if n.Code == CodeNotLeader {
		return &quorum.NotLeaderError{LeaderID: n.LeaderID, LeaderAddr: n.LeaderAddr}
	}
	return &RemoteError{Code: n.Code, Message: n.Message}
}
