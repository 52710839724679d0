package quorum

import (
	"errors"
	"fmt"
)

var (
	// Validation errors. Returned before a command is proposed.
	ErrInvalidTask      = errors.New("quorum: invalid task")
	ErrPayloadTooLarge  = errors.New("quorum: payload too large")
	ErrInvalidPriority  = errors.New("quorum: invalid priority")
	ErrInvalidID        = errors.New("quorum: invalid id")
	ErrInvalidArgument  = errors.New("quorum: invalid argument")
	ErrUnknownTaskType  = errors.New("quorum: no handler for task type")
	ErrDependencyFailed = errors.New("quorum: dependency failed")

	// Not found errors.
	ErrTaskNotFound       = errors.New("quorum: task not found")
	ErrWorkerNotFound     = errors.New("quorum: worker not found")
	ErrDependencyNotFound = errors.New("quorum: dependency not found")

	// Conflict errors.
	ErrTaskAlreadyExists = errors.New("quorum: task already exists")

	// State errors. Apply-time rejections leave replicated state untouched.
	ErrInvalidState       = errors.New("quorum: invalid state transition")
	ErrStaleLease         = errors.New("quorum: lease not held")
	ErrWorkerBusy         = errors.New("quorum: worker already holds a task")
	ErrNoTaskAvailable    = errors.New("quorum: no task available")
	ErrMaxRetriesExceeded = errors.New("quorum: max retries exceeded")

	// Consensus errors.
	ErrNotLeader     = errors.New("quorum: not the leader")
	ErrUncommitted   = errors.New("quorum: proposal not committed")
	ErrTimeout       = errors.New("quorum: timed out waiting for commit")
	ErrStorageFailed = errors.New("quorum: storage failed")
	ErrStopped       = errors.New("quorum: node stopped")

	// ErrReplyTooLarge is returned when a reply cannot fit in one frame
	// even after optional fields are left out.
	ErrReplyTooLarge = errors.New("quorum: reply too large")
)

// NotLeaderError is returned when a write reaches a replica that is not the
// current leader. LeaderID and LeaderAddr are empty when no leader is known.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return ErrNotLeader.Error() + " (leader unknown)"
	}
	return fmt.Sprintf("%s (leader %s at %s)", ErrNotLeader, e.LeaderID, e.LeaderAddr)
}

// Is reports whether target is ErrNotLeader.
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// LeaderHint extracts the redirect hint from err. The second result is
// false if err does not carry one.
func LeaderHint(err error) (*NotLeaderError, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle, true
	}
	return nil, false
}
