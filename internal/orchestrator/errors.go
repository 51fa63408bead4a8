package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies a workflow failure.
type Kind string

const (
	// KindPrecondition is a request rejected before any state changed.
	KindPrecondition Kind = "precondition"
	// KindTransport is an unreachable or timed out host agent.
	KindTransport Kind = "transport"
	// KindRemote is an answer that reported failure.
	KindRemote Kind = "remote"
	// KindInvariant is persisted state that contradicts the model.
	KindInvariant Kind = "invariant"
	// KindInternal is anything else, including store failures.
	KindInternal Kind = "internal"
)

var (
	ErrVMNotFound           = errors.New("vm not found")
	ErrSnapshotNotFound     = errors.New("vm snapshot not found")
	ErrVMBusy               = errors.New("vm is not running or stopped")
	ErrDuplicateName        = errors.New("vm snapshot name already in use")
	ErrLimitReached         = errors.New("vm snapshot limit reached")
	ErrVolumeSnapshotActive = errors.New("volume snapshot in progress")
	ErrConcurrentOperation  = errors.New("another vm snapshot operation is in progress")
	ErrPolicyDenied         = errors.New("snapshot type not allowed for this vm")
	ErrInvalidSnapshotState = errors.New("vm snapshot is not in a valid state for this operation")
	ErrNoEligibleHost       = errors.New("no eligible host")

	ErrRemoteFailure           = errors.New("host agent reported failure")
	ErrUnexpectedSnapshotCount = errors.New("unexpected number of in-progress vm snapshots")
)

// Error is returned by every Engine operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, KindInternal when it is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func precondition(op string, err error) error { return newError(KindPrecondition, op, err) }
func invariant(op string, err error) error    { return newError(KindInvariant, op, err) }
func internal(op string, err error) error     { return newError(KindInternal, op, err) }
