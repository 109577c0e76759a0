package domain

import "errors"

var (
	// ErrConflict is returned by a Store when a transaction lost against a concurrent writer.
	ErrConflict = errors.New("concurrent modification")

	ErrIllegalState      = errors.New("illegal task state")
	ErrResultNotTerminal = errors.New("result type is not terminal")
	ErrEventSinkSet      = errors.New("event sink already set")

	ErrTaskNotFound       = errors.New("task not found")
	ErrDuplicateTask      = errors.New("task already registered")
	ErrAlreadyAttached    = errors.New("task already attached to a scheduler")
	ErrNotAttached        = errors.New("task is not attached to a scheduler")
	ErrRunInProgress      = errors.New("task run already in progress on this node")
	ErrSchedulerSuspended = errors.New("scheduler is suspended")
	ErrTaskBlocked        = errors.New("task is blocked")
	ErrTaskRunning        = errors.New("task is already running")
	ErrTaskNotRunning     = errors.New("task is not running")
	ErrNotClusterTask     = errors.New("task is node-local and has no cluster lock")
	ErrNoClusterLock      = errors.New("no cluster lock exists")
	ErrBlockingNotAllowed = errors.New("task does not allow blocking")

	ErrResultNotFound    = errors.New("task result not found")
	ErrInvalidDefinition = errors.New("invalid task definition")
)

// IsConflict reports whether err is a concurrent-modification failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
