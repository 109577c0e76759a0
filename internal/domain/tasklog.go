package domain

import (
	"context"
	"time"
)

// TaskState is the execution state held by a TaskLog.
type TaskState string

const (
	StateInactive  TaskState = "INACTIVE"
	StateRunning   TaskState = "RUNNING"
	StateCanceling TaskState = "CANCELING"
)

// Active reports whether a run is in progress.
func (s TaskState) Active() bool {
	return s == StateRunning || s == StateCanceling
}

// Notification is pushed to observers on every TaskLog state change.
type Notification struct {
	Task     string      `json:"task"`
	NewState TaskState   `json:"new_state"`
	OldState TaskState   `json:"old_state"`
	Result   *TaskResult `json:"result,omitempty"`
	At       time.Time   `json:"at"`
}

// EventSink receives state-change notifications. Implementations must not block.
type EventSink func(Notification)

// TaskLog holds the execution state of a task and its open and past results.
//
// All mutating operations re-check their precondition, so callers may see
// ErrIllegalState when another actor changed the state in between.
type TaskLog interface {
	State(ctx context.Context) (TaskState, error)
	// CurrentResult is the open result, or the most recent one when no run is active.
	CurrentResult(ctx context.Context) (*TaskResult, error)
	// LastResult is the most recent finished result.
	LastResult(ctx context.Context) (*TaskResult, error)
	// Results lists finished results, newest first.
	Results(ctx context.Context) ([]TaskResult, error)

	TaskStarted(ctx context.Context, start time.Time, logFile string) (*TaskResult, error)
	TaskEnded(ctx context.Context, t ResultType, message string, cause error) error
	TaskCanceling(ctx context.Context) error
	AddWarning(ctx context.Context, text string) error

	SetEventSink(sink EventSink) error
}
