// internal/domain/result.go
package domain

import (
	"time"
)

// ResultType is the outcome of a single task run.
type ResultType string

const (
	ResultNotFinished ResultType = "NOT_FINISHED"
	ResultSuccess     ResultType = "SUCCESS"
	ResultWarning     ResultType = "WARNING"
	ResultError       ResultType = "ERROR"
	ResultFailure     ResultType = "FAILURE"
	ResultCanceled    ResultType = "CANCELED"
)

// Terminal reports whether the result type closes a run.
func (t ResultType) Terminal() bool {
	switch t {
	case ResultSuccess, ResultWarning, ResultError, ResultFailure, ResultCanceled:
		return true
	}
	return false
}

// Problem reports whether the outcome should be counted as a failed run.
func (t ResultType) Problem() bool {
	return t == ResultError || t == ResultFailure
}

// Valid reports whether t is one of the known result types.
func (t ResultType) Valid() bool {
	return t == ResultNotFinished || t.Terminal()
}

// Node identifies a cluster node. ID changes with every process start, Name is stable.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Same reports whether both values denote the same running process.
func (n Node) Same(other Node) bool {
	return n.ID == other.ID && n.Name == other.Name
}

// TaskResult is the record of one task run.
type TaskResult struct {
	ID         string     `json:"id"`
	Task       string     `json:"task"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    time.Time  `json:"end_time"`
	DurationMs int64      `json:"duration_ms"`
	Type       ResultType `json:"result_type"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
	Node       Node       `json:"node"`
	LogFile    string     `json:"log_file,omitempty"`

	// Cause keeps the original error for results that never leave the process.
	Cause error `json:"-"`
}

// NewResult opens a result for a run starting at start on node.
func NewResult(id, task string, start time.Time, node Node, logFile string) *TaskResult {
	return &TaskResult{
		ID:        id,
		Task:      task,
		StartTime: start,
		Type:      ResultNotFinished,
		Node:      node,
		LogFile:   logFile,
	}
}

// Finished reports whether the result carries a terminal outcome.
func (r *TaskResult) Finished() bool {
	return r.Type.Terminal()
}

// Close sets the terminal fields. It is a no-op on an already finished result
// and reports whether anything changed.
func (r *TaskResult) Close(t ResultType, message string, cause error, end time.Time) bool {
	if r.Finished() {
		return false
	}
	r.Type = t
	r.Message = message
	r.EndTime = end
	r.DurationMs = end.Sub(r.StartTime).Milliseconds()
	if cause != nil {
		r.Cause = cause
		r.Error = cause.Error()
	}
	return true
}

// Duration returns the run time of a finished result.
func (r *TaskResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// Clone returns a deep copy.
func (r *TaskResult) Clone() *TaskResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Warnings != nil {
		c.Warnings = append([]string(nil), r.Warnings...)
	}
	return &c
}
