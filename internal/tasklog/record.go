// Package tasklog holds the execution state of tasks, either in process or
// replicated through a shared transactional store.
package tasklog

import (
	"fmt"
	"log/slog"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/retry"

	"github.com/google/uuid"
)

// Limits bounds the finished results kept per task.
type Limits struct {
	MaxFailures  int `mapstructure:"max_failures"`
	MaxSuccesses int `mapstructure:"max_successes"`
}

// DefaultLimits keeps ten problem results and ten other results.
var DefaultLimits = Limits{MaxFailures: 10, MaxSuccesses: 10}

// Options configures both log variants. Retry settings only apply to cluster logs.
type Options struct {
	Node          domain.Node
	Limits        Limits
	CommitRetries int
	RetryPolicy   retry.Policy
	Clock         func() time.Time
	Logger        *slog.Logger
	NewID         func() string
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Limits.MaxFailures <= 0 && o.Limits.MaxSuccesses <= 0 {
		o.Limits = DefaultLimits
	}
	if o.CommitRetries <= 0 {
		o.CommitRetries = 5
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = retry.Exponential(50*time.Millisecond, 2*time.Second)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Lock records which node holds the right to run a cluster task.
type Lock struct {
	Node  domain.Node `json:"node"`
	Since time.Time   `json:"since"`
}

// record is the complete state of one task log. Current is the open result
// while a run is active and the latest result otherwise. History holds
// finished results, newest first.
type record struct {
	Task      string              `json:"task"`
	State     domain.TaskState    `json:"state"`
	Lock      *Lock               `json:"lock,omitempty"`
	Current   *domain.TaskResult  `json:"current,omitempty"`
	History   []domain.TaskResult `json:"history,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func newRecord(task string) *record {
	return &record{Task: task, State: domain.StateInactive}
}

func (r *record) start(res *domain.TaskResult) error {
	if r.State != domain.StateInactive {
		return fmt.Errorf("%w: cannot start task %s in state %s", domain.ErrIllegalState, r.Task, r.State)
	}
	r.Current = res
	r.State = domain.StateRunning
	return nil
}

// end closes the open result. It reports false without error when the result
// was already closed.
func (r *record) end(t domain.ResultType, message string, cause error, now time.Time, limits Limits) (bool, error) {
	if r.Current == nil {
		return false, fmt.Errorf("%w: task %s has no result to end", domain.ErrIllegalState, r.Task)
	}
	if !r.Current.Close(t, message, cause, now) {
		return false, nil
	}
	r.State = domain.StateInactive
	r.pushHistory(*r.Current, limits)
	return true, nil
}

func (r *record) cancel() error {
	if r.State != domain.StateRunning {
		return fmt.Errorf("%w: cannot cancel task %s in state %s", domain.ErrIllegalState, r.Task, r.State)
	}
	r.State = domain.StateCanceling
	return nil
}

func (r *record) warn(text string) error {
	if !r.State.Active() || r.Current == nil || r.Current.Finished() {
		return fmt.Errorf("%w: cannot add warning to task %s in state %s", domain.ErrIllegalState, r.Task, r.State)
	}
	r.Current.Warnings = append(r.Current.Warnings, text)
	return nil
}

// heldBy reports whether node holds the lock, or runs the task while no lock is set.
func (r *record) heldBy(node domain.Node) bool {
	if r.Lock != nil {
		return r.Lock.Node.Same(node)
	}
	return r.State.Active() && r.Current != nil && r.Current.Node.Same(node)
}

// forceInactive clears the lock, closes an open result as ERROR and resets the state.
func (r *record) forceInactive(message string, now time.Time, limits Limits) bool {
	changed := false
	if r.Lock != nil {
		r.Lock = nil
		changed = true
	}
	if r.Current != nil && !r.Current.Finished() {
		r.Current.Close(domain.ResultError, message, nil, now)
		r.pushHistory(*r.Current, limits)
		changed = true
	}
	if r.State != domain.StateInactive {
		r.State = domain.StateInactive
		changed = true
	}
	return changed
}

func (r *record) lastResult() *domain.TaskResult {
	if len(r.History) == 0 {
		return nil
	}
	return r.History[0].Clone()
}

func (r *record) results() []domain.TaskResult {
	out := make([]domain.TaskResult, 0, len(r.History))
	for i := range r.History {
		out = append(out, *r.History[i].Clone())
	}
	return out
}

func (r *record) pushHistory(res domain.TaskResult, limits Limits) {
	res.Cause = nil
	r.History = shrink(append([]domain.TaskResult{*res.Clone()}, r.History...), limits)
}

// shrink keeps the newest MaxFailures problem results and the newest MaxSuccesses others.
func shrink(history []domain.TaskResult, limits Limits) []domain.TaskResult {
	out := make([]domain.TaskResult, 0, len(history))
	failures, others := 0, 0
	for _, res := range history {
		if res.Type.Problem() {
			if failures >= limits.MaxFailures {
				continue
			}
			failures++
		} else {
			if others >= limits.MaxSuccesses {
				continue
			}
			others++
		}
		out = append(out, res)
	}
	return out
}

func notification(task string, oldState, newState domain.TaskState, res *domain.TaskResult, at time.Time) domain.Notification {
	return domain.Notification{
		Task:     task,
		OldState: oldState,
		NewState: newState,
		Result:   res.Clone(),
		At:       at,
	}
}
