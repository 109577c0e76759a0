package tasklog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"distributed-tasks/internal/domain"
)

// Transient is a TaskLog that lives only in this process. It is used for
// node-local tasks, which need no coordination with other nodes.
type Transient struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	rec  *record
	sink domain.EventSink
}

var _ domain.TaskLog = (*Transient)(nil)

// NewTransient creates an in-process log for task.
func NewTransient(task string, opts Options) *Transient {
	opts = opts.WithDefaults()
	return &Transient{
		opts:   opts,
		logger: opts.Logger.With("component", "tasklog", "task", task),
		rec:    newRecord(task),
	}
}

func (l *Transient) State(context.Context) (domain.TaskState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.State, nil
}

func (l *Transient) CurrentResult(context.Context) (*domain.TaskResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.Current.Clone(), nil
}

func (l *Transient) LastResult(context.Context) (*domain.TaskResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.lastResult(), nil
}

func (l *Transient) Results(context.Context) ([]domain.TaskResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.results(), nil
}

func (l *Transient) TaskStarted(_ context.Context, start time.Time, logFile string) (*domain.TaskResult, error) {
	res := domain.NewResult(l.opts.NewID(), l.rec.Task, start, l.opts.Node, logFile)
	err := l.mutate(func(r *record) error { return r.start(res) })
	if err != nil {
		return nil, err
	}
	return res.Clone(), nil
}

func (l *Transient) TaskEnded(_ context.Context, t domain.ResultType, message string, cause error) error {
	if !t.Terminal() {
		return fmt.Errorf("%w: %s", domain.ErrResultNotTerminal, t)
	}
	return l.mutate(func(r *record) error {
		changed, err := r.end(t, message, cause, l.opts.Clock(), l.opts.Limits)
		if err == nil && !changed {
			l.logger.Warn("task result already ended, keeping it", "result", r.Current.Type, "ignored", t)
		}
		return err
	})
}

func (l *Transient) TaskCanceling(context.Context) error {
	return l.mutate(func(r *record) error { return r.cancel() })
}

func (l *Transient) AddWarning(_ context.Context, text string) error {
	return l.mutate(func(r *record) error { return r.warn(text) })
}

func (l *Transient) SetEventSink(sink domain.EventSink) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sink != nil && l.sink != nil {
		return domain.ErrEventSinkSet
	}
	l.sink = sink
	return nil
}

// mutate applies fn under the lock and notifies the sink of a state change.
func (l *Transient) mutate(fn func(r *record) error) error {
	l.mu.Lock()
	oldState := l.rec.State
	if err := fn(l.rec); err != nil {
		l.mu.Unlock()
		return err
	}
	newState, sink := l.rec.State, l.sink
	var n domain.Notification
	if newState != oldState && sink != nil {
		n = notification(l.rec.Task, oldState, newState, l.rec.Current, l.opts.Clock())
	}
	l.mu.Unlock()

	if newState != oldState && sink != nil {
		sink(n)
	}
	return nil
}
