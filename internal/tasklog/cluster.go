package tasklog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/metrics"
	"distributed-tasks/internal/retry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// LogPrefix is where replicated task logs are stored.
	LogPrefix = "/tasks/logs/"
)

// Key returns the store key of the log of task.
func Key(task string) string {
	return path.Join(LogPrefix, task)
}

// TaskFromKey is the inverse of Key.
func TaskFromKey(key string) string {
	return strings.TrimPrefix(key, LogPrefix)
}

// Cluster is a TaskLog replicated through a domain.Store. Every mutation runs
// in its own optimistic transaction, re-checks its precondition against the
// freshly read record and is retried on conflicts.
type Cluster struct {
	task   string
	key    string
	store  domain.Store
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	sink domain.EventSink
}

var _ domain.TaskLog = (*Cluster)(nil)

// NewCluster creates the replicated log of task in store.
func NewCluster(task string, store domain.Store, opts Options) *Cluster {
	opts = opts.WithDefaults()
	return &Cluster{
		task:   task,
		key:    Key(task),
		store:  store,
		opts:   opts,
		logger: opts.Logger.With("component", "tasklog", "task", task),
		tracer: otel.Tracer("distributed-tasks-tasklog"),
	}
}

// Node is the identity this log writes as.
func (l *Cluster) Node() domain.Node {
	return l.opts.Node
}

func (l *Cluster) State(ctx context.Context) (domain.TaskState, error) {
	rec, err := l.load(ctx)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

func (l *Cluster) CurrentResult(ctx context.Context) (*domain.TaskResult, error) {
	rec, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Current, nil
}

func (l *Cluster) LastResult(ctx context.Context) (*domain.TaskResult, error) {
	rec, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return rec.lastResult(), nil
}

func (l *Cluster) Results(ctx context.Context) ([]domain.TaskResult, error) {
	rec, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return rec.History, nil
}

// Lock returns the current cluster lock, or nil.
func (l *Cluster) Lock(ctx context.Context) (*Lock, error) {
	rec, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Lock, nil
}

func (l *Cluster) TaskStarted(ctx context.Context, start time.Time, logFile string) (*domain.TaskResult, error) {
	res := domain.NewResult(l.opts.NewID(), l.task, start, l.opts.Node, logFile)
	err := l.update(ctx, "TaskStarted", func(r *record) (bool, error) {
		if r.Lock != nil && !r.Lock.Node.Same(l.opts.Node) {
			return false, fmt.Errorf("%w: cluster lock of task %s is held by node %s", domain.ErrIllegalState, l.task, r.Lock.Node.Name)
		}
		return true, r.start(res.Clone())
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Cluster) TaskEnded(ctx context.Context, t domain.ResultType, message string, cause error) error {
	if !t.Terminal() {
		return fmt.Errorf("%w: %s", domain.ErrResultNotTerminal, t)
	}
	return l.update(ctx, "TaskEnded", func(r *record) (bool, error) {
		changed, err := r.end(t, message, cause, l.opts.Clock(), l.opts.Limits)
		if err == nil && !changed {
			l.logger.Warn("task result already ended, keeping it", "result", r.Current.Type, "ignored", t)
		}
		return changed, err
	})
}

func (l *Cluster) TaskCanceling(ctx context.Context) error {
	return l.update(ctx, "TaskCanceling", func(r *record) (bool, error) {
		return true, r.cancel()
	})
}

func (l *Cluster) AddWarning(ctx context.Context, text string) error {
	return l.update(ctx, "AddWarning", func(r *record) (bool, error) {
		return true, r.warn(text)
	})
}

func (l *Cluster) SetEventSink(sink domain.EventSink) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sink != nil && l.sink != nil {
		return domain.ErrEventSinkSet
	}
	l.sink = sink
	return nil
}

// LockDecision is the outcome of AcquireLock.
type LockDecision struct {
	Granted bool
	// Holder is the lock that prevented the start, if any.
	Holder *Lock
	// Current is the latest result at decision time.
	Current *domain.TaskResult
}

// AcquireLock grants this node the right to run the task for the trigger due.
// It is denied while another node holds the lock or a run is active, and when
// the latest run already started at or after due, i.e. another node served
// this trigger.
func (l *Cluster) AcquireLock(ctx context.Context, due time.Time) (LockDecision, error) {
	var d LockDecision
	err := l.update(ctx, "AcquireLock", func(r *record) (bool, error) {
		d = LockDecision{Current: r.Current.Clone()}
		if r.Lock != nil && !r.Lock.Node.Same(l.opts.Node) {
			d.Holder = r.Lock
			return false, nil
		}
		if r.State.Active() {
			return false, nil
		}
		if r.Current != nil && !due.IsZero() && !r.Current.StartTime.Before(due) {
			return false, nil
		}
		r.Lock = &Lock{Node: l.opts.Node, Since: l.opts.Clock()}
		d.Granted = true
		return true, nil
	})
	return d, err
}

// ReleaseLock clears the lock if this node holds it.
func (l *Cluster) ReleaseLock(ctx context.Context) error {
	return l.update(ctx, "ReleaseLock", func(r *record) (bool, error) {
		if r.Lock == nil {
			return false, nil
		}
		if !r.Lock.Node.Same(l.opts.Node) {
			l.logger.Warn("cluster lock taken over by another node", "holder", r.Lock.Node.Name)
			return false, nil
		}
		r.Lock = nil
		return true, nil
	})
}

// ForceInactive clears the lock, closes an open result as ERROR with message and
// sets the log INACTIVE, regardless of which node was running it.
func (l *Cluster) ForceInactive(ctx context.Context, message string) error {
	return l.update(ctx, "ForceInactive", func(r *record) (bool, error) {
		return r.forceInactive(message, l.opts.Clock(), l.opts.Limits), nil
	})
}

// ForceInactiveIf is ForceInactive for a task still held by holder, either
// through its lock or, without a lock, through an active run of holder. It
// returns domain.ErrNoClusterLock and changes nothing when the task moved on.
func (l *Cluster) ForceInactiveIf(ctx context.Context, holder domain.Node, message string) error {
	return l.update(ctx, "ForceInactiveIf", func(r *record) (bool, error) {
		if !r.heldBy(holder) {
			return false, fmt.Errorf("%w: %s is no longer held by node %s", domain.ErrNoClusterLock, l.task, holder.Name)
		}
		return r.forceInactive(message, l.opts.Clock(), l.opts.Limits), nil
	})
}

// StartupClean resets a log left behind by a previous incarnation of this node.
func (l *Cluster) StartupClean(ctx context.Context) error {
	return l.update(ctx, "StartupClean", func(r *record) (bool, error) {
		if !l.leftByPreviousIncarnation(r) {
			return false, nil
		}
		l.logger.Warn("resetting task log left running by a previous start of this node")
		return r.forceInactive("node restarted while the task was running", l.opts.Clock(), l.opts.Limits), nil
	})
}

func (l *Cluster) leftByPreviousIncarnation(r *record) bool {
	self := l.opts.Node
	if r.Lock != nil && r.Lock.Node.Name == self.Name && r.Lock.Node.ID != self.ID {
		return true
	}
	return r.State.Active() && r.Current != nil &&
		r.Current.Node.Name == self.Name && r.Current.Node.ID != self.ID
}

// CancelOnce makes a single attempt to flip a RUNNING log to CANCELING. When
// the run executes on this node, onLocal performs the local cancellation inside
// the same transaction and its result is returned. A log that is not RUNNING
// needs no cancellation and yields true.
func (l *Cluster) CancelOnce(ctx context.Context, onLocal func() bool) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "tasklog.cluster.CancelOnce", trace.WithAttributes(attribute.String("task.name", l.task)))
	defer span.End()

	txn := l.store.Begin(ctx)
	r, err := l.read(ctx, txn)
	if err != nil {
		txn.Rollback()
		return false, err
	}
	if r.State != domain.StateRunning {
		txn.Rollback()
		return true, nil
	}

	oldState := r.State
	r.State = domain.StateCanceling
	ok := true
	if r.Current != nil && r.Current.Node.Same(l.opts.Node) {
		ok = onLocal()
	}
	if err := l.write(ctx, txn, r); err != nil {
		if domain.IsConflict(err) {
			metrics.StoreConflictsTotal.WithLabelValues("CancelOnce").Inc()
		}
		span.RecordError(err)
		return false, err
	}
	l.notify(oldState, r)
	return ok, nil
}

// load reads the record outside of a transaction.
func (l *Cluster) load(ctx context.Context) (*record, error) {
	data, found, err := l.store.Get(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read task log %s: %w", l.task, err)
	}
	return l.decode(data, found)
}

func (l *Cluster) read(ctx context.Context, txn domain.Txn) (*record, error) {
	data, found, err := txn.Get(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read task log %s: %w", l.task, err)
	}
	return l.decode(data, found)
}

func (l *Cluster) decode(data []byte, found bool) (*record, error) {
	if !found {
		return newRecord(l.task), nil
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task log %s: %w", l.task, err)
	}
	if r.State == "" {
		r.State = domain.StateInactive
	}
	return &r, nil
}

func (l *Cluster) write(ctx context.Context, txn domain.Txn, r *record) error {
	r.UpdatedAt = l.opts.Clock()
	data, err := json.Marshal(r)
	if err != nil {
		txn.Rollback()
		return fmt.Errorf("failed to marshal task log %s: %w", l.task, err)
	}
	txn.Put(l.key, data)
	return txn.Commit(ctx)
}

type applied struct {
	oldState domain.TaskState
	rec      *record
	changed  bool
}

// update runs fn on a freshly read record inside a transaction and commits the
// result if fn reports a change. Conflicts are retried up to the configured
// number of attempts; giving up is logged and returned as an error.
func (l *Cluster) update(ctx context.Context, op string, fn func(r *record) (bool, error)) error {
	ctx, span := l.tracer.Start(ctx, "tasklog.cluster."+op, trace.WithAttributes(attribute.String("task.name", l.task)))
	defer span.End()

	res := retry.Do(ctx, l.opts.CommitRetries, l.opts.RetryPolicy, func(ctx context.Context, attempt int) (applied, error) {
		txn := l.store.Begin(ctx)
		r, err := l.read(ctx, txn)
		if err != nil {
			txn.Rollback()
			return applied{}, err
		}
		oldState := r.State
		changed, err := fn(r)
		if err != nil || !changed {
			txn.Rollback()
			return applied{oldState: oldState, rec: r}, err
		}
		if err := l.write(ctx, txn, r); err != nil {
			if domain.IsConflict(err) {
				metrics.StoreConflictsTotal.WithLabelValues(op).Inc()
				l.logger.Debug("task log commit conflict", "operation", op, "attempt", attempt)
			}
			return applied{}, err
		}
		return applied{oldState: oldState, rec: r, changed: true}, nil
	}, retry.If(domain.IsConflict))

	span.SetAttributes(attribute.Int("attempts", res.Attempts))
	if !res.Success {
		last := res.Errors[len(res.Errors)-1]
		span.RecordError(last)
		span.SetStatus(codes.Error, op+" failed")
		if !domain.IsConflict(last) && !errors.Is(last, context.Canceled) && !errors.Is(last, context.DeadlineExceeded) {
			return last
		}
		metrics.RetryExhaustedTotal.WithLabelValues(op).Inc()
		l.logger.Error("task log update failed after retries", "operation", op, "attempts", res.Attempts, "error", res.Err())
		return fmt.Errorf("%s on task log %s failed after %d attempts: %w", op, l.task, res.Attempts, res.Err())
	}
	if res.Value.changed {
		l.notify(res.Value.oldState, res.Value.rec)
	}
	return nil
}

func (l *Cluster) notify(oldState domain.TaskState, r *record) {
	if oldState == r.State {
		return
	}
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink(notification(l.task, oldState, r.State, r.Current, l.opts.Clock()))
	}
}
