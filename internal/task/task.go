// Package task binds a schedule, a body and a TaskLog into a unit of work
// that a scheduler can time, run and stop.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/schedule"
	"distributed-tasks/internal/tasklog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Host is what a task needs from the scheduler it is attached to.
type Host interface {
	Node() domain.Node
	// Store backs cluster-replicated task logs.
	Store() domain.Store
	TaskLogOptions() tasklog.Options
	// Publish forwards TaskLog state changes to observers. It must not block.
	Publish(n domain.Notification)
	// RunLogs is the run log sink, or nil when run logs are disabled.
	RunLogs() *LogFiles
	Now() time.Time
	Logger() *slog.Logger
}

// Options describe a task. Name must be unique and, for cluster tasks, stable
// across restarts.
type Options struct {
	Name     string
	Schedule schedule.Algorithm

	// NodeLocal tasks run independently on every node with a transient log.
	NodeLocal bool
	// RunOnStartup=false skips a first trigger that is already due at attach time.
	RunOnStartup bool

	NeedsMaintenanceWindow bool
	MaintenanceDelay       time.Duration
	MaintenanceSafe        bool

	BlockingAllowed  bool
	BlockedByDefault bool

	// StopHook is called when a run executing on this node is asked to stop.
	// It reports whether the body can honour the request.
	StopHook func() bool

	// StopPollInterval is how often a running task checks for stop requests.
	StopPollInterval time.Duration
}

// ForcedRun is a pending administrator request to run at Start.
type ForcedRun struct {
	IssuedAt time.Time
	Start    time.Time
}

// Task is a schedulable unit of work with a TaskLog.
type Task struct {
	opts   Options
	body   Body
	tracer trace.Tracer

	mu       sync.Mutex
	host     Host
	log      domain.TaskLog
	cluster  *tasklog.Cluster
	logger   *slog.Logger
	lastRun  time.Time
	nextRun  time.Time
	hasNext  bool
	forced   *ForcedRun
	stopFlag bool
	cancel   context.CancelFunc

	runMu   sync.Mutex
	running atomic.Bool
}

// New creates a detached task.
func New(opts Options, body Body) (*Task, error) {
	if opts.Name == "" {
		return nil, errors.New("task name cannot be empty")
	}
	if body == nil {
		return nil, fmt.Errorf("task %s has no body", opts.Name)
	}
	if opts.Schedule == nil {
		opts.Schedule = schedule.Never
	}
	if opts.StopPollInterval <= 0 {
		opts.StopPollInterval = time.Second
	}
	return &Task{
		opts:   opts,
		body:   body,
		tracer: otel.Tracer("distributed-tasks-task"),
		logger: slog.Default().With("task", opts.Name),
	}, nil
}

func (t *Task) Name() string { return t.opts.Name }

// Options returns the task description.
func (t *Task) Options() Options { return t.opts }

func (t *Task) NodeLocal() bool { return t.opts.NodeLocal }

// AttachTo binds the task to host and selects its TaskLog: a cluster log for
// persistent tasks, a transient one for node-local tasks.
func (t *Task) AttachTo(ctx context.Context, host Host) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host != nil {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyAttached, t.opts.Name)
	}

	logOpts := host.TaskLogOptions()
	logOpts.Node = host.Node()
	var log domain.TaskLog
	var cluster *tasklog.Cluster
	if t.opts.NodeLocal {
		log = tasklog.NewTransient(t.opts.Name, logOpts)
	} else {
		cluster = tasklog.NewCluster(t.opts.Name, host.Store(), logOpts)
		log = cluster
	}
	if err := log.SetEventSink(host.Publish); err != nil {
		return err
	}

	t.host = host
	t.log = log
	t.cluster = cluster
	t.logger = host.Logger().With("task", t.opts.Name)

	now := host.Now()
	if cluster != nil {
		// Continue from the last run recorded by any node.
		cur, err := cluster.CurrentResult(ctx)
		if err != nil {
			t.logger.Warn("failed to read last run from task log", "error", err)
		} else if cur != nil && cur.StartTime.After(t.lastRun) {
			t.lastRun = cur.StartTime
		}
	}
	if !t.opts.RunOnStartup && now.After(t.lastRun) {
		// Only a trigger that is already due is skipped.
		if next, ok := t.opts.Schedule.Next(now, t.lastRun); ok && !next.After(now) {
			t.lastRun = now
		}
	}
	t.calcLocked(now)
	return nil
}

// Detach unbinds the task from its host.
func (t *Task) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return fmt.Errorf("%w: %s", domain.ErrNotAttached, t.opts.Name)
	}
	_ = t.log.SetEventSink(nil)
	t.host = nil
	t.hasNext = false
	return nil
}

func (t *Task) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.host != nil
}

// Log returns the task log, or nil before the first attach.
func (t *Task) Log() domain.TaskLog {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log
}

// Cluster returns the replicated log, or nil for node-local tasks.
func (t *Task) Cluster() *tasklog.Cluster {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cluster
}

// CalcNextTrigger computes and stores the next trigger at or after notBefore.
// A pending forced run wins over the schedule.
func (t *Task) CalcNextTrigger(notBefore time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calcLocked(notBefore)
}

func (t *Task) calcLocked(notBefore time.Time) (time.Time, bool) {
	if t.forced != nil {
		t.nextRun, t.hasNext = t.forced.Start, true
		return t.nextRun, true
	}
	t.nextRun, t.hasNext = t.opts.Schedule.Next(notBefore, t.lastRun)
	return t.nextRun, t.hasNext
}

// NextRun returns the last computed trigger.
func (t *Task) NextRun() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextRun, t.hasNext
}

func (t *Task) LastRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun
}

// Forced returns the pending forced run, if any.
func (t *Task) Forced() *ForcedRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forced == nil {
		return nil
	}
	f := *t.forced
	return &f
}

// MarkAsRun records a run that started at runStart. A forced run issued at or
// before runStart is satisfied by it and dropped.
func (t *Task) MarkAsRun(runStart time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if runStart.After(t.lastRun) {
		t.lastRun = runStart
	}
	if t.forced != nil && !t.forced.IssuedAt.After(runStart) {
		t.forced = nil
	}
}

// ForceRun requests a run at start, replacing any earlier request, and
// recomputes the next trigger.
func (t *Task) ForceRun(start time.Time) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrNotAttached, t.opts.Name)
	}
	now := t.host.Now()
	if start.IsZero() {
		start = now
	}
	t.forced = &ForcedRun{IssuedAt: now, Start: start}
	next, _ := t.calcLocked(now)
	return next, nil
}

// Running reports whether Run is executing on this node.
func (t *Task) Running() bool {
	return t.running.Load()
}

// State reads the TaskLog state.
func (t *Task) State(ctx context.Context) (domain.TaskState, error) {
	log := t.Log()
	if log == nil {
		return domain.StateInactive, nil
	}
	return log.State(ctx)
}
