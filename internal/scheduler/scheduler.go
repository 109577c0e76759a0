// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/metrics"
	"distributed-tasks/internal/task"
	"distributed-tasks/internal/tasklog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the scheduler loop.
type Config struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	// MaxTaskTime is the run time after which a task is asked to stop. Zero disables it.
	MaxTaskTime time.Duration `mapstructure:"max_task_time"`
	// PastTaskTime is the start delay after which a late start is reported.
	PastTaskTime  time.Duration `mapstructure:"past_task_time"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Option customises a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l.With("component", "scheduler") }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithRunLogs enables one log file per run.
func WithRunLogs(files *task.LogFiles) Option {
	return func(s *Scheduler) { s.runLogs = files }
}

func WithTaskLogOptions(opts tasklog.Options) Option {
	return func(s *Scheduler) { s.logOpts = opts }
}

type entryStatus int

const (
	statusWaiting entryStatus = iota
	statusRunning
)

type entry struct {
	task      *task.Task
	enabled   bool
	blocked   bool
	status    entryStatus
	due       time.Time
	startedAt time.Time
	overtime  bool
}

// Scheduler polls its tasks and runs the due ones on goroutines. Every node
// runs its own scheduler; cluster tasks coordinate through their replicated log.
type Scheduler struct {
	cfg     Config
	node    domain.Node
	store   domain.Store
	logOpts tasklog.Options
	runLogs *task.LogFiles
	clock   func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer

	mu          sync.Mutex
	entries     map[string]*entry
	suspended   bool
	running     int
	maintenance *maintenance
	fixes       []fix
	subscribers map[int]chan domain.Notification
	nextSub     int

	wake chan struct{}
	wg   sync.WaitGroup
}

var _ task.Host = (*Scheduler)(nil)

// New creates a scheduler for node. store backs cluster-replicated task logs.
func New(cfg Config, node domain.Node, store domain.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:         cfg.withDefaults(),
		node:        node,
		store:       store,
		clock:       time.Now,
		logger:      slog.Default().With("component", "scheduler"),
		tracer:      otel.Tracer("distributed-tasks-scheduler"),
		entries:     make(map[string]*entry),
		subscribers: make(map[int]chan domain.Notification),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("node_id", node.ID)
	return s
}

func (s *Scheduler) Node() domain.Node       { return s.node }
func (s *Scheduler) Store() domain.Store     { return s.store }
func (s *Scheduler) RunLogs() *task.LogFiles { return s.runLogs }
func (s *Scheduler) Now() time.Time          { return s.clock() }
func (s *Scheduler) Logger() *slog.Logger    { return s.logger }

func (s *Scheduler) TaskLogOptions() tasklog.Options {
	opts := s.logOpts
	opts.Node = s.node
	opts.Clock = s.clock
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return opts
}

// Publish fans a notification out to subscribers without blocking.
func (s *Scheduler) Publish(n domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- n:
		default:
			s.logger.Debug("dropping notification for slow subscriber", "subscriber", id, "task", n.Task)
		}
	}
}

// Subscribe returns a channel of task state changes and a function that ends
// the subscription.
func (s *Scheduler) Subscribe(buffer int) (<-chan domain.Notification, func()) {
	ch := make(chan domain.Notification, buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// AddTask attaches t and starts scheduling it.
func (s *Scheduler) AddTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	if _, ok := s.entries[t.Name()]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTask, t.Name())
	}
	// Reserve the name while attaching outside the lock.
	e := &entry{task: t, enabled: true}
	opts := t.Options()
	e.blocked = opts.BlockingAllowed && opts.BlockedByDefault
	s.entries[t.Name()] = e
	s.mu.Unlock()

	if err := t.AttachTo(ctx, s); err != nil {
		s.mu.Lock()
		delete(s.entries, t.Name())
		s.mu.Unlock()
		return err
	}
	if cluster := t.Cluster(); cluster != nil {
		if err := cluster.StartupClean(ctx); err != nil {
			s.logger.Error("failed to clean task log on startup", "task", t.Name(), "error", err)
			s.queueFix(t.Name(), fixStartupClean)
		}
	}

	next, ok := t.NextRun()
	s.logger.Info("added task to scheduler", "task", t.Name(), "node_local", opts.NodeLocal, "next_run", formatNext(next, ok))
	s.poke()
	return nil
}

// RemoveTask stops a running task, detaches and forgets it.
func (s *Scheduler) RemoveTask(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
		s.endMaintenanceLocked(name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	if e.task.Running() && !e.task.SignalStop(ctx) {
		s.logger.Warn("removed task did not confirm stop", "task", name)
	}
	if err := e.task.Detach(); err != nil {
		return err
	}
	s.logger.Info("removed task from scheduler", "task", name)
	return nil
}

// Task returns the registered task called name.
func (s *Scheduler) Task(name string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Start runs the scheduler loop until ctx is canceled, then stops running
// tasks and waits for them up to the shutdown grace period.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping...")
			s.shutdown()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// tick performs one scheduling round.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock()
	s.runFixes(ctx)
	s.checkOvertime(ctx, now)

	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		return
	}
	due := s.dueEntries(now)
	s.mu.Unlock()

	for _, e := range due {
		if !s.admit(ctx, e, now) {
			continue
		}
		s.start(ctx, e, now)
	}
}

// dueEntries lists waiting entries whose trigger passed, earliest first.
func (s *Scheduler) dueEntries(now time.Time) []*entry {
	var due []*entry
	for _, e := range s.entries {
		if e.status != statusWaiting {
			continue
		}
		next, ok := e.task.NextRun()
		if !ok || next.After(now) {
			continue
		}
		e.due = next
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	return due
}

// admit decides whether e may start now. Skipped triggers are consumed.
func (s *Scheduler) admit(ctx context.Context, e *entry, now time.Time) bool {
	t := e.task
	forced := t.Forced() != nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[t.Name()]; !ok {
		return false
	}
	switch {
	case e.blocked:
		s.logger.Info("skipping run of blocked task", "task", t.Name(), "due", e.due)
		s.skipLocked(e, now)
		return false
	case !e.enabled && !forced:
		s.logger.Debug("skipping run of disabled task", "task", t.Name(), "due", e.due)
		s.skipLocked(e, now)
		return false
	}
	if s.cfg.MaxConcurrent > 0 && s.running >= s.cfg.MaxConcurrent {
		return false
	}
	return s.maintenanceAllowsLocked(e, forced, now)
}

func (s *Scheduler) skipLocked(e *entry, now time.Time) {
	e.task.MarkAsRun(e.due)
	e.task.CalcNextTrigger(now)
}

// start acquires the cluster lock for cluster tasks and dispatches the run.
func (s *Scheduler) start(ctx context.Context, e *entry, now time.Time) {
	t := e.task
	ctx, span := s.tracer.Start(ctx, "scheduler.Dispatch", trace.WithAttributes(
		attribute.String("task.name", t.Name()),
		attribute.String("task.due", e.due.Format(time.RFC3339)),
	))
	defer span.End()

	if cluster := t.Cluster(); cluster != nil {
		d, err := cluster.AcquireLock(ctx, e.due)
		if err != nil {
			s.logger.Error("failed to acquire cluster lock", "task", t.Name(), "error", err)
			span.RecordError(err)
			s.mu.Lock()
			s.endMaintenanceLocked(t.Name())
			s.mu.Unlock()
			return
		}
		if !d.Granted {
			metrics.ClusterLockDeniedTotal.WithLabelValues(t.Name()).Inc()
			runStart := e.due
			if d.Current != nil && d.Current.StartTime.After(runStart) {
				runStart = d.Current.StartTime
			}
			holder := ""
			if d.Holder != nil {
				holder = d.Holder.Node.Name
			}
			s.logger.Info("task is handled by another node", "task", t.Name(), "due", e.due, "holder", holder)
			s.mu.Lock()
			s.endMaintenanceLocked(t.Name())
			t.MarkAsRun(runStart)
			t.CalcNextTrigger(now)
			s.mu.Unlock()
			return
		}
	}

	if s.cfg.PastTaskTime > 0 && now.Sub(e.due) > s.cfg.PastTaskTime {
		s.logger.Warn("task started late", "task", t.Name(), "due", e.due, "delay", now.Sub(e.due))
	}

	s.mu.Lock()
	t.MarkAsRun(now)
	e.status = statusRunning
	e.startedAt = now
	e.overtime = false
	s.running++
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(context.WithoutCancel(ctx), e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	defer s.wg.Done()
	t := e.task
	res, err := t.Run(ctx)
	if err != nil {
		s.logger.Error("task run failed", "task", t.Name(), "error", err)
	} else {
		s.logger.Debug("task run finished", "task", t.Name(), "result", res.Type)
	}
	s.taskDone(ctx, e)
}

// taskDone makes sure the run left a closed result, releases the cluster lock
// and reschedules the task.
func (s *Scheduler) taskDone(ctx context.Context, e *entry) {
	t := e.task
	if err := s.ensureEnded(ctx, t); err != nil {
		s.logger.Error("failed to close task result", "task", t.Name(), "error", err)
		s.queueFix(t.Name(), fixEndResult)
	}
	if cluster := t.Cluster(); cluster != nil {
		if err := cluster.ReleaseLock(ctx); err != nil {
			s.logger.Error("failed to release cluster lock", "task", t.Name(), "error", err)
			s.queueFix(t.Name(), fixReleaseLock)
		}
	}

	now := s.clock()
	s.mu.Lock()
	s.endMaintenanceLocked(t.Name())
	e.status = statusWaiting
	s.running--
	next, ok := t.CalcNextTrigger(now)
	s.mu.Unlock()
	s.logger.Debug("task rescheduled", "task", t.Name(), "next_run", formatNext(next, ok))
	s.poke()
}

// ensureEnded closes a result this node left open.
func (s *Scheduler) ensureEnded(ctx context.Context, t *task.Task) error {
	log := t.Log()
	if log == nil {
		return nil
	}
	state, err := log.State(ctx)
	if err != nil {
		return err
	}
	if !state.Active() {
		return nil
	}
	cur, err := log.CurrentResult(ctx)
	if err != nil {
		return err
	}
	if cur == nil || !cur.Node.Same(s.node) {
		return nil
	}
	return log.TaskEnded(ctx, domain.ResultError, "task ended without result", nil)
}

func (s *Scheduler) checkOvertime(ctx context.Context, now time.Time) {
	if s.cfg.MaxTaskTime <= 0 {
		return
	}
	var late []*entry
	s.mu.Lock()
	for _, e := range s.entries {
		if e.status == statusRunning && !e.overtime && now.Sub(e.startedAt) > s.cfg.MaxTaskTime {
			e.overtime = true
			late = append(late, e)
		}
	}
	s.mu.Unlock()
	for _, e := range late {
		s.logger.Warn("task exceeded maximum run time, signalling stop", "task", e.task.Name(), "max_task_time", s.cfg.MaxTaskTime)
		if !e.task.SignalStop(ctx) {
			s.logger.Error("stop of overtime task not confirmed", "task", e.task.Name())
		}
	}
}

// Suspend stops starting new runs. Running tasks continue.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
	s.logger.Info("scheduler suspended")
}

// Resume restarts scheduling. Triggers missed while suspended are skipped.
func (s *Scheduler) Resume() {
	now := s.clock()
	s.mu.Lock()
	s.suspended = false
	for _, e := range s.entries {
		if e.status == statusWaiting {
			e.task.CalcNextTrigger(now)
		}
	}
	s.mu.Unlock()
	s.logger.Info("scheduler resumed")
	s.poke()
}

func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// shutdown asks running tasks to stop and waits for them up to the grace period.
func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	s.mu.Lock()
	var running []*task.Task
	for _, e := range s.entries {
		if e.status == statusRunning {
			running = append(running, e.task)
		}
	}
	s.mu.Unlock()
	for _, t := range running {
		if !t.SignalStop(ctx) {
			s.logger.Warn("task did not confirm stop on shutdown", "task", t.Name())
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Error("tasks still running after shutdown grace period", "count", len(running))
	}
}

func formatNext(next time.Time, ok bool) string {
	if !ok {
		return "never"
	}
	return next.Format(time.RFC3339)
}
