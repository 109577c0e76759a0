package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/tasklog"
)

// ReleasedLockMessage is the message of results closed by ReleaseClusterLock.
const ReleasedLockMessage = "cluster lock released by administrator"

// ScheduleNow requests a run of name at start, or immediately for a zero start.
// It is rejected while the scheduler is suspended and while the task is
// blocked or running.
func (s *Scheduler) ScheduleNow(ctx context.Context, name string, start time.Time) (time.Time, error) {
	e, err := s.entry(name)
	if err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	suspended, blocked, running := s.suspended, e.blocked, e.status == statusRunning
	s.mu.Unlock()
	switch {
	case suspended:
		return time.Time{}, domain.ErrSchedulerSuspended
	case blocked:
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrTaskBlocked, name)
	case running:
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrTaskRunning, name)
	}
	state, err := e.task.State(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if state.Active() {
		return time.Time{}, fmt.Errorf("%w: %s is %s", domain.ErrTaskRunning, name, state)
	}

	next, err := e.task.ForceRun(start)
	if err != nil {
		return time.Time{}, err
	}
	s.logger.Info("task scheduled manually", "task", name, "start", next, "actor", domain.ActorFrom(ctx))
	s.poke()
	return next, nil
}

// StopTask signals a running task to stop. The boolean reports whether the
// stop was confirmed.
func (s *Scheduler) StopTask(ctx context.Context, name string) (bool, error) {
	e, err := s.entry(name)
	if err != nil {
		return false, err
	}
	state, err := e.task.State(ctx)
	if err != nil {
		return false, err
	}
	if state != domain.StateRunning {
		return false, fmt.Errorf("%w: %s is %s", domain.ErrTaskNotRunning, name, state)
	}
	ok := e.task.SignalStop(ctx)
	s.logger.Info("stop requested", "task", name, "confirmed", ok, "actor", domain.ActorFrom(ctx))
	return ok, nil
}

// ReleaseClusterLock forces the replicated log of name back to INACTIVE after
// the node holding its lock died mid-run.
func (s *Scheduler) ReleaseClusterLock(ctx context.Context, name string) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}
	cluster := e.task.Cluster()
	if cluster == nil {
		return fmt.Errorf("%w: %s", domain.ErrNotClusterTask, name)
	}
	lock, err := cluster.Lock(ctx)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("%w: %s", domain.ErrNoClusterLock, name)
	}
	if err := cluster.ForceInactiveIf(ctx, lock.Node, ReleasedLockMessage); err != nil {
		return err
	}
	s.logger.Warn("cluster lock released", "task", name, "holder", lock.Node.Name, "since", lock.Since, "actor", domain.ActorFrom(ctx))
	return nil
}

// Enable lets the task run on its schedule again.
func (s *Scheduler) Enable(name string) error {
	return s.update(name, func(e *entry) error {
		e.enabled = true
		return nil
	})
}

// Disable keeps the task from running except when scheduled manually.
func (s *Scheduler) Disable(name string) error {
	return s.update(name, func(e *entry) error {
		e.enabled = false
		s.endMaintenanceLocked(e.task.Name())
		return nil
	})
}

// Block skips every run of the task until it is unblocked.
func (s *Scheduler) Block(name string) error {
	return s.update(name, func(e *entry) error {
		if !e.task.Options().BlockingAllowed {
			return fmt.Errorf("%w: %s", domain.ErrBlockingNotAllowed, name)
		}
		e.blocked = true
		s.endMaintenanceLocked(e.task.Name())
		return nil
	})
}

func (s *Scheduler) Unblock(name string) error {
	return s.update(name, func(e *entry) error {
		e.blocked = false
		return nil
	})
}

func (s *Scheduler) entry(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	return e, nil
}

func (s *Scheduler) update(name string, fn func(e *entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	if err := fn(e); err != nil {
		return err
	}
	s.logger.Info("task updated", "task", name, "enabled", e.enabled, "blocked", e.blocked)
	return nil
}

// TaskInfo is a snapshot of a task for dashboards.
type TaskInfo struct {
	Name            string             `json:"name"`
	NodeLocal       bool               `json:"node_local"`
	Enabled         bool               `json:"enabled"`
	Blocked         bool               `json:"blocked"`
	BlockingAllowed bool               `json:"blocking_allowed"`
	RunningHere     bool               `json:"running_here"`
	State           domain.TaskState   `json:"state"`
	NextRun         *time.Time         `json:"next_run,omitempty"`
	LastRun         *time.Time         `json:"last_run,omitempty"`
	ForcedStart     *time.Time         `json:"forced_start,omitempty"`
	Lock            *tasklog.Lock      `json:"lock,omitempty"`
	Current         *domain.TaskResult `json:"current,omitempty"`
}

// Info describes the task called name.
func (s *Scheduler) Info(ctx context.Context, name string) (TaskInfo, error) {
	e, err := s.entry(name)
	if err != nil {
		return TaskInfo{}, err
	}
	return s.info(ctx, e)
}

// Tasks describes all registered tasks ordered by name.
func (s *Scheduler) Tasks(ctx context.Context) ([]TaskInfo, error) {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].task.Name() < entries[j].task.Name() })

	out := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		info, err := s.info(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Scheduler) info(ctx context.Context, e *entry) (TaskInfo, error) {
	t := e.task
	s.mu.Lock()
	info := TaskInfo{
		Name:            t.Name(),
		NodeLocal:       t.NodeLocal(),
		Enabled:         e.enabled,
		Blocked:         e.blocked,
		BlockingAllowed: t.Options().BlockingAllowed,
		RunningHere:     e.status == statusRunning,
	}
	s.mu.Unlock()

	if next, ok := t.NextRun(); ok {
		info.NextRun = &next
	}
	if last := t.LastRun(); !last.IsZero() {
		info.LastRun = &last
	}
	if f := t.Forced(); f != nil {
		info.ForcedStart = &f.Start
	}
	log := t.Log()
	if log == nil {
		info.State = domain.StateInactive
		return info, nil
	}
	var err error
	if info.State, err = log.State(ctx); err != nil {
		return TaskInfo{}, err
	}
	if info.Current, err = log.CurrentResult(ctx); err != nil {
		return TaskInfo{}, err
	}
	if cluster := t.Cluster(); cluster != nil {
		if info.Lock, err = cluster.Lock(ctx); err != nil {
			return TaskInfo{}, err
		}
	}
	return info, nil
}

// Status summarises the scheduler of this node.
type Status struct {
	Node         domain.Node        `json:"node"`
	Suspended    bool               `json:"suspended"`
	Tasks        int                `json:"tasks"`
	Running      int                `json:"running"`
	PendingFixes int                `json:"pending_fixes"`
	Maintenance  *MaintenanceStatus `json:"maintenance,omitempty"`
}

func (s *Scheduler) Status() Status {
	m := s.Maintenance()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Node:         s.node,
		Suspended:    s.suspended,
		Tasks:        len(s.entries),
		Running:      s.running,
		PendingFixes: len(s.fixes),
		Maintenance:  m,
	}
}
