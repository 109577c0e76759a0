package scheduler

import (
	"context"
	"errors"
)

type fixKind string

const (
	fixEndResult    fixKind = "end_result"
	fixReleaseLock  fixKind = "release_lock"
	fixStartupClean fixKind = "startup_clean"
)

// fix is a task log repair that failed and is retried on every tick.
type fix struct {
	task     string
	kind     fixKind
	attempts int
}

func (s *Scheduler) queueFix(task string, kind fixKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fixes {
		if f.task == task && f.kind == kind {
			return
		}
	}
	s.fixes = append(s.fixes, fix{task: task, kind: kind})
}

// PendingFixes returns the number of queued repairs.
func (s *Scheduler) PendingFixes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fixes)
}

func (s *Scheduler) runFixes(ctx context.Context) {
	s.mu.Lock()
	pending := s.fixes
	s.fixes = nil
	s.mu.Unlock()

	var failed []fix
	for _, f := range pending {
		err := s.applyFix(ctx, f)
		if err == nil {
			s.logger.Info("task log repaired", "task", f.task, "fix", f.kind, "attempts", f.attempts+1)
			continue
		}
		if errors.Is(err, errFixObsolete) {
			continue
		}
		f.attempts++
		s.logger.Warn("task log repair failed", "task", f.task, "fix", f.kind, "attempts", f.attempts, "error", err)
		failed = append(failed, f)
	}

	s.mu.Lock()
	s.fixes = append(failed, s.fixes...)
	s.mu.Unlock()
}

var errFixObsolete = errors.New("fix no longer applies")

func (s *Scheduler) applyFix(ctx context.Context, f fix) error {
	t, ok := s.Task(f.task)
	if !ok {
		return errFixObsolete
	}
	cluster := t.Cluster()
	switch f.kind {
	case fixEndResult:
		if t.Running() {
			return errFixObsolete
		}
		return s.ensureEnded(ctx, t)
	case fixReleaseLock:
		if cluster == nil || t.Running() {
			return errFixObsolete
		}
		return cluster.ReleaseLock(ctx)
	case fixStartupClean:
		if cluster == nil {
			return errFixObsolete
		}
		return cluster.StartupClean(ctx)
	}
	return errFixObsolete
}
