package scheduler

import (
	"time"
)

// maintenance is requested by a task that needs exclusive use of the node.
// It becomes active MaintenanceDelay after the request; from the request on
// only maintenance-safe tasks and forced runs start besides the requester.
type maintenance struct {
	requester   string
	requestedAt time.Time
	activeAt    time.Time
}

// MaintenanceStatus describes the maintenance mode of a node.
type MaintenanceStatus struct {
	Requester   string    `json:"requester"`
	RequestedAt time.Time `json:"requested_at"`
	ActiveAt    time.Time `json:"active_at"`
	Active      bool      `json:"active"`
}

// maintenanceAllowsLocked reports whether e may start under the current
// maintenance mode, requesting maintenance for tasks that need it. Forced runs
// and maintenance-safe tasks start while another task holds the mode.
func (s *Scheduler) maintenanceAllowsLocked(e *entry, forced bool, now time.Time) bool {
	opts := e.task.Options()
	m := s.maintenance

	if !opts.NeedsMaintenanceWindow {
		return m == nil || opts.MaintenanceSafe || forced
	}

	if m == nil {
		m = &maintenance{
			requester:   e.task.Name(),
			requestedAt: now,
			activeAt:    now.Add(opts.MaintenanceDelay),
		}
		s.maintenance = m
		s.logger.Info("maintenance mode requested", "task", m.requester, "active_at", m.activeAt)
	}
	if m.requester != e.task.Name() {
		return false
	}
	if now.Before(m.activeAt) {
		return false
	}
	// Wait for runs that are not maintenance safe to drain.
	for _, other := range s.entries {
		if other != e && other.status == statusRunning && !other.task.Options().MaintenanceSafe {
			return false
		}
	}
	return true
}

func (s *Scheduler) endMaintenanceLocked(task string) {
	if s.maintenance != nil && s.maintenance.requester == task {
		s.logger.Info("maintenance mode ended", "task", task)
		s.maintenance = nil
	}
}

// Maintenance returns the current maintenance mode, or nil.
func (s *Scheduler) Maintenance() *MaintenanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.maintenance
	if m == nil {
		return nil
	}
	return &MaintenanceStatus{
		Requester:   m.requester,
		RequestedAt: m.requestedAt,
		ActiveAt:    m.activeAt,
		Active:      !s.clock().Before(m.activeAt),
	}
}
