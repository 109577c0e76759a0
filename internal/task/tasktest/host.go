// Package tasktest provides a standalone task.Host for running task bodies
// in tests without a scheduler.
package tasktest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/infra/memstore"
	"distributed-tasks/internal/retry"
	"distributed-tasks/internal/task"
	"distributed-tasks/internal/tasklog"

	"github.com/stretchr/testify/require"
)

// Host is an in-memory task.Host with a fixed node and a settable clock.
type Host struct {
	node    domain.Node
	store   domain.Store
	runLogs *task.LogFiles
	logger  *slog.Logger

	mu     sync.Mutex
	now    time.Time
	events []domain.Notification
}

var _ task.Host = (*Host)(nil)

// NewHost creates a host named name on a fresh memstore.
func NewHost(name string) *Host {
	return &Host{
		node:   domain.Node{ID: name + "-1", Name: name},
		store:  memstore.New(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now().UTC(),
	}
}

// WithRunLogs enables run log files under dir.
func (h *Host) WithRunLogs(dir string) *Host {
	h.runLogs = task.NewLogFiles(dir)
	return h
}

func (h *Host) Node() domain.Node { return h.node }
func (h *Host) Store() domain.Store { return h.store }
func (h *Host) RunLogs() *task.LogFiles { return h.runLogs }
func (h *Host) Logger() *slog.Logger { return h.logger }

func (h *Host) TaskLogOptions() tasklog.Options {
	return tasklog.Options{CommitRetries: 3, RetryPolicy: retry.Immediate(), Clock: h.Now}
}

func (h *Host) Publish(n domain.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, n)
}

// Events returns the notifications published so far.
func (h *Host) Events() []domain.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Notification(nil), h.events...)
}

func (h *Host) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Advance moves the clock forward.
func (h *Host) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// Run attaches a node-local task with body to a new host and runs it once.
func Run(t testing.TB, body task.Body) *domain.TaskResult {
	t.Helper()
	return RunOn(t, NewHost("test"), body)
}

// RunOn is Run on a given host.
func RunOn(t testing.TB, host *Host, body task.Body) *domain.TaskResult {
	t.Helper()
	tk, err := task.New(task.Options{Name: "body-under-test", NodeLocal: true, StopPollInterval: 5 * time.Millisecond}, body)
	require.NoError(t, err)
	require.NoError(t, tk.AttachTo(context.Background(), host))
	defer tk.Detach()

	res, err := tk.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

// Start runs body in the background and sends the result to done. The
// returned task can be used to stop the run.
func Start(t testing.TB, host *Host, body task.Body, done chan<- *domain.TaskResult) *task.Task {
	t.Helper()
	tk, err := task.New(task.Options{Name: "body-under-test", NodeLocal: true, StopPollInterval: 5 * time.Millisecond}, body)
	require.NoError(t, err)
	require.NoError(t, tk.AttachTo(context.Background(), host))

	go func() {
		res, err := tk.Run(context.Background())
		if err != nil {
			t.Errorf("run failed: %v", err)
		}
		done <- res
	}()
	return tk
}
