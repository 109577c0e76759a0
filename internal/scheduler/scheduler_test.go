package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/infra/memstore"
	"distributed-tasks/internal/retry"
	"distributed-tasks/internal/schedule"
	"distributed-tasks/internal/task"
	"distributed-tasks/internal/tasklog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	base     = time.Date(2024, time.March, 1, 1, 0, 0, 0, time.UTC)
	twoAM    = time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC)
	tomorrow = twoAM.AddDate(0, 0, 1)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newScheduler(t *testing.T, name string, store domain.Store, clock *fakeClock, cfg Config) *Scheduler {
	t.Helper()
	return New(cfg, domain.Node{ID: name + "-1", Name: name}, store,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTaskLogOptions(tasklog.Options{CommitRetries: 3, RetryPolicy: retry.Immediate()}),
	)
}

func newTask(t *testing.T, opts task.Options, body task.BodyFunc) *task.Task {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "job"
	}
	if body == nil {
		body = func(context.Context, *task.RunContext) error { return nil }
	}
	opts.StopPollInterval = 5 * time.Millisecond
	tk, err := task.New(opts, body)
	require.NoError(t, err)
	return tk
}

func daily2am() schedule.Algorithm {
	return schedule.Daily(time.UTC, schedule.TimeOfDay{Hour: 2}, nil)
}

// tickAndWait runs a scheduling round and waits for the runs it started.
func tickAndWait(ctx context.Context, s *Scheduler) {
	s.tick(ctx)
	s.wg.Wait()
}

func lastResult(t *testing.T, tk *task.Task) *domain.TaskResult {
	t.Helper()
	res, err := tk.Log().LastResult(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestDueTaskRuns(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})

	var runs atomic.Int32
	tk := newTask(t, task.Options{Schedule: daily2am()}, func(context.Context, *task.RunContext) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ctx, tk))
	assert.ErrorIs(t, s.AddTask(ctx, tk), domain.ErrDuplicateTask)

	next, ok := tk.NextRun()
	require.True(t, ok)
	assert.Equal(t, twoAM, next)

	tickAndWait(ctx, s)
	assert.Zero(t, runs.Load())

	clock.Set(twoAM.Add(30 * time.Second))
	tickAndWait(ctx, s)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, domain.ResultSuccess, lastResult(t, tk).Type)

	next, _ = tk.NextRun()
	assert.Equal(t, tomorrow, next)
	lock, err := tk.Cluster().Lock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock, "lock must be released after the run")

	tickAndWait(ctx, s)
	assert.Equal(t, int32(1), runs.Load())
}

func TestClusterTaskRunsOnceAcrossNodes(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clock := &fakeClock{now: base}
	a := newScheduler(t, "node-a", store, clock, Config{})
	b := newScheduler(t, "node-b", store, clock, Config{})

	var runs atomic.Int32
	body := func(context.Context, *task.RunContext) error {
		runs.Add(1)
		return nil
	}
	ta := newTask(t, task.Options{Name: "report", Schedule: daily2am()}, body)
	tb := newTask(t, task.Options{Name: "report", Schedule: daily2am()}, body)
	require.NoError(t, a.AddTask(ctx, ta))
	require.NoError(t, b.AddTask(ctx, tb))

	clock.Set(twoAM.Add(time.Minute))
	tickAndWait(ctx, a)
	clock.Advance(time.Second)
	tickAndWait(ctx, b)

	assert.Equal(t, int32(1), runs.Load())
	next, ok := tb.NextRun()
	require.True(t, ok)
	assert.Equal(t, tomorrow, next)
	assert.Equal(t, twoAM.Add(time.Minute), tb.LastRun(), "denied node adopts the remote start")
}

func TestClusterTaskDeniedWhileRunningElsewhere(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clock := &fakeClock{now: base}
	a := newScheduler(t, "node-a", store, clock, Config{})
	b := newScheduler(t, "node-b", store, clock, Config{})

	started, release := make(chan struct{}), make(chan struct{})
	ta := newTask(t, task.Options{Name: "report", Schedule: daily2am()}, func(context.Context, *task.RunContext) error {
		close(started)
		<-release
		return nil
	})
	tb := newTask(t, task.Options{Name: "report", Schedule: daily2am()}, func(context.Context, *task.RunContext) error {
		t.Error("node b must not run the task")
		return nil
	})
	require.NoError(t, a.AddTask(ctx, ta))
	require.NoError(t, b.AddTask(ctx, tb))

	clock.Set(twoAM)
	a.tick(ctx)
	<-started
	tickAndWait(ctx, b)

	info, err := b.Info(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, info.State)
	require.NotNil(t, info.Lock)
	assert.Equal(t, "node-a", info.Lock.Node.Name)
	assert.False(t, info.RunningHere)

	close(release)
	a.wg.Wait()
	info, err = b.Info(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInactive, info.State)
	assert.Nil(t, info.Lock)
}

func TestBlockedTaskIsSkipped(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})

	var runs atomic.Int32
	body := func(context.Context, *task.RunContext) error {
		runs.Add(1)
		return nil
	}
	blocked := newTask(t, task.Options{Name: "blocked", Schedule: daily2am(), BlockingAllowed: true, BlockedByDefault: true}, body)
	plain := newTask(t, task.Options{Name: "plain", NodeLocal: true, Schedule: daily2am(), BlockedByDefault: true}, body)
	require.NoError(t, s.AddTask(ctx, blocked))
	require.NoError(t, s.AddTask(ctx, plain))

	assert.ErrorIs(t, s.Block("plain"), domain.ErrBlockingNotAllowed)
	assert.ErrorIs(t, s.Block("missing"), domain.ErrTaskNotFound)

	clock.Set(twoAM)
	tickAndWait(ctx, s)
	assert.Equal(t, int32(1), runs.Load(), "only the unblocked task runs")
	next, _ := blocked.NextRun()
	assert.Equal(t, tomorrow, next)

	require.NoError(t, s.Unblock("blocked"))
	clock.Set(tomorrow)
	tickAndWait(ctx, s)
	assert.Equal(t, int32(3), runs.Load())
}

func TestDisabledTaskRunsOnlyManually(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})

	var runs atomic.Int32
	tk := newTask(t, task.Options{Schedule: daily2am(), NodeLocal: true}, func(context.Context, *task.RunContext) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ctx, tk))
	require.NoError(t, s.Disable("job"))

	clock.Set(twoAM)
	tickAndWait(ctx, s)
	assert.Zero(t, runs.Load())

	_, err := s.ScheduleNow(ctx, "job", time.Time{})
	require.NoError(t, err)
	tickAndWait(ctx, s)
	assert.Equal(t, int32(1), runs.Load())
	assert.Nil(t, tk.Forced())

	require.NoError(t, s.Enable("job"))
	info, err := s.Info(ctx, "job")
	require.NoError(t, err)
	assert.True(t, info.Enabled)
}

func TestSuspendResume(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})

	var runs atomic.Int32
	tk := newTask(t, task.Options{Schedule: daily2am()}, func(context.Context, *task.RunContext) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ctx, tk))

	s.Suspend()
	assert.True(t, s.Suspended())
	_, err := s.ScheduleNow(ctx, "job", time.Time{})
	assert.ErrorIs(t, err, domain.ErrSchedulerSuspended)
	assert.Nil(t, tk.Forced(), "rejected command must not change the task")

	clock.Set(twoAM.Add(30 * time.Minute))
	tickAndWait(ctx, s)
	assert.Zero(t, runs.Load())

	s.Resume()
	next, _ := tk.NextRun()
	assert.Equal(t, tomorrow, next, "missed trigger is skipped")
	tickAndWait(ctx, s)
	assert.Zero(t, runs.Load())
}

func TestScheduleNowGuards(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})

	started, release := make(chan struct{}), make(chan struct{})
	busy := newTask(t, task.Options{Name: "busy"}, func(context.Context, *task.RunContext) error {
		close(started)
		<-release
		return nil
	})
	blocked := newTask(t, task.Options{Name: "blocked", BlockingAllowed: true, BlockedByDefault: true}, nil)
	require.NoError(t, s.AddTask(ctx, busy))
	require.NoError(t, s.AddTask(ctx, blocked))

	_, err := s.ScheduleNow(ctx, "missing", time.Time{})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	_, err = s.ScheduleNow(ctx, "blocked", time.Time{})
	assert.ErrorIs(t, err, domain.ErrTaskBlocked)

	start := base.Add(10 * time.Minute)
	next, err := s.ScheduleNow(ctx, "busy", start)
	require.NoError(t, err)
	assert.Equal(t, start, next)

	clock.Set(start)
	s.tick(ctx)
	<-started
	_, err = s.ScheduleNow(ctx, "busy", time.Time{})
	assert.ErrorIs(t, err, domain.ErrTaskRunning)

	close(release)
	s.wg.Wait()
	_, ok := busy.NextRun()
	assert.False(t, ok, "on-demand task has no further trigger")
}

func TestStopTask(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})

	started := make(chan struct{})
	tk := newTask(t, task.Options{}, func(ctx context.Context, rc *task.RunContext) error {
		close(started)
		for !rc.ShouldStop(ctx) {
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	require.NoError(t, s.AddTask(ctx, tk))

	_, err := s.StopTask(ctx, "job")
	assert.ErrorIs(t, err, domain.ErrTaskNotRunning)
	_, err = s.StopTask(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	_, err = s.ScheduleNow(ctx, "job", time.Time{})
	require.NoError(t, err)
	s.tick(ctx)
	<-started

	ok, err := s.StopTask(ctx, "job")
	require.NoError(t, err)
	assert.True(t, ok)
	s.wg.Wait()
	assert.Equal(t, domain.ResultCanceled, lastResult(t, tk).Type)
}

func TestReleaseClusterLock(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", store, clock, Config{})

	local := newTask(t, task.Options{Name: "local", NodeLocal: true}, nil)
	tk := newTask(t, task.Options{Name: "report"}, nil)
	require.NoError(t, s.AddTask(ctx, local))
	require.NoError(t, s.AddTask(ctx, tk))

	assert.ErrorIs(t, s.ReleaseClusterLock(ctx, "local"), domain.ErrNotClusterTask)
	assert.ErrorIs(t, s.ReleaseClusterLock(ctx, "missing"), domain.ErrTaskNotFound)
	assert.ErrorIs(t, s.ReleaseClusterLock(ctx, "report"), domain.ErrNoClusterLock)
	results, err := tk.Log().Results(ctx)
	require.NoError(t, err)
	assert.Empty(t, results, "rejected command must not change the log")

	// A node that crashed in the middle of a run.
	crashed := tasklog.NewCluster("report", store, tasklog.Options{Node: domain.Node{ID: "x-1", Name: "node-x"}, Clock: clock.Now})
	d, err := crashed.AcquireLock(ctx, base)
	require.NoError(t, err)
	require.True(t, d.Granted)
	_, err = crashed.TaskStarted(ctx, base, "")
	require.NoError(t, err)

	require.NoError(t, s.ReleaseClusterLock(ctx, "report"))
	info, err := s.Info(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInactive, info.State)
	assert.Nil(t, info.Lock)
	res := lastResult(t, tk)
	assert.Equal(t, domain.ResultError, res.Type)
	assert.Equal(t, ReleasedLockMessage, res.Message)
}

func TestMaxConcurrent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	var runs atomic.Int32
	body := func(context.Context, *task.RunContext) error {
		runs.Add(1)
		<-release
		return nil
	}
	for _, name := range []string{"first", "second"} {
		require.NoError(t, s.AddTask(ctx, newTask(t, task.Options{Name: name, NodeLocal: true, Schedule: daily2am()}, body)))
	}

	clock.Set(twoAM)
	s.tick(ctx)
	assert.Equal(t, 1, s.Status().Running)

	close(release)
	s.wg.Wait()
	tickAndWait(ctx, s)
	assert.Equal(t, int32(2), runs.Load())
}

func TestMaintenanceWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})

	var mu sync.Mutex
	var order []string
	body := func(name string) task.BodyFunc {
		return func(context.Context, *task.RunContext) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	at := func(when time.Time) schedule.Algorithm { return schedule.Date(when) }
	first := base.Add(time.Hour)
	require.NoError(t, s.AddTask(ctx, newTask(t, task.Options{
		Name: "reindex", NodeLocal: true, Schedule: at(first),
		NeedsMaintenanceWindow: true, MaintenanceDelay: 10 * time.Minute,
	}, body("reindex"))))
	require.NoError(t, s.AddTask(ctx, newTask(t, task.Options{Name: "import", NodeLocal: true, Schedule: at(first.Add(time.Second))}, body("import"))))
	require.NoError(t, s.AddTask(ctx, newTask(t, task.Options{Name: "health", NodeLocal: true, Schedule: at(first.Add(time.Second)), MaintenanceSafe: true}, body("health"))))

	clock.Set(first.Add(time.Second))
	tickAndWait(ctx, s)
	m := s.Maintenance()
	require.NotNil(t, m)
	assert.Equal(t, "reindex", m.Requester)
	assert.False(t, m.Active)
	assert.Equal(t, []string{"health"}, order)

	clock.Advance(10 * time.Minute)
	tickAndWait(ctx, s)
	assert.Equal(t, []string{"health", "reindex"}, order)
	assert.Nil(t, s.Maintenance())

	tickAndWait(ctx, s)
	assert.Equal(t, []string{"health", "reindex", "import"}, order)
}

func TestMaintenanceEndsWhenClusterLockDenied(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clock := &fakeClock{now: base}
	a := newScheduler(t, "node-a", store, clock, Config{})
	b := newScheduler(t, "node-b", store, clock, Config{})

	first := base.Add(time.Hour)
	maint := func(body task.BodyFunc) *task.Task {
		return newTask(t, task.Options{Name: "maint", Schedule: schedule.Date(first), NeedsMaintenanceWindow: true}, body)
	}
	started, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, a.AddTask(ctx, maint(func(context.Context, *task.RunContext) error {
		close(started)
		<-release
		return nil
	})))
	var bRuns atomic.Int32
	require.NoError(t, b.AddTask(ctx, maint(func(context.Context, *task.RunContext) error {
		bRuns.Add(1)
		return nil
	})))
	var plainRuns atomic.Int32
	require.NoError(t, b.AddTask(ctx, newTask(t, task.Options{Name: "plain", NodeLocal: true, Schedule: schedule.Date(first.Add(time.Second))},
		func(context.Context, *task.RunContext) error {
			plainRuns.Add(1)
			return nil
		})))

	clock.Set(first)
	a.tick(ctx)
	<-started
	require.NotNil(t, a.Maintenance())

	tickAndWait(ctx, b)
	assert.Zero(t, bRuns.Load())
	assert.Nil(t, b.Maintenance(), "denied node must not keep maintenance mode")

	clock.Advance(time.Second)
	tickAndWait(ctx, b)
	assert.Equal(t, int32(1), plainRuns.Load())

	close(release)
	a.wg.Wait()
	assert.Nil(t, a.Maintenance())
}

func TestForcedRunStartsDuringMaintenance(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})

	first := base.Add(time.Hour)
	longStarted, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, s.AddTask(ctx, newTask(t, task.Options{Name: "long", NodeLocal: true, Schedule: schedule.Date(first)},
		func(context.Context, *task.RunContext) error {
			close(longStarted)
			<-release
			return nil
		})))
	var reindexRuns atomic.Int32
	require.NoError(t, s.AddTask(ctx, newTask(t, task.Options{
		Name: "reindex", NodeLocal: true, Schedule: schedule.Date(first.Add(time.Second)), NeedsMaintenanceWindow: true,
	}, func(context.Context, *task.RunContext) error {
		reindexRuns.Add(1)
		return nil
	})))
	importDone := make(chan struct{})
	require.NoError(t, s.AddTask(ctx, newTask(t, task.Options{Name: "import", NodeLocal: true},
		func(context.Context, *task.RunContext) error {
			close(importDone)
			return nil
		})))

	clock.Set(first)
	s.tick(ctx)
	<-longStarted

	// reindex waits for long to drain while the mode is already active.
	clock.Advance(time.Second)
	s.tick(ctx)
	m := s.Maintenance()
	require.NotNil(t, m)
	assert.Equal(t, "reindex", m.Requester)
	assert.True(t, m.Active)
	assert.Zero(t, reindexRuns.Load())

	_, err := s.ScheduleNow(ctx, "import", time.Time{})
	require.NoError(t, err)
	s.tick(ctx)
	select {
	case <-importDone:
	case <-time.After(5 * time.Second):
		t.Fatal("forced run did not start during maintenance")
	}
	assert.Zero(t, reindexRuns.Load())

	close(release)
	s.wg.Wait()
	tickAndWait(ctx, s)
	assert.Equal(t, int32(1), reindexRuns.Load())
	assert.Nil(t, s.Maintenance())
}

func TestOvertimeTaskIsStopped(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{MaxTaskTime: time.Minute})

	started := make(chan struct{})
	tk := newTask(t, task.Options{Schedule: daily2am()}, func(ctx context.Context, rc *task.RunContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.AddTask(ctx, tk))

	clock.Set(twoAM)
	s.tick(ctx)
	<-started
	clock.Advance(2 * time.Minute)
	tickAndWait(ctx, s)
	assert.Equal(t, domain.ResultCanceled, lastResult(t, tk).Type)
}

// flakyStore rejects every commit while failing is set.
type flakyStore struct {
	*memstore.Store
	failing atomic.Bool
}

func (s *flakyStore) Begin(ctx context.Context) domain.Txn {
	return &flakyTxn{Txn: s.Store.Begin(ctx), store: s}
}

type flakyTxn struct {
	domain.Txn
	store *flakyStore
}

func (t *flakyTxn) Commit(ctx context.Context) error {
	if t.store.failing.Load() {
		t.Txn.Rollback()
		return domain.ErrConflict
	}
	return t.Txn.Commit(ctx)
}

func TestFixQueueRepairsLog(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memstore.New()}
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", store, clock, Config{})

	tk := newTask(t, task.Options{Schedule: daily2am()}, func(context.Context, *task.RunContext) error {
		store.failing.Store(true)
		return nil
	})
	require.NoError(t, s.AddTask(ctx, tk))

	clock.Set(twoAM)
	tickAndWait(ctx, s)
	assert.Equal(t, 2, s.PendingFixes())
	state, _ := tk.State(ctx)
	assert.Equal(t, domain.StateRunning, state)

	store.failing.Store(false)
	tickAndWait(ctx, s)
	assert.Zero(t, s.PendingFixes())

	res := lastResult(t, tk)
	assert.Equal(t, domain.ResultError, res.Type)
	assert.Equal(t, "task ended without result", res.Message)
	lock, err := tk.Cluster().Lock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestStartupCleanOnAdd(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clock := &fakeClock{now: base}

	previous := tasklog.NewCluster("job", store, tasklog.Options{Node: domain.Node{ID: "old", Name: "node-a"}, Clock: clock.Now})
	_, err := previous.AcquireLock(ctx, base)
	require.NoError(t, err)
	_, err = previous.TaskStarted(ctx, base, "")
	require.NoError(t, err)

	s := newScheduler(t, "node-a", store, clock, Config{})
	tk := newTask(t, task.Options{}, nil)
	require.NoError(t, s.AddTask(ctx, tk))

	state, err := tk.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInactive, state)
	assert.Equal(t, domain.ResultError, lastResult(t, tk).Type)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})
	events, cancel := s.Subscribe(10)

	tk := newTask(t, task.Options{Schedule: daily2am(), NodeLocal: true}, nil)
	require.NoError(t, s.AddTask(ctx, tk))
	clock.Set(twoAM)
	tickAndWait(ctx, s)

	first, second := <-events, <-events
	assert.Equal(t, domain.StateRunning, first.NewState)
	assert.Equal(t, domain.StateInactive, second.NewState)
	assert.Equal(t, domain.ResultSuccess, second.Result.Type)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestRemoveTask(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: base}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{})
	tk := newTask(t, task.Options{}, nil)
	require.NoError(t, s.AddTask(ctx, tk))

	require.NoError(t, s.RemoveTask(ctx, "job"))
	assert.False(t, tk.Attached())
	_, ok := s.Task("job")
	assert.False(t, ok)
	assert.ErrorIs(t, s.RemoveTask(ctx, "job"), domain.ErrTaskNotFound)
}

func TestStartStopsRunningTasksOnShutdown(t *testing.T) {
	clock := &fakeClock{now: twoAM}
	s := newScheduler(t, "node-a", memstore.New(), clock, Config{PollInterval: 5 * time.Millisecond, ShutdownGrace: 5 * time.Second})

	started := make(chan struct{})
	tk := newTask(t, task.Options{Schedule: schedule.Date(twoAM), RunOnStartup: true}, func(ctx context.Context, rc *task.RunContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.AddTask(context.Background(), tk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	<-started
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, domain.ResultCanceled, lastResult(t, tk).Type)
}
