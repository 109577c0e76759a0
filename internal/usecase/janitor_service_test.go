package usecase

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/infra/memstore"
	"distributed-tasks/internal/retry"
	"distributed-tasks/internal/task"
	"distributed-tasks/internal/tasklog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	janitorNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	deadNode   = domain.Node{ID: "node-b-1", Name: "node-b"}
	liveNode   = domain.Node{ID: "node-c-1", Name: "node-c"}
)

func clusterLog(store domain.Store, name string, node domain.Node, at time.Time) *tasklog.Cluster {
	return tasklog.NewCluster(name, store, tasklog.Options{
		Node:          node,
		CommitRetries: 3,
		RetryPolicy:   retry.Immediate(),
		Clock:         func() time.Time { return at },
	})
}

func newJanitor(store domain.Store, hist domain.HistoryRepository, runLogs *task.LogFiles, leader domain.LeaderElectionManager) *JanitorService {
	j := NewJanitorService(leader, staticMembers{liveNode.ID: true}, store, hist, runLogs,
		tasklog.Options{Node: domain.Node{ID: "node-a-1", Name: "node-a"}, CommitRetries: 3, RetryPolicy: retry.Immediate()},
		JanitorConfig{Interval: 10 * time.Millisecond, Grace: time.Minute, HistoryRetention: 24 * time.Hour, RunLogRetention: time.Hour},
		discard)
	j.clock = func() time.Time { return janitorNow }
	return j
}

func TestSweepReleasesOrphans(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	started := janitorNow.Add(-10 * time.Minute)

	// Held and running on a node that is gone.
	orphan := clusterLog(store, "orphan", deadNode, started)
	d, err := orphan.AcquireLock(ctx, started)
	require.NoError(t, err)
	require.True(t, d.Granted)
	_, err = orphan.TaskStarted(ctx, started, "")
	require.NoError(t, err)

	// Running on a live node.
	alive := clusterLog(store, "alive", liveNode, started)
	_, err = alive.AcquireLock(ctx, started)
	require.NoError(t, err)
	_, err = alive.TaskStarted(ctx, started, "")
	require.NoError(t, err)

	// Gone, but too recent to judge.
	fresh := clusterLog(store, "fresh", deadNode, janitorNow)
	_, err = fresh.AcquireLock(ctx, janitorNow)
	require.NoError(t, err)

	hist := &memHistory{}
	old := domain.NewResult("old", "orphan", janitorNow.Add(-48*time.Hour), deadNode, "")
	old.Close(domain.ResultSuccess, "", nil, old.StartTime.Add(time.Second))
	require.NoError(t, hist.Save(ctx, old))
	recent := domain.NewResult("recent", "orphan", janitorNow.Add(-time.Hour), deadNode, "")
	recent.Close(domain.ResultSuccess, "", nil, recent.StartTime.Add(time.Second))
	require.NoError(t, hist.Save(ctx, recent))

	report, err := newJanitor(store, hist, nil, &soloLeader{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, []string{"orphan"}, report.Released)
	assert.Equal(t, 1, report.HistoryDeleted)

	state, err := orphan.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInactive, state)
	lock, err := orphan.Lock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock)
	last, err := orphan.LastResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultError, last.Type)
	assert.Equal(t, "node node-b left the cluster while holding the task", last.Message)

	state, err = alive.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, state)
	lock, err = fresh.Lock(ctx)
	require.NoError(t, err)
	assert.NotNil(t, lock)
}

// handoverMembers runs takeover the first time a node's liveness is checked.
type handoverMembers struct {
	staticMembers
	once     sync.Once
	takeover func()
}

func (m *handoverMembers) IsAlive(n domain.Node) bool {
	m.once.Do(m.takeover)
	return m.staticMembers.IsAlive(n)
}

func TestSweepKeepsTaskTakenOverDuringCheck(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	started := janitorNow.Add(-10 * time.Minute)

	dead := clusterLog(store, "handover", deadNode, started)
	_, err := dead.AcquireLock(ctx, started)
	require.NoError(t, err)
	_, err = dead.TaskStarted(ctx, started, "")
	require.NoError(t, err)

	live := clusterLog(store, "handover", liveNode, janitorNow)
	j := newJanitor(store, nil, nil, &soloLeader{})
	j.members = &handoverMembers{
		staticMembers: staticMembers{liveNode.ID: true},
		takeover: func() {
			require.NoError(t, dead.TaskEnded(ctx, domain.ResultSuccess, "", nil))
			require.NoError(t, dead.ReleaseLock(ctx))
			d, err := live.AcquireLock(ctx, janitorNow)
			require.NoError(t, err)
			require.True(t, d.Granted)
			_, err = live.TaskStarted(ctx, janitorNow, "")
			require.NoError(t, err)
		},
	}

	report, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Empty(t, report.Released)

	state, err := live.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, state)
	lock, err := live.Lock(ctx)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, liveNode, lock.Node)
}

func TestPruneRunLogs(t *testing.T) {
	dir := t.TempDir()
	logs := task.NewLogFiles(dir)
	oldFile, err := logs.Create("report", janitorNow.Add(-3*time.Hour))
	require.NoError(t, err)
	oldFile.Close()
	require.NoError(t, os.Chtimes(oldFile.Name(), janitorNow.Add(-3*time.Hour), janitorNow.Add(-3*time.Hour)))
	newFile, err := logs.Create("report", janitorNow.Add(-time.Minute))
	require.NoError(t, err)
	newFile.Close()
	require.NoError(t, os.Chtimes(newFile.Name(), janitorNow.Add(-time.Minute), janitorNow.Add(-time.Minute)))

	n, err := newJanitor(memstore.New(), nil, logs, &soloLeader{}).PruneRunLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := filepath.Glob(filepath.Join(dir, "report", "*.log"))
	require.NoError(t, err)
	assert.Equal(t, []string{newFile.Name()}, left)
}

func TestJanitorCampaignsAgainAfterLosingLeadership(t *testing.T) {
	leader := &soloLeader{}
	j := newJanitor(memstore.New(), nil, nil, leader)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()

	require.Eventually(t, leader.IsLeader, time.Second, 5*time.Millisecond)
	leader.lose()
	require.Eventually(t, func() bool { return leader.campaigns() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestStartStandalonePrunesHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hist := &memHistory{}
	old := domain.NewResult("old", "report", janitorNow.Add(-48*time.Hour), liveNode, "")
	old.Close(domain.ResultSuccess, "", nil, old.StartTime.Add(time.Second))
	require.NoError(t, hist.Save(ctx, old))

	j := NewJanitorService(nil, nil, memstore.New(), hist, nil, tasklog.Options{},
		JanitorConfig{Interval: 10 * time.Millisecond, HistoryRetention: 24 * time.Hour}, discard)
	j.clock = func() time.Time { return janitorNow }
	done := make(chan error, 1)
	go func() { done <- j.StartStandalone(ctx) }()

	require.Eventually(t, func() bool {
		_, err := hist.Get(ctx, "report", "old")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
