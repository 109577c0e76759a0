package tasklog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/infra/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conflictingStore fails the next n commits with ErrConflict.
type conflictingStore struct {
	*memstore.Store
	failures atomic.Int32
	commits  atomic.Int32
}

func (s *conflictingStore) Begin(ctx context.Context) domain.Txn {
	return &conflictingTxn{Txn: s.Store.Begin(ctx), store: s}
}

type conflictingTxn struct {
	domain.Txn
	store *conflictingStore
}

func (t *conflictingTxn) Commit(ctx context.Context) error {
	t.store.commits.Add(1)
	if t.store.failures.Add(-1) >= 0 {
		t.Txn.Rollback()
		return domain.ErrConflict
	}
	return t.Txn.Commit(ctx)
}

func TestClusterRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Store: memstore.New()}
	l := NewCluster("job", store, testOptions(nodeA))

	store.failures.Store(2)
	_, err := l.TaskStarted(ctx, t0, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.commits.Load())

	state, err := l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, state)
}

func TestClusterGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Store: memstore.New()}
	l := NewCluster("job", store, testOptions(nodeA))

	store.failures.Store(10)
	_, err := l.TaskStarted(ctx, t0, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int32(3), store.commits.Load())

	store.failures.Store(0)
	state, err := l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInactive, state)
}

func TestClusterSharedBetweenNodes(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	a := NewCluster("job", store, testOptions(nodeA))
	b := NewCluster("job", store, testOptions(nodeB))

	_, err := a.TaskStarted(ctx, t0, "")
	require.NoError(t, err)

	_, err = b.TaskStarted(ctx, t0, "")
	assert.ErrorIs(t, err, domain.ErrIllegalState)

	cur, err := b.CurrentResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodeA, cur.Node)

	require.NoError(t, b.TaskCanceling(ctx))
	state, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceling, state)
}

func TestAcquireLock(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	a := NewCluster("job", store, testOptions(nodeA))
	b := NewCluster("job", store, testOptions(nodeB))

	d, err := a.AcquireLock(ctx, t0)
	require.NoError(t, err)
	assert.True(t, d.Granted)

	d, err = b.AcquireLock(ctx, t0)
	require.NoError(t, err)
	assert.False(t, d.Granted)
	require.NotNil(t, d.Holder)
	assert.Equal(t, nodeA, d.Holder.Node)

	t.Run("TaskStartedNeedsOwnLock", func(t *testing.T) {
		_, err := b.TaskStarted(ctx, t0, "")
		assert.ErrorIs(t, err, domain.ErrIllegalState)
	})

	_, err = a.TaskStarted(ctx, t0, "")
	require.NoError(t, err)
	require.NoError(t, a.TaskEnded(ctx, domain.ResultSuccess, "", nil))
	require.NoError(t, a.ReleaseLock(ctx))

	lock, err := a.Lock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock)

	t.Run("DeniedWhenTriggerAlreadyServed", func(t *testing.T) {
		d, err := b.AcquireLock(ctx, t0)
		require.NoError(t, err)
		assert.False(t, d.Granted)
		assert.Nil(t, d.Holder)
		require.NotNil(t, d.Current)
		assert.Equal(t, t0, d.Current.StartTime)
	})

	t.Run("GrantedForLaterTrigger", func(t *testing.T) {
		d, err := b.AcquireLock(ctx, t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.True(t, d.Granted)
	})

	t.Run("ReleaseByOtherNodeKeepsLock", func(t *testing.T) {
		require.NoError(t, a.ReleaseLock(ctx))
		lock, err := a.Lock(ctx)
		require.NoError(t, err)
		require.NotNil(t, lock)
		assert.Equal(t, nodeB, lock.Node)
	})
}

func TestForceInactive(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	a := NewCluster("job", store, testOptions(nodeA))
	admin := NewCluster("job", store, testOptions(nodeB))

	_, err := a.AcquireLock(ctx, t0)
	require.NoError(t, err)
	_, err = a.TaskStarted(ctx, t0, "")
	require.NoError(t, err)

	require.NoError(t, admin.ForceInactive(ctx, "cluster lock released by administrator"))

	state, _ := a.State(ctx)
	assert.Equal(t, domain.StateInactive, state)
	lock, _ := a.Lock(ctx)
	assert.Nil(t, lock)
	last, err := a.LastResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultError, last.Type)
	assert.Equal(t, "cluster lock released by administrator", last.Message)

	// The original executor finishing later must not overwrite the forced result.
	require.NoError(t, a.TaskEnded(ctx, domain.ResultSuccess, "", nil))
	last, _ = a.LastResult(ctx)
	assert.Equal(t, domain.ResultError, last.Type)
}

func TestStartupClean(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	before := NewCluster("job", store, testOptions(nodeA))
	_, err := before.AcquireLock(ctx, t0)
	require.NoError(t, err)
	_, err = before.TaskStarted(ctx, t0, "")
	require.NoError(t, err)

	other := NewCluster("job", store, testOptions(nodeB))
	require.NoError(t, other.StartupClean(ctx))
	state, _ := other.State(ctx)
	assert.Equal(t, domain.StateRunning, state, "other nodes must not reset a foreign run")

	restarted := NewCluster("job", store, testOptions(domain.Node{ID: "a-2", Name: nodeA.Name}))
	require.NoError(t, restarted.StartupClean(ctx))
	state, _ = restarted.State(ctx)
	assert.Equal(t, domain.StateInactive, state)
	lock, _ := restarted.Lock(ctx)
	assert.Nil(t, lock)
}

func TestCancelOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	a := NewCluster("job", store, testOptions(nodeA))
	b := NewCluster("job", store, testOptions(nodeB))

	ok, err := b.CancelOnce(ctx, func() bool { t.Fatal("no local run"); return false })
	require.NoError(t, err)
	assert.True(t, ok, "nothing to cancel counts as success")

	_, err = a.TaskStarted(ctx, t0, "")
	require.NoError(t, err)

	t.Run("Remote", func(t *testing.T) {
		called := false
		ok, err := b.CancelOnce(ctx, func() bool { called = true; return true })
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, called)
		state, _ := a.State(ctx)
		assert.Equal(t, domain.StateCanceling, state)
	})

	t.Run("AlreadyCanceling", func(t *testing.T) {
		ok, err := a.CancelOnce(ctx, func() bool { return false })
		require.NoError(t, err)
		assert.True(t, ok)
	})

	require.NoError(t, a.TaskEnded(ctx, domain.ResultCanceled, "", nil))
	_, err = a.TaskStarted(ctx, t0.Add(time.Hour), "")
	require.NoError(t, err)

	t.Run("LocalHookDecides", func(t *testing.T) {
		ok, err := a.CancelOnce(ctx, func() bool { return false })
		require.NoError(t, err)
		assert.False(t, ok)
		state, _ := a.State(ctx)
		assert.Equal(t, domain.StateCanceling, state)
	})
}

func TestForceInactiveIf(t *testing.T) {
	ctx := context.Background()
	const msg = "cluster lock released by administrator"

	t.Run("HolderStillHoldsLock", func(t *testing.T) {
		store := memstore.New()
		a := NewCluster("job", store, testOptions(nodeA))
		admin := NewCluster("job", store, testOptions(nodeB))
		_, err := a.AcquireLock(ctx, t0)
		require.NoError(t, err)
		_, err = a.TaskStarted(ctx, t0, "")
		require.NoError(t, err)

		require.NoError(t, admin.ForceInactiveIf(ctx, nodeA, msg))
		state, _ := a.State(ctx)
		assert.Equal(t, domain.StateInactive, state)
		lock, _ := a.Lock(ctx)
		assert.Nil(t, lock)
	})

	t.Run("LockTakenOverByAnotherNode", func(t *testing.T) {
		store := memstore.New()
		a := NewCluster("job", store, testOptions(nodeA))
		b := NewCluster("job", store, testOptions(nodeB))
		_, err := a.AcquireLock(ctx, t0)
		require.NoError(t, err)
		_, err = a.TaskStarted(ctx, t0, "")
		require.NoError(t, err)
		require.NoError(t, a.TaskEnded(ctx, domain.ResultSuccess, "", nil))
		require.NoError(t, a.ReleaseLock(ctx))

		next := t0.Add(time.Hour)
		d, err := b.AcquireLock(ctx, next)
		require.NoError(t, err)
		require.True(t, d.Granted)
		_, err = b.TaskStarted(ctx, next, "")
		require.NoError(t, err)

		// Decided on a stale read that nodeA still held the task.
		err = a.ForceInactiveIf(ctx, nodeA, msg)
		require.ErrorIs(t, err, domain.ErrNoClusterLock)

		state, _ := b.State(ctx)
		assert.Equal(t, domain.StateRunning, state)
		lock, _ := b.Lock(ctx)
		require.NotNil(t, lock)
		assert.Equal(t, nodeB, lock.Node)
		current, err := b.CurrentResult(ctx)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, nodeB, current.Node)
	})

	t.Run("ActiveRunWithoutLock", func(t *testing.T) {
		store := memstore.New()
		a := NewCluster("job", store, testOptions(nodeA))
		admin := NewCluster("job", store, testOptions(nodeB))
		_, err := a.AcquireLock(ctx, t0)
		require.NoError(t, err)
		_, err = a.TaskStarted(ctx, t0, "")
		require.NoError(t, err)
		require.NoError(t, a.ReleaseLock(ctx))

		require.ErrorIs(t, admin.ForceInactiveIf(ctx, nodeB, msg), domain.ErrNoClusterLock)
		state, _ := a.State(ctx)
		assert.Equal(t, domain.StateRunning, state)

		require.NoError(t, admin.ForceInactiveIf(ctx, nodeA, msg))
		state, _ = a.State(ctx)
		assert.Equal(t, domain.StateInactive, state)
	})
}
