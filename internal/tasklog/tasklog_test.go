package tasklog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/infra/memstore"
	"distributed-tasks/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nodeA = domain.Node{ID: "a-1", Name: "node-a"}
	nodeB = domain.Node{ID: "b-1", Name: "node-b"}
	t0    = time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC)
)

func testOptions(node domain.Node) Options {
	return Options{
		Node:          node,
		RetryPolicy:   retry.Immediate(),
		CommitRetries: 3,
		Clock:         func() time.Time { return t0.Add(time.Minute) },
	}
}

// logs returns a transient log and a cluster log so that state machine tests
// run against both variants.
func logs(t *testing.T) map[string]domain.TaskLog {
	t.Helper()
	return map[string]domain.TaskLog{
		"Transient": NewTransient("job", testOptions(nodeA)),
		"Cluster":   NewCluster("job", memstore.New(), testOptions(nodeA)),
	}
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			state, err := l.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, domain.StateInactive, state)

			assert.ErrorIs(t, l.TaskCanceling(ctx), domain.ErrIllegalState)
			assert.ErrorIs(t, l.AddWarning(ctx, "early"), domain.ErrIllegalState)
			assert.ErrorIs(t, l.TaskEnded(ctx, domain.ResultSuccess, "", nil), domain.ErrIllegalState)

			res, err := l.TaskStarted(ctx, t0, "/logs/job.log")
			require.NoError(t, err)
			assert.Equal(t, domain.ResultNotFinished, res.Type)
			assert.Equal(t, nodeA, res.Node)
			assert.Equal(t, "/logs/job.log", res.LogFile)

			_, err = l.TaskStarted(ctx, t0, "")
			assert.ErrorIs(t, err, domain.ErrIllegalState)

			require.NoError(t, l.AddWarning(ctx, "disk almost full"))
			require.NoError(t, l.TaskCanceling(ctx))
			assert.ErrorIs(t, l.TaskCanceling(ctx), domain.ErrIllegalState)
			state, _ = l.State(ctx)
			assert.Equal(t, domain.StateCanceling, state)

			assert.ErrorIs(t, l.TaskEnded(ctx, domain.ResultNotFinished, "", nil), domain.ErrResultNotTerminal)
			require.NoError(t, l.TaskEnded(ctx, domain.ResultCanceled, "stopped", nil))
			state, _ = l.State(ctx)
			assert.Equal(t, domain.StateInactive, state)

			last, err := l.LastResult(ctx)
			require.NoError(t, err)
			require.NotNil(t, last)
			assert.Equal(t, domain.ResultCanceled, last.Type)
			assert.Equal(t, []string{"disk almost full"}, last.Warnings)
			assert.Equal(t, int64(60000), last.DurationMs)
		})
	}
}

func TestTaskEndedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.TaskStarted(ctx, t0, "")
			require.NoError(t, err)
			require.NoError(t, l.TaskEnded(ctx, domain.ResultFailure, "declared", nil))
			require.NoError(t, l.TaskEnded(ctx, domain.ResultSuccess, "overwrite", nil))

			cur, err := l.CurrentResult(ctx)
			require.NoError(t, err)
			assert.Equal(t, domain.ResultFailure, cur.Type)
			assert.Equal(t, "declared", cur.Message)

			results, err := l.Results(ctx)
			require.NoError(t, err)
			assert.Len(t, results, 1)
		})
	}
}

func TestEndWithCause(t *testing.T) {
	ctx := context.Background()
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.TaskStarted(ctx, t0, "")
			require.NoError(t, err)
			require.NoError(t, l.TaskEnded(ctx, domain.ResultError, "unexpected error", errors.New("boom")))
			last, err := l.LastResult(ctx)
			require.NoError(t, err)
			assert.Equal(t, "boom", last.Error)
		})
	}
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			var (
				mu  sync.Mutex
				got []domain.Notification
			)
			require.NoError(t, l.SetEventSink(func(n domain.Notification) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, n)
			}))
			assert.ErrorIs(t, l.SetEventSink(func(domain.Notification) {}), domain.ErrEventSinkSet)

			_, err := l.TaskStarted(ctx, t0, "")
			require.NoError(t, err)
			require.NoError(t, l.AddWarning(ctx, "w"))
			require.NoError(t, l.TaskCanceling(ctx))
			require.NoError(t, l.TaskEnded(ctx, domain.ResultCanceled, "", nil))

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, got, 3)
			assert.Equal(t, domain.StateInactive, got[0].OldState)
			assert.Equal(t, domain.StateRunning, got[0].NewState)
			assert.Equal(t, domain.StateCanceling, got[1].NewState)
			assert.Equal(t, domain.StateInactive, got[2].NewState)
			assert.Equal(t, domain.ResultCanceled, got[2].Result.Type)
		})
	}
}

func TestShrink(t *testing.T) {
	var history []domain.TaskResult
	for i := 0; i < 6; i++ {
		typ := domain.ResultSuccess
		if i%2 == 0 {
			typ = domain.ResultError
		}
		history = append(history, domain.TaskResult{ID: fmt.Sprint(i), Type: typ})
	}
	got := shrink(history, Limits{MaxFailures: 2, MaxSuccesses: 1})
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"0", "1", "2"}, ids)
}

func TestHistoryLimits(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(nodeA)
	opts.Limits = Limits{MaxFailures: 1, MaxSuccesses: 2}
	l := NewCluster("job", memstore.New(), opts)

	outcomes := []domain.ResultType{domain.ResultSuccess, domain.ResultError, domain.ResultWarning, domain.ResultFailure, domain.ResultSuccess}
	for _, o := range outcomes {
		_, err := l.TaskStarted(ctx, t0, "")
		require.NoError(t, err)
		require.NoError(t, l.TaskEnded(ctx, o, "", nil))
	}
	results, err := l.Results(ctx)
	require.NoError(t, err)
	types := make([]domain.ResultType, 0, len(results))
	for _, r := range results {
		types = append(types, r.Type)
	}
	assert.Equal(t, []domain.ResultType{domain.ResultSuccess, domain.ResultFailure, domain.ResultWarning}, types)
}
