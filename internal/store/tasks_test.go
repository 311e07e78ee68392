package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/podushkina/taskcore/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newPendingTask(id string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:          id,
		Name:        "build " + id,
		Type:        task.TypeBuild,
		Command:     "exit 0",
		Environment: task.Environment{"GOFLAGS": "-mod=mod"},
		Status:      task.StatusPending,
		MaxAttempts: 3,
		Queued:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestCreateAndGet(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	repo := int64(7)
	tsk := newPendingTask("t1")
	tsk.RepositoryID = &repo
	require.NoError(t, st.Create(ctx, tsk))

	got, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "build t1", got.Name)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, task.Environment{"GOFLAGS": "-mod=mod"}, got.Environment)
	require.NotNil(t, got.RepositoryID)
	assert.Equal(t, int64(7), *got.RepositoryID)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.StartedAt)
	assert.True(t, got.Queued)
	assert.Equal(t, "/tasks/t1/logs", got.Logs)

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestUpdateStatus_ClaimAndComplete(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, newPendingTask("t1")))

	started := time.Now()
	claimed, err := st.UpdateStatus(ctx, "t1", task.StatusPending, Update{
		Status:           task.StatusRunning,
		RequireQueued:    true,
		Queued:           boolPtr(false),
		IncrementAttempt: true,
		StartedAt:        &started,
		HeartbeatAt:      &started,
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)
	assert.False(t, claimed.Queued)
	require.NotNil(t, claimed.StartedAt)

	done := started.Add(time.Second)
	code := 0
	completed, err := st.UpdateStatus(ctx, "t1", task.StatusRunning, Update{
		Status:      task.StatusCompleted,
		CompletedAt: &done,
		ExitCode:    &code,
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, completed.Status)
	require.NotNil(t, completed.ExitCode)
	assert.Equal(t, 0, *completed.ExitCode)
	assert.False(t, completed.CompletedAt.Before(*completed.StartedAt))
}

func TestUpdateStatus_Conflict(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, newPendingTask("t1")))

	_, err := st.UpdateStatus(ctx, "t1", task.StatusRunning, Update{Status: task.StatusCompleted})
	assert.ErrorIs(t, err, task.ErrConflict)

	got, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)

	_, err = st.UpdateStatus(ctx, "missing", task.StatusPending, Update{Status: task.StatusRunning})
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestUpdateStatus_InvalidTransitionLeavesState(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, newPendingTask("t1")))

	_, err := st.UpdateStatus(ctx, "t1", task.StatusPending, Update{Status: task.StatusCompleted})
	assert.ErrorIs(t, err, task.ErrInvalidTransition)

	got, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestUpdateStatus_RequireQueued(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	tsk := newPendingTask("t1")
	tsk.Queued = false
	require.NoError(t, st.Create(ctx, tsk))

	_, err := st.UpdateStatus(ctx, "t1", task.StatusPending, Update{Status: task.StatusRunning, RequireQueued: true})
	assert.ErrorIs(t, err, task.ErrConflict)
}

func TestUpdateStatus_ExclusiveClaim(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, newPendingTask("t1")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.UpdateStatus(ctx, "t1", task.StatusPending, Update{
				Status:           task.StatusRunning,
				RequireQueued:    true,
				Queued:           boolPtr(false),
				IncrementAttempt: true,
			})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, task.ErrConflict)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestUpdateStatus_StaleAttemptIsFenced(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, newPendingTask("t1")))

	claim := func(from task.Status) *task.Task {
		now := time.Now()
		got, err := st.UpdateStatus(ctx, "t1", from, Update{
			Status:           task.StatusRunning,
			RequireQueued:    true,
			Queued:           boolPtr(false),
			IncrementAttempt: true,
			StartedAt:        &now,
			HeartbeatAt:      &now,
		})
		require.NoError(t, err)
		return got
	}

	first := claim(task.StatusPending)
	require.Equal(t, 1, first.AttemptCount)

	// The lease of attempt 1 expires and the task is re-armed and claimed again.
	reason := "lease expired"
	_, err := st.UpdateStatus(ctx, "t1", task.StatusRunning, Update{
		Status:          task.StatusFailed,
		ExpectedAttempt: first.AttemptCount,
		Reason:          &reason,
		Queued:          boolPtr(true),
	})
	require.NoError(t, err)
	second := claim(task.StatusFailed)
	require.Equal(t, 2, second.AttemptCount)

	now := time.Now()
	_, err = st.UpdateStatus(ctx, "t1", task.StatusRunning, Update{HeartbeatAt: &now, ExpectedAttempt: first.AttemptCount})
	assert.ErrorIs(t, err, task.ErrConflict)

	_, err = st.UpdateStatus(ctx, "t1", task.StatusRunning, Update{
		Status:          task.StatusCompleted,
		CompletedAt:     &now,
		ExpectedAttempt: first.AttemptCount,
	})
	assert.ErrorIs(t, err, task.ErrConflict)

	got, err := st.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, 2, got.AttemptCount)

	_, err = st.UpdateStatus(ctx, "t1", task.StatusRunning, Update{HeartbeatAt: &now, ExpectedAttempt: second.AttemptCount})
	assert.NoError(t, err)
}

func TestList_Filters(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	repo := int64(3)
	a := newPendingTask("a")
	b := newPendingTask("b")
	b.Type = task.TypeTest
	b.RepositoryID = &repo
	c := newPendingTask("c")
	c.Type = task.TypeDeploy
	c.Status = task.StatusFailed
	c.Reason = task.ReasonCancelled
	for _, tsk := range []*task.Task{a, b, c} {
		require.NoError(t, st.Create(ctx, tsk))
	}

	all, err := st.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := st.List(ctx, Filter{Statuses: []task.Status{task.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "c", failed[0].ID)

	tests, err := st.List(ctx, Filter{Types: []task.Type{task.TypeTest}})
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "b", tests[0].ID)

	byRepo, err := st.List(ctx, Filter{RepositoryID: &repo})
	require.NoError(t, err)
	assert.Len(t, byRepo, 1)

	limited, err := st.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Pending: 2, Failed: 1, Cancelled: 1}, stats)
}

func TestListExpiredLeases(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, newPendingTask("stale")))
	require.NoError(t, st.Create(ctx, newPendingTask("fresh")))

	old := time.Now().Add(-time.Hour)
	_, err := st.UpdateStatus(ctx, "stale", task.StatusPending, Update{Status: task.StatusRunning, StartedAt: &old, HeartbeatAt: &old})
	require.NoError(t, err)
	now := time.Now()
	_, err = st.UpdateStatus(ctx, "fresh", task.StatusPending, Update{Status: task.StatusRunning, StartedAt: &now, HeartbeatAt: &now})
	require.NoError(t, err)

	expired, err := st.ListExpiredLeases(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].ID)
}

func TestDelete(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, newPendingTask("t1")))

	require.NoError(t, st.Delete(ctx, "t1"))
	assert.ErrorIs(t, st.Delete(ctx, "t1"), task.ErrNotFound)
}

func TestRepositoryExists(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.RegisterRepository(ctx, 42, "portal", "https://example.com/portal.git"))

	ok, err := st.RepositoryExists(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.RepositoryExists(ctx, 43)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()

	v, err := st.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
}
