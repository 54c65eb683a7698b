package task

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/errors"
)

func TestLifecycleHappyPath(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &Task{SessionID: "sess-1", Type: "analyze_compliance"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, 0, created.Progress)

	claimed, err := store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)

	require.NoError(t, store.UpdateProgress(ctx, claimed.ID, 40, "analyzing controls"))

	mid, err := store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, "analyzing controls", mid.ProgressMessage)

	require.NoError(t, store.Complete(ctx, claimed.ID, json.RawMessage(`{"ok":true}`)))

	final, err := store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress, "completion forces progress to 100")
	assert.JSONEq(t, `{"ok":true}`, string(final.Result))
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &Task{Type: "fetch_evidence"})
	require.NoError(t, err)
	_, err = store.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, created.ID, "boom"))

	assert.Error(t, store.Complete(ctx, created.ID, nil))
	assert.Error(t, store.Fail(ctx, created.ID, "again"))
	_, err = store.Cancel(ctx, created.ID)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestProgressIsMonotonic(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &Task{Type: "fetch_evidence"})
	require.NoError(t, err)

	// Pending tasks do not accept progress.
	err = store.UpdateProgress(ctx, created.ID, 10, "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = store.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, store.UpdateProgress(ctx, created.ID, 30, "step one"))
	require.NoError(t, store.UpdateProgress(ctx, created.ID, 30, "still step one"))
	require.NoError(t, store.UpdateProgress(ctx, created.ID, 80, "step two"))

	err = store.UpdateProgress(ctx, created.ID, 50, "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	err = store.UpdateProgress(ctx, created.ID, 101, "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, got.Progress)
	assert.Equal(t, "step two", got.ProgressMessage, "message is overwritten freely")
}

func TestClaimHandsEachTaskToOneWorker(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	const total = 50
	for i := 0; i < total; i++ {
		_, err := store.Create(ctx, &Task{Type: "fetch_evidence"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[int64]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.Claim(ctx)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "task %d claimed more than once", id)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	first, err := store.Create(ctx, &Task{Type: "a"})
	require.NoError(t, err)
	second, err := store.Create(ctx, &Task{Type: "b"})
	require.NoError(t, err)

	got, err := store.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = store.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = store.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "empty queue claims nil")
}

func TestCancelPendingIsImmediate(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &Task{Type: "fetch_evidence"})
	require.NoError(t, err)

	cancelled, err := store.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.False(t, cancelled.StartedAt.IsZero(), "terminal tasks carry a start stamp")
	assert.False(t, cancelled.FinishedAt.IsZero())

	// Cancelled tasks never reach a worker.
	got, err := store.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCancelRunningIsCooperative(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &Task{Type: "fetch_evidence"})
	require.NoError(t, err)
	_, err = store.Claim(ctx)
	require.NoError(t, err)

	cancelled, err := store.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, cancelled.Status, "running task keeps running until handler yields")
	assert.True(t, cancelled.CancelRequested)

	requested, err := store.CancelRequested(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, store.FinishCancel(ctx, created.ID))
	final, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestRefailStale(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	stale, err := store.Create(ctx, &Task{Type: "fetch_evidence"})
	require.NoError(t, err)
	_, err = store.Claim(ctx)
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(30 * time.Minute) }
	fresh, err := store.Create(ctx, &Task{Type: "fetch_evidence"})
	require.NoError(t, err)
	_, err = store.Claim(ctx)
	require.NoError(t, err)

	n, err := store.RefailStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "abandoned")

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestCreateRequiresType(t *testing.T) {
	store := NewMemStore()
	_, err := store.Create(context.Background(), &Task{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
