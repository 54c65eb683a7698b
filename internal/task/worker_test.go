package task

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/config"
)

type funcHandler struct {
	typ string
	fn  func(ctx context.Context, exec *Execution) (json.RawMessage, error)
}

func (h *funcHandler) Type() string { return h.typ }
func (h *funcHandler) Execute(ctx context.Context, exec *Execution) (json.RawMessage, error) {
	return h.fn(ctx, exec)
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		PollInterval:   5 * time.Millisecond,
		MaxConcurrent:  4,
		StaleThreshold: time.Minute,
	}
}

func waitForStatus(t *testing.T, store Store, id int64, want Status) *Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		if got.Status == want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %d never reached status %s", id, want)
	return nil
}

func TestWorkerExecutesTask(t *testing.T) {
	store := NewMemStore()
	worker := NewWorker(store, testWorkerConfig(), 0, nil)
	require.NoError(t, worker.Register(&funcHandler{
		typ: "echo",
		fn: func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
			require.NoError(t, exec.ReportProgress(ctx, 50, "halfway"))
			return json.RawMessage(`{"echo":"done"}`), nil
		},
	}))

	created, err := store.Create(context.Background(), &Task{Type: "echo"})
	require.NoError(t, err)

	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop()

	final := waitForStatus(t, store, created.ID, StatusCompleted)
	assert.Equal(t, 100, final.Progress)
	assert.JSONEq(t, `{"echo":"done"}`, string(final.Result))
}

func TestWorkerFailsUnknownTaskType(t *testing.T) {
	store := NewMemStore()
	worker := NewWorker(store, testWorkerConfig(), 0, nil)

	created, err := store.Create(context.Background(), &Task{Type: "no_such_handler"})
	require.NoError(t, err)

	require.NoError(t, worker.Start(context.Background()))
	defer worker.Stop()

	final := waitForStatus(t, store, created.ID, StatusFailed)
	assert.Contains(t, final.Error, "no handler registered")
}

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	store := NewMemStore()
	worker := NewWorker(store, testWorkerConfig(), 0, nil)
	require.NoError(t, worker.Register(&funcHandler{
		typ: "explode",
		fn: func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
			panic("kaboom")
		},
	}))
	require.NoError(t, worker.Register(&funcHandler{
		typ: "ok",
		fn: func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}))

	ctx := context.Background()
	bad, err := store.Create(ctx, &Task{Type: "explode"})
	require.NoError(t, err)
	good, err := store.Create(ctx, &Task{Type: "ok"})
	require.NoError(t, err)

	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	failed := waitForStatus(t, store, bad.ID, StatusFailed)
	assert.Contains(t, failed.Error, "panic")

	// The panic did not take down the worker.
	waitForStatus(t, store, good.ID, StatusCompleted)
}

func TestWorkerCooperativeCancel(t *testing.T) {
	store := NewMemStore()
	worker := NewWorker(store, testWorkerConfig(), 0, nil)

	started := make(chan int64, 1)
	require.NoError(t, worker.Register(&funcHandler{
		typ: "slow",
		fn: func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
			started <- exec.Task.ID
			for i := 0; i < 500; i++ {
				if exec.Cancelled(ctx) {
					return nil, ErrCancelled
				}
				time.Sleep(2 * time.Millisecond)
			}
			return nil, fmt.Errorf("never cancelled")
		},
	}))

	ctx := context.Background()
	created, err := store.Create(ctx, &Task{Type: "slow"})
	require.NoError(t, err)

	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	<-started
	_, err = store.Cancel(ctx, created.ID)
	require.NoError(t, err)

	final := waitForStatus(t, store, created.ID, StatusCancelled)
	assert.Empty(t, final.Error)
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	store := NewMemStore()
	cfg := testWorkerConfig()
	cfg.MaxConcurrent = 2
	worker := NewWorker(store, cfg, 0, nil)

	inflight := make(chan struct{}, 16)
	release := make(chan struct{})
	require.NoError(t, worker.Register(&funcHandler{
		typ: "hold",
		fn: func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
			inflight <- struct{}{}
			<-release
			return json.RawMessage(`{}`), nil
		},
	}))

	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		created, err := store.Create(ctx, &Task{Type: "hold"})
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	require.NoError(t, worker.Start(ctx))

	// Only MaxConcurrent handlers may be in flight at once.
	deadline := time.After(time.Second)
	for len(inflight) < 2 {
		select {
		case <-deadline:
			t.Fatal("handlers never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, len(inflight), "concurrency cap exceeded")

	close(release)
	for _, id := range ids {
		waitForStatus(t, store, id, StatusCompleted)
	}
	worker.Stop()
}
