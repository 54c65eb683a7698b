package task

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence contract for the task queue.
//
// Claim must be atomic: when several workers poll concurrently, each pending
// task is handed to exactly one of them.
type Store interface {
	// Create enqueues a task in pending state and assigns its ID.
	Create(ctx context.Context, t *Task) (*Task, error)

	// Get retrieves a task by ID. Unknown IDs get NotFoundError.
	Get(ctx context.Context, id int64) (*Task, error)

	// ListBySession returns a session's tasks, oldest first.
	ListBySession(ctx context.Context, sessionID string) ([]*Task, error)

	// Claim atomically moves the oldest pending task to running and returns
	// it. Returns (nil, nil) when the queue is empty.
	Claim(ctx context.Context) (*Task, error)

	// UpdateProgress records handler progress. Values must stay within
	// 0-100 and never decrease; violations get ValidationError. Only
	// running tasks accept progress. The message is a free-form status
	// line and is overwritten on every report.
	UpdateProgress(ctx context.Context, id int64, progress int, message string) error

	// Complete finishes a running task, storing its result and forcing
	// progress to 100.
	Complete(ctx context.Context, id int64, result json.RawMessage) error

	// Fail finishes a running task with an error message.
	Fail(ctx context.Context, id int64, reason string) error

	// Cancel cancels a task. Pending tasks go terminal immediately; running
	// tasks get CancelRequested set and keep running until the handler
	// observes it. Cancelling a terminal task is rejected.
	Cancel(ctx context.Context, id int64) (*Task, error)

	// CancelRequested reports whether cancellation was requested for a task.
	CancelRequested(ctx context.Context, id int64) (bool, error)

	// FinishCancel moves a running task to cancelled after its handler
	// observed the cancel request and stopped.
	FinishCancel(ctx context.Context, id int64) error

	// RefailStale fails running tasks that have not reported progress within
	// the threshold, reclaiming work orphaned by a crashed worker. Returns
	// how many tasks were failed.
	RefailStale(ctx context.Context, olderThan time.Duration) (int, error)
}
