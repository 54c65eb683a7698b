package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"compass/internal/errors"
	"compass/internal/logging"
)

// MemStore is an in-memory task queue for development and tests. A single
// mutex guards the whole queue, which also makes Claim trivially atomic.
type MemStore struct {
	mu     sync.Mutex
	tasks  map[int64]*Task
	nextID int64
	logger logging.Logger
	now    func() time.Time
}

// NewMemStore constructs an empty in-memory task store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:  make(map[int64]*Task),
		nextID: 1,
		logger: logging.NewComponentLogger("TaskMemStore"),
		now:    time.Now,
	}
}

func (s *MemStore) Create(ctx context.Context, t *Task) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t == nil || t.Type == "" {
		return nil, &errors.ValidationError{Field: "type", Reason: "task type is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := *t
	stored.ID = s.nextID
	stored.Status = StatusPending
	stored.Progress = 0
	stored.ProgressMessage = ""
	stored.Result = nil
	stored.Error = ""
	stored.CancelRequested = false
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.nextID++
	s.tasks[stored.ID] = &stored

	s.logger.Debug("enqueued task %d type=%s session=%s", stored.ID, stored.Type, stored.SessionID)
	out := stored
	return &out, nil
}

func (s *MemStore) Get(ctx context.Context, id int64) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &errors.NotFoundError{Kind: "task", ID: fmt.Sprintf("%d", id)}
	}
	out := *t
	return &out, nil
}

func (s *MemStore) ListBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for id := int64(1); id < s.nextID; id++ {
		t, ok := s.tasks[id]
		if ok && t.SessionID == sessionID {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemStore) Claim(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Oldest pending first; IDs are allocated in creation order.
	for id := int64(1); id < s.nextID; id++ {
		t, ok := s.tasks[id]
		if !ok || t.Status != StatusPending {
			continue
		}
		now := s.now()
		t.Status = StatusRunning
		t.StartedAt = now
		t.UpdatedAt = now
		out := *t
		return &out, nil
	}
	return nil, nil
}

func (s *MemStore) UpdateProgress(ctx context.Context, id int64, progress int, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return &errors.NotFoundError{Kind: "task", ID: fmt.Sprintf("%d", id)}
	}
	if t.Status != StatusRunning {
		return &errors.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot report progress on %s task", t.Status)}
	}
	if progress < 0 || progress > 100 {
		return &errors.ValidationError{Field: "progress", Reason: fmt.Sprintf("progress %d out of range 0-100", progress)}
	}
	if progress < t.Progress {
		return &errors.ValidationError{Field: "progress", Reason: fmt.Sprintf("progress cannot decrease from %d to %d", t.Progress, progress)}
	}
	t.Progress = progress
	t.ProgressMessage = message
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) Complete(ctx context.Context, id int64, result json.RawMessage) error {
	return s.finish(ctx, id, StatusCompleted, func(t *Task) {
		t.Result = result
		t.Progress = 100
	})
}

func (s *MemStore) Fail(ctx context.Context, id int64, reason string) error {
	return s.finish(ctx, id, StatusFailed, func(t *Task) {
		t.Error = reason
	})
}

func (s *MemStore) Cancel(ctx context.Context, id int64) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &errors.NotFoundError{Kind: "task", ID: fmt.Sprintf("%d", id)}
	}

	switch t.Status {
	case StatusPending:
		// Terminal tasks always carry both lifecycle stamps, even when
		// cancelled before a worker ever claimed them.
		now := s.now()
		t.Status = StatusCancelled
		t.StartedAt = now
		t.FinishedAt = now
		t.UpdatedAt = now
	case StatusRunning:
		t.CancelRequested = true
		t.UpdatedAt = s.now()
	default:
		return nil, &errors.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot cancel %s task", t.Status)}
	}

	out := *t
	return &out, nil
}

func (s *MemStore) CancelRequested(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, &errors.NotFoundError{Kind: "task", ID: fmt.Sprintf("%d", id)}
	}
	return t.CancelRequested, nil
}

func (s *MemStore) FinishCancel(ctx context.Context, id int64) error {
	return s.finish(ctx, id, StatusCancelled, func(t *Task) {})
}

func (s *MemStore) RefailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	failed := 0
	for _, t := range s.tasks {
		if t.Status == StatusRunning && t.UpdatedAt.Before(cutoff) {
			now := s.now()
			t.Status = StatusFailed
			t.Error = "task abandoned: no progress within stale threshold"
			t.FinishedAt = now
			t.UpdatedAt = now
			failed++
		}
	}
	if failed > 0 {
		s.logger.Warn("refailed %d stale running tasks", failed)
	}
	return failed, nil
}

func (s *MemStore) finish(ctx context.Context, id int64, status Status, apply func(*Task)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return &errors.NotFoundError{Kind: "task", ID: fmt.Sprintf("%d", id)}
	}
	if !t.Status.CanTransition(status) {
		return &errors.ValidationError{Field: "status", Reason: fmt.Sprintf("invalid transition %s -> %s", t.Status, status)}
	}

	now := s.now()
	t.Status = status
	t.FinishedAt = now
	t.UpdatedAt = now
	apply(t)
	return nil
}

var _ Store = (*MemStore)(nil)
