package task

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"compass/internal/errors"
	"compass/internal/logging"
)

const taskTable = "compass_tasks"

// PGStore is the Postgres-backed task queue. Claiming uses
// FOR UPDATE SKIP LOCKED so multiple worker processes can poll the same
// table without handing a task to two of them.
type PGStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPGStore constructs a Postgres-backed task store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskPGStore"),
	}
}

// EnsureSchema creates the task table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    payload JSONB,
    status TEXT NOT NULL DEFAULT 'pending',
    progress INT NOT NULL DEFAULT 0,
    progress_message TEXT NOT NULL DEFAULT '',
    result JSONB,
    error TEXT NOT NULL DEFAULT '',
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_compass_tasks_pending ON %s (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_compass_tasks_session ON %s (session_id, created_at);
`, taskTable, taskTable, taskTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

const taskColumns = `id, session_id, type, payload, status, progress, progress_message, result, error, cancel_requested, created_at, started_at, finished_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t          Task
		startedAt  *time.Time
		finishedAt *time.Time
	)
	err := row.Scan(
		&t.ID,
		&t.SessionID,
		&t.Type,
		&t.Payload,
		&t.Status,
		&t.Progress,
		&t.ProgressMessage,
		&t.Result,
		&t.Error,
		&t.CancelRequested,
		&t.CreatedAt,
		&startedAt,
		&finishedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt != nil {
		t.StartedAt = *startedAt
	}
	if finishedAt != nil {
		t.FinishedAt = *finishedAt
	}
	return &t, nil
}

func (s *PGStore) Create(ctx context.Context, t *Task) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t == nil || t.Type == "" {
		return nil, &errors.ValidationError{Field: "type", Reason: "task type is required"}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (session_id, type, payload, status)
VALUES ($1, $2, $3, $4)
RETURNING %s
`, taskTable, taskColumns)

	created, err := scanTask(s.pool.QueryRow(ctx, query, t.SessionID, t.Type, t.Payload, StatusPending))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.logger.Debug("enqueued task %d type=%s session=%s", created.ID, created.Type, created.SessionID)
	return created, nil
}

func (s *PGStore) Get(ctx context.Context, id int64) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, taskTable)
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Kind: "task", ID: fmt.Sprintf("%d", id)}
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE session_id = $1
ORDER BY created_at, id
`, taskColumns, taskTable)

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) Claim(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, started_at = now(), updated_at = now()
WHERE id = (
    SELECT id FROM %s
    WHERE status = $2
    ORDER BY created_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING %s
`, taskTable, taskTable, taskColumns)

	t, err := scanTask(s.pool.QueryRow(ctx, query, StatusRunning, StatusPending))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *PGStore) UpdateProgress(ctx context.Context, id int64, progress int, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if progress < 0 || progress > 100 {
		return &errors.ValidationError{Field: "progress", Reason: fmt.Sprintf("progress %d out of range 0-100", progress)}
	}

	query := fmt.Sprintf(`
UPDATE %s
SET progress = $2, progress_message = $3, updated_at = now()
WHERE id = $1 AND status = $4 AND progress <= $2
`, taskTable)

	tag, err := s.pool.Exec(ctx, query, id, progress, message, StatusRunning)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyProgressMiss(ctx, id, progress)
	}
	return nil
}

func (s *PGStore) Complete(ctx context.Context, id int64, result json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, result = $3, progress = 100, finished_at = now(), updated_at = now()
WHERE id = $1 AND status = $4
`, taskTable)

	tag, err := s.pool.Exec(ctx, query, id, StatusCompleted, result, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTransitionMiss(ctx, id, StatusCompleted)
	}
	return nil
}

func (s *PGStore) Fail(ctx context.Context, id int64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, error = $3, finished_at = now(), updated_at = now()
WHERE id = $1 AND status = $4
`, taskTable)

	tag, err := s.pool.Exec(ctx, query, id, StatusFailed, reason, StatusRunning)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTransitionMiss(ctx, id, StatusFailed)
	}
	return nil
}

func (s *PGStore) Cancel(ctx context.Context, id int64) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Pending tasks cancel immediately and get both lifecycle stamps;
	// running tasks only get the request flagged and finish when the
	// handler notices.
	query := fmt.Sprintf(`
UPDATE %s
SET
    status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
    cancel_requested = CASE WHEN status = 'running' THEN TRUE ELSE cancel_requested END,
    started_at = CASE WHEN status = 'pending' THEN now() ELSE started_at END,
    finished_at = CASE WHEN status = 'pending' THEN now() ELSE finished_at END,
    updated_at = now()
WHERE id = $1 AND status IN ('pending', 'running')
RETURNING %s
`, taskTable, taskColumns)

	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyCancelMiss(ctx, id)
		}
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	return t, nil
}

func (s *PGStore) CancelRequested(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`SELECT cancel_requested FROM %s WHERE id = $1`, taskTable)
	var requested bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&requested); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return false, &errors.NotFoundError{Kind: "task", ID: fmt.Sprintf("%d", id)}
		}
		return false, fmt.Errorf("check cancel: %w", err)
	}
	return requested, nil
}

func (s *PGStore) FinishCancel(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, finished_at = now(), updated_at = now()
WHERE id = $1 AND status = $3
`, taskTable)

	tag, err := s.pool.Exec(ctx, query, id, StatusCancelled, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTransitionMiss(ctx, id, StatusCancelled)
	}
	return nil
}

func (s *PGStore) RefailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, error = $2, finished_at = now(), updated_at = now()
WHERE status = $3 AND updated_at < now() - $4::interval
`, taskTable)

	interval := fmt.Sprintf("%d seconds", int64(olderThan.Seconds()))
	tag, err := s.pool.Exec(ctx, query,
		StatusFailed,
		"task abandoned: no progress within stale threshold",
		StatusRunning,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("refail stale tasks: %w", err)
	}

	failed := int(tag.RowsAffected())
	if failed > 0 {
		s.logger.Warn("refailed %d stale running tasks", failed)
	}
	return failed, nil
}

func (s *PGStore) classifyProgressMiss(ctx context.Context, id int64, progress int) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return &errors.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot report progress on %s task", t.Status)}
	}
	return &errors.ValidationError{Field: "progress", Reason: fmt.Sprintf("progress cannot decrease from %d to %d", t.Progress, progress)}
}

func (s *PGStore) classifyTransitionMiss(ctx context.Context, id int64, next Status) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &errors.ValidationError{Field: "status", Reason: fmt.Sprintf("invalid transition %s -> %s", t.Status, next)}
}

func (s *PGStore) classifyCancelMiss(ctx context.Context, id int64) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &errors.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot cancel %s task", t.Status)}
}

var _ Store = (*PGStore)(nil)
