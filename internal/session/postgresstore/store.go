package postgresstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"compass/internal/agent/ports"
	"compass/internal/errors"
	"compass/internal/logging"
	"compass/internal/session"
)

const sessionTable = "compass_sessions"

// Store implements a Postgres-backed session store. Appends use a single
// JSONB concatenation update so concurrent appends on the same session
// serialize inside the database without read-modify-write races.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Postgres-backed session store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("SessionPostgresStore"),
	}
}

// EnsureSchema creates the session table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("session store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    messages JSONB NOT NULL DEFAULT '[]'::jsonb,
    context JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compass_sessions_user ON %s (user_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_compass_sessions_idle ON %s (status, updated_at);
`, sessionTable, sessionTable, sessionTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *Store) Create(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now()
	query := fmt.Sprintf(`
INSERT INTO %s (id, user_id, status, messages, context, created_at, updated_at)
VALUES ($1, $2, $3, '[]'::jsonb, '{}'::jsonb, $4, $4)
`, sessionTable)

	if _, err := s.pool.Exec(ctx, query, sessionID, userID, session.StatusActive, now); err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &errors.DuplicateSessionError{SessionID: sessionID}
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Debug("created session %s for user %s", sessionID, userID)
	return &session.Session{
		ID:        sessionID,
		UserID:    userID,
		Status:    session.StatusActive,
		Messages:  []ports.Message{},
		Context:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Store) Get(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT id, user_id, status, messages, context, created_at, updated_at
FROM %s
WHERE id = $1
`, sessionTable)

	var (
		sess         session.Session
		messagesJSON []byte
		contextJSON  []byte
	)
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.Status,
		&messagesJSON,
		&contextJSON,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Kind: "session", ID: sessionID}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if sess.UserID != userID {
		return nil, &errors.AccessDeniedError{SessionID: sessionID, UserID: userID}
	}

	if len(messagesJSON) > 0 {
		if err := json.Unmarshal(messagesJSON, &sess.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &sess.Context); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
	}
	return &sess, nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg ports.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	payload, err := json.Marshal([]ports.Message{msg})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	query := fmt.Sprintf(`
UPDATE %s
SET messages = messages || $2::jsonb, updated_at = now()
WHERE id = $1 AND status = $3
`, sessionTable)

	tag, err := s.pool.Exec(ctx, query, sessionID, payload, session.StatusActive)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMissedWrite(ctx, sessionID)
	}
	return nil
}

func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]ports.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT messages FROM %s WHERE id = $1`, sessionTable)

	var messagesJSON []byte
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&messagesJSON); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Kind: "session", ID: sessionID}
		}
		return nil, fmt.Errorf("load history: %w", err)
	}

	var msgs []ports.Message
	if len(messagesJSON) > 0 {
		if err := json.Unmarshal(messagesJSON, &msgs); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *Store) MergeContext(ctx context.Context, sessionID string, entities map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}

	payload, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	query := fmt.Sprintf(`
UPDATE %s
SET context = context || $2::jsonb, updated_at = now()
WHERE id = $1
`, sessionTable)

	tag, err := s.pool.Exec(ctx, query, sessionID, payload)
	if err != nil {
		return fmt.Errorf("merge context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Kind: "session", ID: sessionID}
	}
	return nil
}

func (s *Store) Archive(ctx context.Context, sessionID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $3, updated_at = now()
WHERE id = $1 AND user_id = $2
`, sessionTable)

	tag, err := s.pool.Exec(ctx, query, sessionID, userID, session.StatusArchived)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing session from wrong owner.
		var owner string
		lookup := fmt.Sprintf(`SELECT user_id FROM %s WHERE id = $1`, sessionTable)
		if scanErr := s.pool.QueryRow(ctx, lookup, sessionID).Scan(&owner); scanErr != nil {
			if stderrors.Is(scanErr, pgx.ErrNoRows) {
				return &errors.NotFoundError{Kind: "session", ID: sessionID}
			}
			return fmt.Errorf("archive session: %w", scanErr)
		}
		return &errors.AccessDeniedError{SessionID: sessionID, UserID: userID}
	}
	return nil
}

func (s *Store) ArchiveIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $1
WHERE status = $2 AND updated_at < now() - $3::interval
`, sessionTable)

	interval := fmt.Sprintf("%d seconds", int64(olderThan.Seconds()))
	tag, err := s.pool.Exec(ctx, query, session.StatusArchived, session.StatusActive, interval)
	if err != nil {
		return 0, fmt.Errorf("archive idle sessions: %w", err)
	}

	archived := int(tag.RowsAffected())
	if archived > 0 {
		s.logger.Info("archived %d idle sessions", archived)
	}
	return archived, nil
}

func (s *Store) List(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT id FROM %s
WHERE user_id = $1
ORDER BY updated_at DESC, id
`, sessionTable)

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// classifyMissedWrite figures out why an append touched no rows: the session
// may not exist, or it exists but is archived.
func (s *Store) classifyMissedWrite(ctx context.Context, sessionID string) error {
	var status session.Status
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, sessionTable)
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&status); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return &errors.NotFoundError{Kind: "session", ID: sessionID}
		}
		return fmt.Errorf("inspect session: %w", err)
	}
	return &errors.ValidationError{Field: "session_id", Reason: "session is archived"}
}

var _ session.Store = (*Store)(nil)
