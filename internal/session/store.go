package session

import (
	"context"
	"time"

	"compass/internal/agent/ports"
)

// Status of a conversation session.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Session is one user's conversation with the agent. Context carries
// entities extracted from tool results (control IDs, framework names) so
// later turns can resolve references like "that control".
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Status    Status            `json:"status"`
	Messages  []ports.Message   `json:"messages"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store persists conversation sessions.
//
// Implementations must serialize concurrent AppendMessage calls on the same
// session: two appends may interleave in either order but must never lose a
// message or corrupt the history.
type Store interface {
	// Create opens a new session. An empty sessionID asks the store to
	// allocate one. Reusing an existing ID fails with DuplicateSessionError.
	Create(ctx context.Context, sessionID, userID string) (*Session, error)

	// Get loads a session, enforcing ownership: a caller that is not the
	// session's owner gets AccessDeniedError. Unknown IDs get NotFoundError.
	Get(ctx context.Context, sessionID, userID string) (*Session, error)

	// AppendMessage atomically appends one message to an active session's
	// history. Archived sessions reject appends.
	AppendMessage(ctx context.Context, sessionID string, msg ports.Message) error

	// History returns the last limit messages in order; limit <= 0 returns
	// the full history.
	History(ctx context.Context, sessionID string, limit int) ([]ports.Message, error)

	// MergeContext folds entities into the session's context map,
	// overwriting existing keys.
	MergeContext(ctx context.Context, sessionID string, entities map[string]string) error

	// Archive marks a session archived. Owner-only, idempotent.
	Archive(ctx context.Context, sessionID, userID string) error

	// ArchiveIdle archives active sessions whose last update is older than
	// the threshold and reports how many were archived.
	ArchiveIdle(ctx context.Context, olderThan time.Duration) (int, error)

	// List returns the session IDs owned by userID, most recently updated
	// first.
	List(ctx context.Context, userID string) ([]string, error)
}
