package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"compass/internal/agent/ports"
	"compass/internal/errors"
	"compass/internal/logging"
	"compass/internal/session"
)

// Store is an in-memory session store for development and tests. Each
// session carries its own mutex so appends on different sessions never
// contend with each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   logging.Logger
	now      func() time.Time
}

type entry struct {
	mu   sync.Mutex
	data session.Session
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		logger:   logging.NewComponentLogger("SessionMemoryStore"),
		now:      time.Now,
	}
}

func (s *Store) Create(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := s.now()
	e := &entry{data: session.Session{
		ID:        sessionID,
		UserID:    userID,
		Status:    session.StatusActive,
		Messages:  []ports.Message{},
		Context:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sessionID]; exists {
		return nil, &errors.DuplicateSessionError{SessionID: sessionID}
	}
	s.sessions[sessionID] = e

	s.logger.Debug("created session %s for user %s", sessionID, userID)
	snapshot := cloneSession(&e.data)
	return snapshot, nil
}

func (s *Store) Get(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.UserID != userID {
		return nil, &errors.AccessDeniedError{SessionID: sessionID, UserID: userID}
	}
	return cloneSession(&e.data), nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg ports.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status != session.StatusActive {
		return &errors.ValidationError{Field: "session_id", Reason: "session is archived"}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	e.data.Messages = append(e.data.Messages, msg)
	e.data.UpdatedAt = s.now()
	return nil
}

func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]ports.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.data.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ports.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) MergeContext(ctx context.Context, sessionID string, entities map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Context == nil {
		e.data.Context = make(map[string]string, len(entities))
	}
	for k, v := range entities {
		e.data.Context[k] = v
	}
	e.data.UpdatedAt = s.now()
	return nil
}

func (s *Store) Archive(ctx context.Context, sessionID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.UserID != userID {
		return &errors.AccessDeniedError{SessionID: sessionID, UserID: userID}
	}
	if e.data.Status != session.StatusArchived {
		e.data.Status = session.StatusArchived
		e.data.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) ArchiveIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	archived := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.data.Status == session.StatusActive && e.data.UpdatedAt.Before(cutoff) {
			e.data.Status = session.StatusArchived
			archived++
		}
		e.mu.Unlock()
	}
	if archived > 0 {
		s.logger.Info("archived %d idle sessions", archived)
	}
	return archived, nil
}

func (s *Store) List(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type item struct {
		id      string
		updated time.Time
	}

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var items []item
	for _, e := range entries {
		e.mu.Lock()
		if e.data.UserID == userID {
			items = append(items, item{id: e.data.ID, updated: e.data.UpdatedAt})
		}
		e.mu.Unlock()
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].updated.Equal(items[j].updated) {
			return items[i].id < items[j].id
		}
		return items[i].updated.After(items[j].updated)
	})

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

func (s *Store) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, &errors.NotFoundError{Kind: "session", ID: sessionID}
	}
	return e, nil
}

func cloneSession(src *session.Session) *session.Session {
	out := *src
	out.Messages = make([]ports.Message, len(src.Messages))
	copy(out.Messages, src.Messages)
	out.Context = make(map[string]string, len(src.Context))
	for k, v := range src.Context {
		out.Context[k] = v
	}
	return &out
}

var _ session.Store = (*Store)(nil)
