package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"kaiwa/internal/audit"
	"kaiwa/internal/chat"
	"kaiwa/internal/domain"
	"kaiwa/internal/generate"
	"kaiwa/internal/store"
)

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// SessionRegistry hands out one chat.Controller per user+session pair,
// restoring persisted conversation state on first access and saving it back
// after every action.
type SessionRegistry struct {
	repo   store.Repository
	gen    generate.Generator
	sink   audit.Sink
	gate   *chat.Gate
	opts   chat.Options
	logger *slog.Logger

	mu          sync.Mutex
	controllers map[string]*chat.Controller
}

// NewSessionRegistry creates a registry backed by repo for persistence.
func NewSessionRegistry(repo store.Repository, gen generate.Generator, sink audit.Sink, opts chat.Options, logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		repo:        repo,
		gen:         gen,
		sink:        sink,
		opts:        opts,
		logger:      logger,
		controllers: make(map[string]*chat.Controller),
	}
}

// Get returns the controller for the given session, creating and restoring it
// on first access.
func (s *SessionRegistry) Get(ctx context.Context, userID, sessionID string) *chat.Controller {
	key := sessionKey(userID, sessionID)

	s.mu.Lock()
	ctrl, ok := s.controllers[key]
	if !ok {
		ctrl = chat.NewController(s.gen, s.sink, s.opts)
		s.controllers[key] = ctrl
	}
	s.mu.Unlock()
	if ok {
		return ctrl
	}

	session, err := s.repo.GetChatSession(ctx, userID, sessionID)
	if err != nil {
		s.logger.Warn("failed to load chat session", "user_id", userID, "session_id", sessionID, "error", err)
		return ctrl
	}
	if session == nil {
		return ctrl
	}

	var turns []domain.Turn
	var ids []domain.IdentityPair
	if err := json.Unmarshal([]byte(session.TurnsJSON), &turns); err != nil {
		s.logger.Warn("discarding corrupt persisted turns", "user_id", userID, "session_id", sessionID, "error", err)
		return ctrl
	}
	if session.IdentityJSON != "" {
		if err := json.Unmarshal([]byte(session.IdentityJSON), &ids); err != nil {
			// Restore reconciles, so identities are rebuilt from the turns.
			s.logger.Warn("discarding corrupt persisted identities", "user_id", userID, "session_id", sessionID, "error", err)
			ids = nil
		}
	}
	ctrl.Restore(turns, ids, session.Draft)
	return ctrl
}

// Save persists the controller's current state. Persistence is best-effort:
// failures are logged and the action result stands.
func (s *SessionRegistry) Save(ctx context.Context, userID, sessionID string, ctrl *chat.Controller) {
	turns, ids, draft := ctrl.Snapshot()

	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		s.logger.Warn("failed to marshal turns", "user_id", userID, "error", err)
		return
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		s.logger.Warn("failed to marshal identities", "user_id", userID, "error", err)
		return
	}

	now := time.Now()
	err = s.repo.UpsertChatSession(ctx, &domain.ChatSession{
		UserID:       userID,
		SessionID:    sessionID,
		TurnsJSON:    string(turnsJSON),
		IdentityJSON: string(idsJSON),
		Draft:        draft,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		s.logger.Warn("failed to persist chat session", "user_id", userID, "session_id", sessionID, "error", err)
	}
}

// Discard removes the persisted state for a cleared session.
func (s *SessionRegistry) Discard(ctx context.Context, userID, sessionID string) {
	if err := s.repo.DeleteChatSession(ctx, userID, sessionID); err != nil {
		s.logger.Warn("failed to delete chat session", "user_id", userID, "session_id", sessionID, "error", err)
	}
}
