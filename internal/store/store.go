// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"kaiwa/internal/domain"
)

// Repository defines the interface for persisting users and chat sessions.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetChatSession retrieves the persisted conversation state for one
	// browser session, or nil if none exists.
	GetChatSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)

	// UpsertChatSession creates or updates persisted conversation state.
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error

	// DeleteChatSession removes persisted conversation state.
	DeleteChatSession(ctx context.Context, userID, sessionID string) error

	// CleanupExpiredSessions removes chat sessions idle longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
