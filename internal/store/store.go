// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/mandry/internal/domain"
)

// ErrStaleSession is returned when a session save carries a turn number
// that is not newer than the stored one.
var ErrStaleSession = errors.New("stale session state")

// Repository defines the interface for persisting profiles and the
// server-side copies of conversation state.
type Repository interface {
	// LoadProfile returns the profile for userID, or nil if none exists.
	LoadProfile(ctx context.Context, userID string) (*domain.Profile, error)

	// SaveProfile creates or replaces a profile.
	SaveProfile(ctx context.Context, profile *domain.Profile) error

	// ClearProfile deletes a profile. Clearing an unknown user is not an error.
	ClearProfile(ctx context.Context, userID string) error

	// GetAgentSession retrieves the stored state of one conversation.
	GetAgentSession(ctx context.Context, userID, sessionID string) (*domain.AgentSession, error)

	// SaveAgentSession stores session state. The write only applies when
	// its turn is newer than the stored one; otherwise ErrStaleSession.
	SaveAgentSession(ctx context.Context, session *domain.AgentSession) error

	// DeleteAgentSession removes one conversation.
	DeleteAgentSession(ctx context.Context, userID, sessionID string) error

	// DeleteUserSessions removes every conversation of a user.
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)

	// CleanupExpiredSessions removes sessions idle for longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
