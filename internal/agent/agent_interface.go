package agent

import (
	"context"

	"github.com/ashureev/mandry/internal/dialogue"
	"github.com/ashureev/mandry/internal/domain"
)

// Engine runs one dialogue turn. It is implemented by the dialogue
// orchestrator.
type Engine interface {
	Handle(ctx context.Context, userID, message string, state *domain.SessionState) (dialogue.Outcome, error)
}

// SessionStore keeps the server-side copy of each conversation's state.
type SessionStore interface {
	GetAgentSession(ctx context.Context, userID, sessionID string) (*domain.AgentSession, error)
	SaveAgentSession(ctx context.Context, session *domain.AgentSession) error
	DeleteAgentSession(ctx context.Context, userID, sessionID string) error
}

// Ensure the orchestrator implements Engine.
var _ Engine = (*dialogue.Orchestrator)(nil)
