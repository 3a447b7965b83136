package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentSession is the server-side copy of a conversation's state, keyed by
// user and tab session.
type AgentSession struct {
	UserID    string
	SessionID string
	StateID   string
	Turn      int64
	StateJSON string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAgentSession serializes state for persistence.
func NewAgentSession(userID, sessionID string, state *SessionState, now time.Time) (*AgentSession, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	return &AgentSession{
		UserID:    userID,
		SessionID: sessionID,
		StateID:   state.ID,
		Turn:      state.Turn,
		StateJSON: string(data),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// State decodes the persisted session state.
func (a *AgentSession) State() (*SessionState, error) {
	return DecodeSessionState([]byte(a.StateJSON))
}
