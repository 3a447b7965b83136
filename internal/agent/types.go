// Package agent exposes the dialogue engine over HTTP and WebSocket and
// keeps the server-side copy of conversation state.
package agent

import (
	"bytes"
	"encoding/json"

	"github.com/ashureev/mandry/internal/domain"
)

// Transport channels recorded in conversation logs.
const (
	ChannelHTTP      = "chat_http"
	ChannelWebSocket = "chat_ws"
)

// ChatRequest is the body of POST /chat and of each WebSocket frame.
type ChatRequest struct {
	Message string `json:"message"`
	// SessionState is the state returned by the previous turn, or null to
	// start a new conversation. WebSocket frames omit it.
	SessionState json.RawMessage `json:"session_state,omitempty"`
}

// ChatResponse is the reply to one turn.
type ChatResponse struct {
	Response               string               `json:"response"`
	Citations              []domain.Citation    `json:"citations"`
	SessionState           *domain.SessionState `json:"session_state"`
	CurrentStep            domain.Step          `json:"current_step"`
	ContextSufficient      bool                 `json:"context_sufficient"`
	MissingContext         []string             `json:"missing_context"`
	ReducedPersonalization bool                 `json:"reduced_personalization"`
	Degraded               bool                 `json:"degraded,omitempty"`
}

// Turn is one unit of work handed to the Service.
type Turn struct {
	UserID    string
	SessionID string
	Message   string
	// State is the client's copy. When nil and Resume is set, the stored
	// server-side copy is used; otherwise a new conversation starts.
	State   *domain.SessionState
	Resume  bool
	Channel string
	// RequestID correlates log lines with the access log.
	RequestID string
}

// decodeState parses an optional round-tripped state. JSON null and an
// absent field both mean "start over".
func decodeState(raw json.RawMessage) (*domain.SessionState, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return domain.DecodeSessionState(raw)
}
