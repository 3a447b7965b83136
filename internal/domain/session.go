package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStateVersion tags the serialized layout of SessionState.
const SessionStateVersion = 1

// Step is a conversation state machine step.
type Step string

const (
	StepAssessContext  Step = "ASSESS_CONTEXT"
	StepGatherContext  Step = "GATHER_CONTEXT"
	StepIntelligentQnA Step = "INTELLIGENT_QNA"
	StepEnd            Step = "END"
)

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	switch s {
	case StepAssessContext, StepGatherContext, StepIntelligentQnA, StepEnd:
		return true
	}
	return false
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionState is the per-conversation control-flow object threaded across
// turns. It is a plain value: clients round-trip it as JSON.
type SessionState struct {
	Version                int       `json:"version"`
	ID                     string    `json:"id"`
	Turn                   int64     `json:"turn"`
	CurrentStep            Step      `json:"current_step"`
	MessageHistory         []Message `json:"message_history"`
	TurnsInGather          int       `json:"turns_in_gather"`
	LastQuestion           string    `json:"last_question,omitempty"`
	MissingContext         []string  `json:"missing_context"`
	ReducedPersonalization bool      `json:"reduced_personalization"`
	AskedTopic             string    `json:"asked_topic,omitempty"`
	AskCount               int       `json:"ask_count,omitempty"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// NewSessionState starts a fresh conversation at ASSESS_CONTEXT.
func NewSessionState(now time.Time) *SessionState {
	return &SessionState{
		Version:        SessionStateVersion,
		ID:             uuid.NewString(),
		CurrentStep:    StepAssessContext,
		MessageHistory: []Message{},
		MissingContext: []string{},
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.MessageHistory = append([]Message{}, s.MessageHistory...)
	c.MissingContext = append([]string{}, s.MissingContext...)
	return &c
}

// Append adds a message and trims the oldest entries beyond window.
// A window <= 0 keeps everything.
func (s *SessionState) Append(role, content string, window int) {
	s.MessageHistory = append(s.MessageHistory, Message{Role: role, Content: content})
	if window > 0 && len(s.MessageHistory) > window {
		s.MessageHistory = append([]Message{}, s.MessageHistory[len(s.MessageHistory)-window:]...)
	}
}

// Recent returns the last n messages.
func (s *SessionState) Recent(n int) []Message {
	if n <= 0 || n >= len(s.MessageHistory) {
		return s.MessageHistory
	}
	return s.MessageHistory[len(s.MessageHistory)-n:]
}

// Validate checks a state received from an untrusted client.
func (s *SessionState) Validate() error {
	if s.Version != SessionStateVersion {
		return fmt.Errorf("unsupported session state version %d", s.Version)
	}
	if !s.CurrentStep.Valid() {
		return fmt.Errorf("unknown step %q", s.CurrentStep)
	}
	if s.TurnsInGather < 0 || s.Turn < 0 {
		return fmt.Errorf("negative counters in session state")
	}
	for i, m := range s.MessageHistory {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
	}
	return nil
}

// DecodeSessionState parses and validates a serialized state.
func DecodeSessionState(data []byte) (*SessionState, error) {
	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.MessageHistory == nil {
		s.MessageHistory = []Message{}
	}
	if s.MissingContext == nil {
		s.MissingContext = []string{}
	}
	return &s, nil
}
