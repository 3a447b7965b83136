package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSessionStateAppendTrimsOldest(t *testing.T) {
	t.Parallel()

	s := NewSessionState(time.Now())
	for i := 0; i < 5; i++ {
		s.Append(RoleUser, string(rune('a'+i)), 3)
	}
	if len(s.MessageHistory) != 3 {
		t.Fatalf("history length = %d, want 3", len(s.MessageHistory))
	}
	if s.MessageHistory[0].Content != "c" {
		t.Fatalf("oldest kept = %q, want c", s.MessageHistory[0].Content)
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSessionState(time.Unix(1700000000, 0).UTC())
	s.CurrentStep = StepGatherContext
	s.TurnsInGather = 2
	s.LastQuestion = "Do I need a visa?"
	s.Append(RoleUser, "hi", 10)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := DecodeSessionState(data)
	if err != nil {
		t.Fatalf("DecodeSessionState: %v", err)
	}
	if got.ID != s.ID || got.CurrentStep != StepGatherContext || got.TurnsInGather != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeSessionStateRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"version": `{"version":9,"current_step":"END"}`,
		"step":    `{"version":1,"current_step":"DANCE"}`,
		"role":    `{"version":1,"current_step":"END","message_history":[{"role":"system","content":"x"}]}`,
		"counter": `{"version":1,"current_step":"END","turns_in_gather":-1}`,
		"json":    `{`,
	}
	for name, raw := range cases {
		if _, err := DecodeSessionState([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestAgentSessionRoundTrip(t *testing.T) {
	t.Parallel()

	state := NewSessionState(time.Now())
	state.Turn = 4
	row, err := NewAgentSession("anon_1", "tab-1", state, time.Now())
	if err != nil {
		t.Fatalf("NewAgentSession: %v", err)
	}
	if row.Turn != 4 {
		t.Fatalf("Turn = %d, want 4", row.Turn)
	}
	got, err := row.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.ID != state.ID {
		t.Fatalf("ID = %q, want %q", got.ID, state.ID)
	}
}
