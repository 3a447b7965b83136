package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/store"
)

var (
	// ErrTurnInProgress is returned when another turn of the same session
	// is still running.
	ErrTurnInProgress = errors.New("turn in progress")
	// ErrStaleSession is returned when the client sends a state older than
	// the server-side copy of the same conversation.
	ErrStaleSession = errors.New("stale session state")
)

// Service runs dialogue turns with at most one in-flight turn per
// (user, session) and mirrors each successful state server-side.
type Service struct {
	engine   Engine
	sessions SessionStore
	log      ConversationLogger
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService creates a new agent service. sessions and convLog may be nil.
func NewService(engine Engine, sessions SessionStore, convLog ConversationLogger, logger *slog.Logger) *Service {
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   engine,
		sessions: sessions,
		log:      convLog,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]struct{}),
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

func (s *Service) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

// Chat runs one turn. Errors are ErrTurnInProgress, ErrStaleSession or a
// hard profile store failure from the engine; every other failure comes
// back as a degraded response.
func (s *Service) Chat(ctx context.Context, t Turn) (*ChatResponse, error) {
	key := sessionKey(t.UserID, t.SessionID)
	if !s.tryAcquire(key) {
		return nil, ErrTurnInProgress
	}
	defer s.release(key)

	state, err := s.resolveState(ctx, t)
	if err != nil {
		return nil, err
	}

	s.log.Log(ConversationLogEvent{
		UserID:     t.UserID,
		SessionID:  t.SessionID,
		Channel:    t.Channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: t.Message,
		Meta:       map[string]any{"request_id": t.RequestID},
	})

	out, err := s.engine.Handle(ctx, t.UserID, t.Message, state)
	if err != nil {
		s.logger.Error("Chat turn failed", "user_id", t.UserID, "session_id", t.SessionID, "error", err)
		return nil, err
	}

	if !out.Degraded {
		s.mirror(ctx, t, out.State)
	}

	meta := map[string]any{
		"request_id":       t.RequestID,
		"citations":        len(out.Citations),
		"degraded":         out.Degraded,
		"fallback_sources": out.FallbackSources,
		"profile_changed":  out.ProfileChanged,
	}
	if out.Err != nil {
		meta["error"] = out.Err.Error()
	}
	s.log.Log(ConversationLogEvent{
		UserID:     t.UserID,
		SessionID:  t.SessionID,
		Channel:    t.Channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		Step:       string(out.State.CurrentStep),
		ContentRaw: out.Response,
		Meta:       meta,
	})

	citations := out.Citations
	if citations == nil {
		citations = []domain.Citation{}
	}
	return &ChatResponse{
		Response:               out.Response,
		Citations:              citations,
		SessionState:           out.State,
		CurrentStep:            out.State.CurrentStep,
		ContextSufficient:      out.Profile.ContextSufficient,
		MissingContext:         out.State.MissingContext,
		ReducedPersonalization: out.State.ReducedPersonalization,
		Degraded:               out.Degraded,
	}, nil
}

// resolveState picks the state the turn runs against and rejects states
// that lag behind the server-side copy.
func (s *Service) resolveState(ctx context.Context, t Turn) (*domain.SessionState, error) {
	if s.sessions == nil {
		return t.State, nil
	}
	if t.State == nil && !t.Resume {
		return nil, nil
	}

	stored, err := s.sessions.GetAgentSession(ctx, t.UserID, t.SessionID)
	if err != nil {
		// The mirror is advisory; the turn proceeds without the check.
		s.logger.Warn("failed to load session mirror", "user_id", t.UserID, "session_id", t.SessionID, "error", err)
		return t.State, nil
	}

	if t.State == nil {
		if stored == nil {
			return nil, nil
		}
		state, err := stored.State()
		if err != nil {
			s.logger.Warn("discarding unreadable session mirror", "user_id", t.UserID, "session_id", t.SessionID, "error", err)
			return nil, nil
		}
		return state, nil
	}

	if stored != nil && stored.StateID == t.State.ID && t.State.Turn < stored.Turn {
		return nil, fmt.Errorf("%w: turn %d behind stored turn %d", ErrStaleSession, t.State.Turn, stored.Turn)
	}
	return t.State, nil
}

func (s *Service) mirror(ctx context.Context, t Turn, state *domain.SessionState) {
	if s.sessions == nil {
		return
	}
	session, err := domain.NewAgentSession(t.UserID, t.SessionID, state, s.now())
	if err != nil {
		s.logger.Warn("failed to encode session mirror", "user_id", t.UserID, "error", err)
		return
	}
	if err := s.sessions.SaveAgentSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrStaleSession) {
			s.logger.Warn("session mirror already ahead", "user_id", t.UserID, "session_id", t.SessionID, "turn", state.Turn)
			return
		}
		s.logger.Warn("failed to save session mirror", "user_id", t.UserID, "session_id", t.SessionID, "error", err)
	}
}

// Reset drops the server-side copy of one conversation.
func (s *Service) Reset(ctx context.Context, userID, sessionID string) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.DeleteAgentSession(ctx, userID, sessionID)
}

// Close releases resources.
func (s *Service) Close() {
	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}
