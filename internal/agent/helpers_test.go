package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/mandry/internal/dialogue"
	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/identity"
	"github.com/ashureev/mandry/internal/store"
)

const testUser = "anon_0123456789abcdef0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine advances the turn counter and echoes the message.
type fakeEngine struct {
	mu       sync.Mutex
	calls    int
	err      error
	degraded bool
	// gate, when set, blocks Handle until it is closed.
	gate    chan struct{}
	entered chan struct{}
	states  []*domain.SessionState
}

func (f *fakeEngine) Handle(ctx context.Context, userID, message string, state *domain.SessionState) (dialogue.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.states = append(f.states, state)
	gate, entered, err, degraded := f.gate, f.entered, f.err, f.degraded
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return dialogue.Outcome{}, ctx.Err()
		}
	}
	if err != nil {
		return dialogue.Outcome{}, err
	}

	next := state.Clone()
	if next == nil {
		next = domain.NewSessionState(time.Now())
	}
	profile := domain.NewProfile(userID, time.Now())
	if degraded {
		return dialogue.Outcome{
			Response: "Sorry, something went wrong on my side.",
			State:    next,
			Profile:  profile,
			Degraded: true,
			Err:      errors.New("completion unavailable"),
		}, nil
	}
	next.Turn++
	next.CurrentStep = domain.StepGatherContext
	next.MissingContext = []string{"nationality"}
	return dialogue.Outcome{
		Response: "echo: " + message,
		State:    next,
		Profile:  profile,
	}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.AgentSession
	getErr   error
	saves    int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]*domain.AgentSession{}}
}

func (f *fakeSessions) GetAgentSession(_ context.Context, userID, sessionID string) (*domain.AgentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (f *fakeSessions) SaveAgentSession(_ context.Context, a *domain.AgentSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionKey(a.UserID, a.SessionID)
	if cur, ok := f.sessions[key]; ok && cur.StateID == a.StateID && a.Turn <= cur.Turn {
		return store.ErrStaleSession
	}
	f.saves++
	c := *a
	f.sessions[key] = &c
	return nil
}

func (f *fakeSessions) DeleteAgentSession(_ context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionKey(userID, sessionID))
	return nil
}

func (f *fakeSessions) get(sessionID string) *domain.AgentSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionKey(testUser, sessionID)]
}

// withTestIdentity stands in for identity.Middleware.
func withTestIdentity(userID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := r.Header.Get(identity.SessionHeaderName)
		if sid == "" {
			sid = r.URL.Query().Get("session_id")
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), userID, sid)))
	})
}
