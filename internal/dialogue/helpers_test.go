package dialogue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/llm"
	"github.com/ashureev/mandry/internal/policy"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLLM routes each call by its system prompt.
type fakeLLM struct {
	mu      sync.Mutex
	extract func(payload string) (string, error)
	answer  func(payload string) (string, error)
	rewrite func(payload string) (string, error)
	calls   map[string]int
	last    map[string]string
}

func (f *fakeLLM) Complete(_ context.Context, system, payload string, _ llm.Options) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
		f.last = map[string]string{}
	}
	var kind string
	var fn func(string) (string, error)
	switch system {
	case extractionSystemPrompt:
		kind, fn = "extract", f.extract
	case answerSystemPrompt:
		kind, fn = "answer", f.answer
	case queryRewriteSystemPrompt:
		kind, fn = "rewrite", f.rewrite
	default:
		f.mu.Unlock()
		return "", errors.New("unexpected system prompt")
	}
	f.calls[kind]++
	f.last[kind] = payload
	f.mu.Unlock()

	if fn == nil {
		switch kind {
		case "extract":
			return "{}", nil
		case "answer":
			return "Students need a confirmed university place [Source 1].", nil
		default:
			return "", llm.ErrCompletionUnavailable
		}
	}
	return fn(payload)
}

func (f *fakeLLM) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeLLM) lastPayload(kind string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[kind]
}

func fixed(out string) func(string) (string, error) {
	return func(string) (string, error) { return out, nil }
}

type fakeSearcher struct {
	mu        sync.Mutex
	results   []domain.Source
	err       error
	lastQuery string
	lastLimit int
}

func (f *fakeSearcher) Search(_ context.Context, query string, limit int) ([]domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = query
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeSearcher) query() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

var govSources = []domain.Source{
	{Title: "Student visa", URL: "https://www.gov.uk/student-visa", Snippet: "You can apply for a Student visa to study in the UK if you're 16 or over."},
	{Title: "Student visa: eligibility", URL: "https://www.gov.uk/student-visa/eligibility", Snippet: "You must have an unconditional offer of a place on a course."},
	{Title: "Student visa: money", URL: "https://www.gov.uk/student-visa/money", Snippet: "You must have enough money to support yourself."},
}

type fakeProfileStore struct {
	mu       sync.Mutex
	profiles map[string]*domain.Profile
	loadErr  error
	saveErr  error
	saves    int
}

func newFakeProfileStore() *fakeProfileStore {
	return &fakeProfileStore{profiles: map[string]*domain.Profile{}}
}

func (s *fakeProfileStore) LoadProfile(_ context.Context, userID string) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *fakeProfileStore) SaveProfile(_ context.Context, p *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.profiles[p.UserID] = p.Clone()
	return nil
}

type harness struct {
	llm      *fakeLLM
	search   *fakeSearcher
	store    *fakeProfileStore
	policies *policy.Store
	orch     *Orchestrator
}

func newHarness(p *policy.Policy) *harness {
	if p == nil {
		p = policy.Default()
	}
	h := &harness{
		llm:      &fakeLLM{},
		search:   &fakeSearcher{results: govSources},
		store:    newFakeProfileStore(),
		policies: policy.NewStore(p),
	}
	logger := discardLogger()
	h.orch = NewOrchestrator(
		h.policies,
		NewExtractor(h.llm, logger),
		NewAnswerer(h.llm, h.search, time.Second, logger),
		h.store,
		logger,
	)
	h.orch.now = func() time.Time { return testNow }
	return h
}

func fullProfile(userID string) *domain.Profile {
	p := domain.NewProfile(userID, testNow)
	p.Nationality = "India"
	p.DestinationCountry = "United Kingdom"
	p.VisaIntent = "study"
	return p
}
