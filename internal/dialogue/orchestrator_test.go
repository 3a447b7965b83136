package dialogue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/llm"
	"github.com/ashureev/mandry/internal/policy"
)

func TestAdvanceNullStateGreetsAndAsks(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	out := h.orch.Advance(context.Background(), domain.NewProfile("u", testNow), nil, "")
	if out.Degraded {
		t.Fatalf("degraded: %v", out.Err)
	}
	if out.State.CurrentStep != domain.StepGatherContext {
		t.Fatalf("step = %s", out.State.CurrentStep)
	}
	if out.State.TurnsInGather != 0 {
		t.Fatalf("turns_in_gather = %d", out.State.TurnsInGather)
	}
	if !strings.Contains(out.Response, policy.Default().Questions["nationality"]) {
		t.Fatalf("response = %q", out.Response)
	}
	if len(out.State.MessageHistory) != 1 || out.State.MessageHistory[0].Role != domain.RoleAssistant {
		t.Fatalf("history = %+v", out.State.MessageHistory)
	}
	if h.llm.count("extract") != 0 {
		t.Fatal("extractor called without a message")
	}
}

// Scenario A.
func TestAdvancePartialExtractionStaysInGather(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.llm.extract = fixed(`{"nationality":"Ukraine","visa_intent":"study","current_location":null,"destination_country":null,"structured_data":{},"note":null,"needed_context":[]}`)

	profile := domain.NewProfile("u", testNow)
	out := h.orch.Advance(context.Background(), profile, nil, "I am Ukrainian and want to apply for a study visa")
	if out.Degraded {
		t.Fatalf("degraded: %v", out.Err)
	}
	if out.Profile.Nationality != "Ukraine" || out.Profile.VisaIntent != "study" {
		t.Fatalf("profile = %+v", out.Profile)
	}
	if out.State.CurrentStep != domain.StepGatherContext {
		t.Fatalf("step = %s", out.State.CurrentStep)
	}
	if !reflect.DeepEqual(out.State.MissingContext, []string{"destination_country"}) {
		t.Fatalf("missing = %v", out.State.MissingContext)
	}
	if out.State.TurnsInGather != 1 || !out.ProfileChanged {
		t.Fatalf("turns=%d changed=%v", out.State.TurnsInGather, out.ProfileChanged)
	}
	if profile.Nationality != "" {
		t.Fatal("input profile mutated")
	}
	if len(out.State.MessageHistory) != 2 {
		t.Fatalf("history = %+v", out.State.MessageHistory)
	}
}

// Scenario B.
func TestAdvanceSufficientProfileGoesToQnA(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	out := h.orch.Advance(context.Background(), fullProfile("u"), nil, "")
	if out.State.CurrentStep != domain.StepIntelligentQnA {
		t.Fatalf("step = %s", out.State.CurrentStep)
	}
	if !strings.HasPrefix(out.Response, "Great! I understand your situation:") {
		t.Fatalf("response = %q", out.Response)
	}
	if !out.Profile.ContextSufficient {
		t.Fatal("context_sufficient not set")
	}

	next := h.orch.Advance(context.Background(), out.Profile, out.State, "What documents do I need?")
	if next.State.CurrentStep != domain.StepIntelligentQnA || len(next.Citations) == 0 {
		t.Fatalf("qna outcome = %+v", next)
	}
	if next.State.Turn != out.State.Turn+1 {
		t.Fatalf("turn = %d, want %d", next.State.Turn, out.State.Turn+1)
	}
}

// Scenario C at the orchestrator level.
func TestAdvanceRetrievalDownStillAnswers(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.search.err = errors.New("connection refused")
	h.llm.answer = fixed("Check the visa guidance.")

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepIntelligentQnA
	out := h.orch.Advance(context.Background(), fullProfile("u"), state, "Do I need a visa?")
	if out.Degraded {
		t.Fatalf("degraded: %v", out.Err)
	}
	if out.Response == "" || len(out.Citations) == 0 || !out.FallbackSources {
		t.Fatalf("outcome = %+v", out)
	}
}

// Scenario D.
func TestAdvanceUnparseableExtractionLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.llm.extract = fixed("Sure! The user is from India.")

	profile := domain.NewProfile("u", testNow)
	profile.Nationality = "India"
	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepGatherContext
	state.TurnsInGather = 1
	state.AskedTopic = "visa_intent"
	state.Append(domain.RoleAssistant, "What is the purpose of your trip?", 20)

	before := state.Clone()
	profileBefore := profile.Clone()

	out := h.orch.Advance(context.Background(), profile, state, "I want to move for a job")
	if !out.Degraded || !errors.Is(out.Err, ErrExtractionParse) {
		t.Fatalf("degraded=%v err=%v", out.Degraded, out.Err)
	}
	if !reflect.DeepEqual(out.State, before) {
		t.Fatalf("state changed:\n got %+v\nwant %+v", out.State, before)
	}
	if !reflect.DeepEqual(out.Profile, profileBefore) || out.ProfileChanged {
		t.Fatal("profile changed on failed extraction")
	}
	if out.State.CurrentStep != domain.StepGatherContext {
		t.Fatalf("step = %s", out.State.CurrentStep)
	}
	if !strings.Contains(out.Response, "didn't quite catch") {
		t.Fatalf("response = %q", out.Response)
	}
}

// Scenario E.
func TestAdvanceForcesQnAAtCap(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	maxTurns := policy.Default().MaxGatherTurns

	profile := domain.NewProfile("u", testNow)
	var state *domain.SessionState
	for i := 1; i <= maxTurns; i++ {
		out := h.orch.Advance(context.Background(), profile, state, "not sure really")
		if out.Degraded {
			t.Fatalf("turn %d degraded: %v", i, out.Err)
		}
		state, profile = out.State, out.Profile
		if state.TurnsInGather != i {
			t.Fatalf("turn %d: turns_in_gather = %d", i, state.TurnsInGather)
		}
		if i < maxTurns && state.CurrentStep != domain.StepGatherContext {
			t.Fatalf("turn %d: left gather early (%s)", i, state.CurrentStep)
		}
	}
	if state.CurrentStep != domain.StepIntelligentQnA || !state.ReducedPersonalization {
		t.Fatalf("after cap: step=%s reduced=%v", state.CurrentStep, state.ReducedPersonalization)
	}
	if profile.ContextSufficient {
		t.Fatal("forced progression must not mark context sufficient")
	}
}

func TestGatherTurnsProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		pol := policy.Default()
		pol.MaxGatherTurns = rapid.IntRange(1, 6).Draw(t, "cap")
		h := newHarness(pol)
		facts := []string{`{}`, `{"nationality":"Peru"}`, `{"structured_data":{"age":30}}`, `{"note":"likes tea"}`}
		h.llm.extract = func(string) (string, error) {
			return facts[rapid.IntRange(0, len(facts)-1).Draw(t, "fact")], nil
		}

		profile := domain.NewProfile("u", testNow)
		state := domain.NewSessionState(testNow)
		state.CurrentStep = domain.StepGatherContext
		for i := 1; i <= pol.MaxGatherTurns; i++ {
			out := h.orch.Advance(context.Background(), profile, state, fmt.Sprintf("message %d", i))
			if out.Degraded {
				t.Fatalf("degraded: %v", out.Err)
			}
			if out.State.TurnsInGather != state.TurnsInGather+1 {
				t.Fatalf("turns_in_gather %d -> %d", state.TurnsInGather, out.State.TurnsInGather)
			}
			state, profile = out.State, out.Profile
			if i == pol.MaxGatherTurns && state.CurrentStep != domain.StepIntelligentQnA {
				t.Fatalf("cap %d reached but step = %s", pol.MaxGatherTurns, state.CurrentStep)
			}
		}
	})
}

func TestAdvanceAnswersPendingQuestionOnSufficiency(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.llm.extract = fixed(`{"destination_country":"United Kingdom"}`)

	profile := domain.NewProfile("u", testNow)
	profile.Nationality = "India"
	profile.VisaIntent = "study"
	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepGatherContext
	state.TurnsInGather = 1

	out := h.orch.Advance(context.Background(), profile, state, "It's the UK. How much money do I need to show?")
	if out.State.CurrentStep != domain.StepIntelligentQnA {
		t.Fatalf("step = %s", out.State.CurrentStep)
	}
	if h.llm.count("answer") != 1 || len(out.Citations) == 0 {
		t.Fatalf("pending question not answered: %+v", out)
	}
	if out.State.LastQuestion != "" {
		t.Fatalf("last_question not cleared: %q", out.State.LastQuestion)
	}
	if !strings.Contains(h.llm.lastPayload("answer"), "How much money do I need to show?") {
		t.Fatal("answer payload missing the pending question")
	}
}

func TestAdvanceReasksMoreSpecifically(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	pol := policy.Default()

	first := h.orch.Advance(context.Background(), domain.NewProfile("u", testNow), nil, "hmm")
	if !strings.Contains(first.Response, pol.Questions["nationality"]) {
		t.Fatalf("first ask = %q", first.Response)
	}
	second := h.orch.Advance(context.Background(), first.Profile, first.State, "not telling")
	if second.Response != pol.FollowUps["nationality"] {
		t.Fatalf("re-ask = %q", second.Response)
	}
	if second.State.AskCount != 2 {
		t.Fatalf("ask_count = %d", second.State.AskCount)
	}
}

func TestAdvanceCompletionUnavailableIsDegraded(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.llm.answer = func(string) (string, error) {
		return "", fmt.Errorf("%w: dial tcp: connection refused", llm.ErrCompletionUnavailable)
	}

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepIntelligentQnA
	state.Turn = 7
	out := h.orch.Advance(context.Background(), fullProfile("u"), state, "What are the fees?")
	if !out.Degraded || !errors.Is(out.Err, llm.ErrCompletionUnavailable) {
		t.Fatalf("degraded=%v err=%v", out.Degraded, out.Err)
	}
	if out.State != state || out.State.Turn != 7 || len(out.State.MessageHistory) != 0 {
		t.Fatalf("state advanced on failure: %+v", out.State)
	}
	if !strings.Contains(out.Response, "trouble reaching") {
		t.Fatalf("response = %q", out.Response)
	}
}

func TestAdvanceRejectsDocumentNumbers(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.llm.extract = fixed(`{"nationality":"India","structured_data":{"passport_number":"Z1234567"}}`)

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepGatherContext
	profile := domain.NewProfile("u", testNow)
	out := h.orch.Advance(context.Background(), profile, state, "I'm Indian, passport Z1234567")
	if !out.Degraded || !errors.Is(out.Err, ErrProfileValidation) {
		t.Fatalf("degraded=%v err=%v", out.Degraded, out.Err)
	}
	if out.Profile.Nationality != "" {
		t.Fatal("partial merge applied")
	}
	if !strings.Contains(out.Response, "document numbers") {
		t.Fatalf("response = %q", out.Response)
	}
}

func TestAdvanceEndAndRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepIntelligentQnA
	profile := fullProfile("u")

	ended := h.orch.Advance(context.Background(), profile, state, "Thanks so much, bye!")
	if ended.State.CurrentStep != domain.StepEnd {
		t.Fatalf("step = %s", ended.State.CurrentStep)
	}
	if h.llm.count("answer") != 0 {
		t.Fatal("end phrase was answered as a question")
	}

	restarted := h.orch.Advance(context.Background(), ended.Profile, ended.State, "")
	if restarted.State.ID == ended.State.ID {
		t.Fatal("session state not restarted")
	}
	if restarted.State.CurrentStep != domain.StepIntelligentQnA || restarted.Profile.Nationality != "India" {
		t.Fatalf("restart outcome = %+v", restarted)
	}
}

func TestEndPhraseDuringGather(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepGatherContext
	out := h.orch.Advance(context.Background(), domain.NewProfile("u", testNow), state, "goodbye")
	if out.State.CurrentStep != domain.StepEnd || h.llm.count("extract") != 0 {
		t.Fatalf("step=%s extract calls=%d", out.State.CurrentStep, h.llm.count("extract"))
	}
}

func TestIsEndPhrase(t *testing.T) {
	t.Parallel()
	pol := policy.Default()
	cases := map[string]bool{
		"bye":                         true,
		"Thank you!":                  true,
		"thanks for your help":        true,
		"That's all, thanks":          true,
		"thanks, what about fees?":    false,
		"thanks I'm Indian":           false,
		"I want to quit my job":       false,
		"Exit":                        true,
		"byelaws for visa applicants": false,
	}
	for msg, want := range cases {
		if got := isEndPhrase(pol, msg); got != want {
			t.Fatalf("isEndPhrase(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestHistoryWindow(t *testing.T) {
	t.Parallel()
	pol := policy.Default()
	pol.HistoryWindow = 4
	h := newHarness(pol)

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepIntelligentQnA
	profile := fullProfile("u")
	for i := 0; i < 5; i++ {
		out := h.orch.Advance(context.Background(), profile, state, fmt.Sprintf("question %d?", i))
		state = out.State
	}
	if len(state.MessageHistory) != 4 {
		t.Fatalf("history length = %d, want 4", len(state.MessageHistory))
	}
	if state.MessageHistory[2].Content != "question 4?" {
		t.Fatalf("oldest entries not trimmed: %+v", state.MessageHistory)
	}
}

func TestHandleCreatesAndSavesProfile(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.llm.extract = fixed(`{"nationality":"Kenya"}`)

	out, err := h.orch.Handle(context.Background(), "user-1", "I'm Kenyan", nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	saved, _ := h.store.LoadProfile(context.Background(), "user-1")
	if saved == nil || saved.Nationality != "Kenya" {
		t.Fatalf("saved profile = %+v", saved)
	}
	if out.Profile.UserID != "user-1" {
		t.Fatalf("user id = %q", out.Profile.UserID)
	}
}

func TestHandleSkipsSaveWhenUnchanged(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	p := fullProfile("user-2")
	p.ContextSufficient = true
	_ = h.store.SaveProfile(context.Background(), p)
	h.store.saves = 0

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepIntelligentQnA
	if _, err := h.orch.Handle(context.Background(), "user-2", "What is the fee?", state); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if h.store.saves != 0 {
		t.Fatalf("saves = %d, want 0", h.store.saves)
	}
}

func TestHandleStoreFailureIsHard(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.store.loadErr = errors.New("database is closed")
	if _, err := h.orch.Handle(context.Background(), "u", "hi", nil); !errors.Is(err, ErrProfileStore) {
		t.Fatalf("err = %v, want ErrProfileStore", err)
	}

	h2 := newHarness(nil)
	h2.store.saveErr = errors.New("disk full")
	if _, err := h2.orch.Handle(context.Background(), "u", "hi", nil); !errors.Is(err, ErrProfileStore) {
		t.Fatalf("err = %v, want ErrProfileStore", err)
	}
}

func TestHandleSerializesTurnsOfOneUser(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.llm.extract = func(payload string) (string, error) {
		if strings.Contains(payload, "Ukrainian") {
			close(entered)
			<-release
			return `{"nationality":"Ukraine"}`, nil
		}
		return `{"structured_data":{"marital_status":"married"}}`, nil
	}

	gather := domain.NewSessionState(testNow)
	gather.CurrentStep = domain.StepGatherContext

	errs := make(chan error, 2)
	go func() {
		_, err := h.orch.Handle(context.Background(), "u1", "I am Ukrainian", gather)
		errs <- err
	}()
	<-entered
	go func() {
		_, err := h.orch.Handle(context.Background(), "u1", "I am married", gather)
		errs <- err
	}()
	// The second turn must not overtake the first one's save.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	saved, _ := h.store.LoadProfile(context.Background(), "u1")
	if saved == nil || saved.Nationality != "Ukraine" || saved.StructuredData["marital_status"] != "married" {
		t.Fatalf("lost update: %+v", saved)
	}
}

func TestHandleWaitRespectsContext(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	unlock, err := h.orch.lockUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.orch.Handle(ctx, "u1", "hi", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	// Other users are not blocked.
	if _, err := h.orch.Handle(context.Background(), "u2", "", nil); err != nil {
		t.Fatalf("Handle u2: %v", err)
	}
}

func TestAdvanceQnAWithClearedProfileReturnsToGather(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepIntelligentQnA
	state.TurnsInGather = 2
	out := h.orch.Advance(context.Background(), domain.NewProfile("u", testNow), state, "What documents do I need?")
	if out.Degraded {
		t.Fatalf("degraded: %v", out.Err)
	}
	if out.State.CurrentStep != domain.StepGatherContext {
		t.Fatalf("step = %s, want %s", out.State.CurrentStep, domain.StepGatherContext)
	}
	if h.llm.count("answer") != 0 {
		t.Fatal("answered against an empty profile")
	}
	if out.State.TurnsInGather != 1 || out.State.LastQuestion != "What documents do I need?" {
		t.Fatalf("turns=%d last_question=%q", out.State.TurnsInGather, out.State.LastQuestion)
	}
}

func TestAdvanceReducedQnAStaysInQnA(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepIntelligentQnA
	state.ReducedPersonalization = true
	out := h.orch.Advance(context.Background(), domain.NewProfile("u", testNow), state, "What documents do I need?")
	if out.State.CurrentStep != domain.StepIntelligentQnA || h.llm.count("answer") != 1 {
		t.Fatalf("step=%s answers=%d", out.State.CurrentStep, h.llm.count("answer"))
	}
}

func TestAdvanceEmptyGatherMessageDoesNotCount(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepGatherContext
	state.TurnsInGather = 1
	for i := 0; i < policy.Default().MaxGatherTurns+1; i++ {
		out := h.orch.Advance(context.Background(), domain.NewProfile("u", testNow), state, "   ")
		if out.Degraded {
			t.Fatalf("degraded: %v", out.Err)
		}
		state = out.State
	}
	if state.TurnsInGather != 1 || state.CurrentStep != domain.StepGatherContext {
		t.Fatalf("turns=%d step=%s", state.TurnsInGather, state.CurrentStep)
	}
	if h.llm.count("extract") != 0 {
		t.Fatal("extractor called for an empty message")
	}
}

func TestAdvanceWelcomesBackPartialProfile(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	profile := domain.NewProfile("u", testNow)
	profile.Nationality = "India"

	out := h.orch.Advance(context.Background(), profile, nil, "")
	if !strings.HasPrefix(out.Response, "Welcome back!") {
		t.Fatalf("response = %q", out.Response)
	}
}

func TestAnswerPayloadUsesRecentHistory(t *testing.T) {
	t.Parallel()
	pol := policy.Default()
	pol.PromptHistory = 2
	h := newHarness(pol)

	state := domain.NewSessionState(testNow)
	state.CurrentStep = domain.StepIntelligentQnA
	for i := 0; i < 4; i++ {
		state.Append(domain.RoleUser, fmt.Sprintf("earlier %d", i), 0)
	}
	h.orch.Advance(context.Background(), fullProfile("u"), state, "What is the fee?")

	payload := h.llm.lastPayload("answer")
	if strings.Contains(payload, "earlier 1") || !strings.Contains(payload, "earlier 2") || !strings.Contains(payload, "earlier 3") {
		t.Fatalf("payload history = %q", payload)
	}
}
