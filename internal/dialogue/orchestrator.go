// Package dialogue implements the conversation engine: context assessment,
// profile extraction, grounded answering and the per-turn state machine
// that ties them together.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/llm"
	"github.com/ashureev/mandry/internal/policy"
	"golang.org/x/sync/semaphore"
)

// ProfileStore loads and saves profiles. LoadProfile returns (nil, nil)
// for an unknown user.
type ProfileStore interface {
	LoadProfile(ctx context.Context, userID string) (*domain.Profile, error)
	SaveProfile(ctx context.Context, profile *domain.Profile) error
}

// Outcome is the result of one turn.
type Outcome struct {
	Response       string
	Citations      []domain.Citation
	State          *domain.SessionState
	Profile        *domain.Profile
	ProfileChanged bool
	// Degraded is set when the turn failed and State and Profile are the
	// unchanged inputs. Err holds the cause.
	Degraded bool
	Err      error
	// FallbackSources is set when the answer was grounded on static sources.
	FallbackSources bool
}

// Orchestrator runs the conversation state machine. It holds no
// per-session state; every turn is a function of its inputs.
type Orchestrator struct {
	policies  *policy.Store
	extractor *Extractor
	answerer  *Answerer
	profiles  ProfileStore
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	userLocks map[string]*userLock
}

// userLock serializes profile read-modify-write cycles of one user across
// all of that user's sessions.
type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

// lockUser blocks until userID's profile is free or ctx is done. The
// returned func releases it.
func (o *Orchestrator) lockUser(ctx context.Context, userID string) (func(), error) {
	o.mu.Lock()
	l, ok := o.userLocks[userID]
	if !ok {
		l = &userLock{sem: semaphore.NewWeighted(1)}
		o.userLocks[userID] = l
	}
	l.refs++
	o.mu.Unlock()

	drop := func() {
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.userLocks, userID)
		}
		o.mu.Unlock()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		drop()
		return nil, err
	}
	return func() {
		l.sem.Release(1)
		drop()
	}, nil
}

// NewOrchestrator wires the engine. profiles may be nil when only Advance
// is used.
func NewOrchestrator(policies *policy.Store, extractor *Extractor, answerer *Answerer, profiles ProfileStore, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		policies:  policies,
		extractor: extractor,
		answerer:  answerer,
		profiles:  profiles,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		userLocks: make(map[string]*userLock),
	}
}

// Handle runs one turn for userID, loading the profile first and saving it
// when the turn changed it. Turns of the same user run one at a time, so a
// fact learned in one session is never overwritten by another. Only profile
// store failures and cancellation are returned as errors; every other
// failure is folded into a degraded Outcome.
func (o *Orchestrator) Handle(ctx context.Context, userID, message string, state *domain.SessionState) (Outcome, error) {
	if o.profiles == nil {
		return Outcome{}, fmt.Errorf("%w: no profile store configured", ErrProfileStore)
	}
	unlock, err := o.lockUser(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("wait for profile of %s: %w", userID, err)
	}
	defer unlock()

	profile, err := o.profiles.LoadProfile(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: load profile: %v", ErrProfileStore, err)
	}
	created := false
	if profile == nil {
		profile = domain.NewProfile(userID, o.now())
		created = true
	}

	out := o.Advance(ctx, profile, state, message)

	if out.ProfileChanged || created {
		if err := o.profiles.SaveProfile(ctx, out.Profile); err != nil {
			return Outcome{}, fmt.Errorf("%w: save profile: %v", ErrProfileStore, err)
		}
	}
	return out, nil
}

// Advance runs one turn against profile. A nil state starts a new session.
// Neither profile nor state is modified; the updated copies are returned.
func (o *Orchestrator) Advance(ctx context.Context, profile *domain.Profile, state *domain.SessionState, message string) Outcome {
	pol := o.policies.Current()
	now := o.now()

	var base *domain.SessionState
	if state == nil || state.CurrentStep == domain.StepEnd {
		base = domain.NewSessionState(now)
	} else {
		base = state
	}

	t := &turn{
		o:       o,
		ctx:     ctx,
		pol:     pol,
		now:     now,
		state:   base.Clone(),
		profile: profile.Clone(),
		message: strings.TrimSpace(message),
	}

	var err error
	switch t.state.CurrentStep {
	case domain.StepAssessContext:
		err = t.assess()
	case domain.StepGatherContext:
		err = t.gather()
	case domain.StepIntelligentQnA:
		if t.lostContext() {
			// The profile was cleared or edited since this state entered QnA.
			t.state.TurnsInGather = 0
			t.state.ReducedPersonalization = false
			err = t.assess()
		} else {
			err = t.qna()
		}
	default:
		err = fmt.Errorf("unknown step %q", t.state.CurrentStep)
	}

	if err != nil {
		o.logger.Warn("turn degraded",
			"user_id", profile.UserID,
			"session_id", base.ID,
			"step", base.CurrentStep,
			"error", err,
		)
		return Outcome{
			Response: apology(err, pol, base),
			State:    base,
			Profile:  profile,
			Degraded: true,
			Err:      err,
		}
	}

	t.commit()
	o.logger.Info("turn processed",
		"user_id", profile.UserID,
		"session_id", t.state.ID,
		"step", t.state.CurrentStep,
		"turns_in_gather", t.state.TurnsInGather,
		"profile_changed", t.profileChanged,
	)
	return Outcome{
		Response:        t.response,
		Citations:       t.citations,
		State:           t.state,
		Profile:         t.profile,
		ProfileChanged:  t.profileChanged,
		FallbackSources: t.fallback,
	}
}

// turn holds the working copies of a single Advance call.
type turn struct {
	o       *Orchestrator
	ctx     context.Context
	pol     *policy.Policy
	now     time.Time
	state   *domain.SessionState
	profile *domain.Profile
	message string

	response       string
	citations      []domain.Citation
	profileChanged bool
	learned        bool
	fallback       bool
}

// lostContext reports whether a full-personalization QnA state no longer
// has a sufficient profile behind it.
func (t *turn) lostContext() bool {
	if t.state.ReducedPersonalization {
		return false
	}
	return !Assess(t.pol, t.profile, t.state.TurnsInGather).Sufficient
}

func (t *turn) assess() error {
	a := Assess(t.pol, t.profile, t.state.TurnsInGather)
	t.recordMissing(a.Missing)

	if a.Sufficient {
		t.enterQnA()
		if t.message != "" {
			return t.qna()
		}
		if q := t.state.LastQuestion; q != "" {
			t.state.LastQuestion = ""
			return t.answer(q)
		}
		t.response = summaryGreeting(t.profile)
		return nil
	}

	t.state.CurrentStep = domain.StepGatherContext
	if t.message != "" {
		return t.gather()
	}
	if t.profile.IsEmpty() {
		t.response = "Hello! I'm Mandry, your visa and immigration assistant. " +
			"To give you advice that fits your situation I need to know a little about you. "
	} else {
		t.response = "Welcome back! I still need a few details before I can give you tailored advice. "
	}
	t.response += t.askFor(a.Missing)
	return nil
}

func (t *turn) gather() error {
	if t.message != "" && isEndPhrase(t.pol, t.message) {
		t.end()
		return nil
	}
	if isQuestionLike(t.message) {
		t.state.LastQuestion = t.message
	}

	if t.message == "" {
		// Nothing to learn from; re-ask without spending a gathering turn.
		a := Assess(t.pol, t.profile, t.state.TurnsInGather)
		t.recordMissing(a.Missing)
		t.response = t.askFor(a.Missing)
		return nil
	}

	delta, err := t.o.extractor.Extract(t.ctx, t.message, t.profile)
	if err != nil {
		return err
	}
	if !delta.IsEmpty() {
		next, changed, err := Merge(t.pol, t.profile, delta, t.now)
		if err != nil {
			return err
		}
		t.profile = next
		t.learned = changed
		t.profileChanged = t.profileChanged || changed
	}

	t.state.TurnsInGather++
	a := Assess(t.pol, t.profile, t.state.TurnsInGather)
	t.recordMissing(a.Missing)

	if a.Sufficient {
		t.enterQnA()
		if q := t.state.LastQuestion; q != "" {
			t.state.LastQuestion = ""
			return t.answer(q)
		}
		t.response = summaryGreeting(t.profile)
		return nil
	}

	if t.state.TurnsInGather >= t.pol.MaxGatherTurns {
		t.state.CurrentStep = domain.StepIntelligentQnA
		t.state.ReducedPersonalization = true
		t.state.AskedTopic = ""
		t.state.AskCount = 0
		if q := t.state.LastQuestion; q != "" {
			t.state.LastQuestion = ""
			return t.answer(q)
		}
		t.response = fmt.Sprintf("Thanks. I still don't know your %s, so my answers will be more general. "+
			"What would you like to know about your visa options?", humanList(a.Missing))
		return nil
	}

	prefix := ""
	if t.learned {
		prefix = "Thanks, noted. "
	}
	t.response = prefix + t.askFor(a.Missing)
	return nil
}

func (t *turn) qna() error {
	if t.message == "" {
		t.response = "What would you like to know about your visa options?"
		return nil
	}
	if isEndPhrase(t.pol, t.message) {
		t.end()
		return nil
	}
	return t.answer(t.message)
}

func (t *turn) answer(question string) error {
	ans, err := t.o.answerer.Answer(t.ctx, t.pol, AnswerRequest{
		Question: question,
		Profile:  t.profile,
		History:  t.state.Recent(t.pol.PromptHistory),
		Reduced:  t.state.ReducedPersonalization,
	})
	if err != nil {
		return err
	}
	t.response = ans.Text
	t.citations = ans.Citations
	t.fallback = ans.Fallback
	return nil
}

func (t *turn) end() {
	t.state.CurrentStep = domain.StepEnd
	t.response = "Thank you for using Mandry. Good luck with your visa application! " +
		"Send another message any time to start a new conversation."
}

func (t *turn) enterQnA() {
	t.state.CurrentStep = domain.StepIntelligentQnA
	t.state.AskedTopic = ""
	t.state.AskCount = 0
	if !t.profile.ContextSufficient {
		t.profile.ContextSufficient = true
		t.profileChanged = true
	}
}

func (t *turn) recordMissing(missing []string) {
	t.state.MissingContext = append([]string{}, missing...)
	if !slices.Equal(t.profile.MissingContext, missing) {
		t.profile.MissingContext = append([]string{}, missing...)
		t.profileChanged = true
	}
}

// askFor phrases a question about the first missing tag, re-asking more
// specifically when the same tag was asked on the previous turn.
func (t *turn) askFor(missing []string) string {
	if len(missing) == 0 {
		return "Could you tell me a bit more about your plans?"
	}
	tag := missing[0]
	if t.state.AskedTopic == tag {
		t.state.AskCount++
		if q, ok := t.pol.FollowUps[tag]; ok {
			return q
		}
		return fmt.Sprintf("Sorry, I still need your %s. %s", humanTag(tag), questionFor(t.pol, tag))
	}
	t.state.AskedTopic = tag
	t.state.AskCount = 1
	return questionFor(t.pol, tag)
}

func (t *turn) commit() {
	if t.message != "" {
		t.state.Append(domain.RoleUser, t.message, t.pol.HistoryWindow)
	}
	t.state.Append(domain.RoleAssistant, t.response, t.pol.HistoryWindow)
	t.state.Turn++
	t.state.UpdatedAt = t.now
	if t.profileChanged {
		t.profile.UpdatedAt = t.now
	}
}

func questionFor(p *policy.Policy, tag string) string {
	if q, ok := p.Questions[tag]; ok {
		return q
	}
	return fmt.Sprintf("Could you tell me your %s?", humanTag(tag))
}

func summaryGreeting(profile *domain.Profile) string {
	return fmt.Sprintf("Great! I understand your situation: %s. What would you like to know about your visa options?",
		profile.CoreContext())
}

func apology(err error, p *policy.Policy, state *domain.SessionState) string {
	var pve *ProfileValidationError
	switch {
	case errors.As(err, &pve):
		return "For your security I can't store passport, ID or other document numbers. " +
			"Please share your details without them."
	case errors.Is(err, ErrExtractionParse):
		msg := "Sorry, I didn't quite catch that. Could you say it again in a different way?"
		if state.AskedTopic != "" {
			msg += " " + questionFor(p, state.AskedTopic)
		}
		return msg
	case errors.Is(err, llm.ErrCompletionUnavailable):
		return "Sorry, I'm having trouble reaching my language service right now. Please try again in a moment."
	case errors.Is(err, ErrCompletionMalformed):
		return "Sorry, I couldn't put together a reliable answer just now. Could you ask again, perhaps more specifically?"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Sorry, that took too long. Please try again."
	default:
		return "Sorry, something went wrong on my side. Please try again."
	}
}

var interrogatives = map[string]bool{
	"what": true, "how": true, "which": true, "when": true, "where": true, "why": true, "who": true,
	"can": true, "could": true, "do": true, "does": true, "is": true, "are": true, "should": true,
	"will": true, "would": true, "may": true, "am": true,
}

func isQuestionLike(message string) bool {
	if message == "" {
		return false
	}
	if strings.Contains(message, "?") {
		return true
	}
	fields := strings.Fields(strings.ToLower(message))
	return len(fields) > 0 && interrogatives[strings.Trim(fields[0], ",.!")]
}

var closingFiller = map[string]bool{
	"so": true, "much": true, "a": true, "lot": true, "again": true, "for": true, "your": true,
	"the": true, "help": true, "everything": true, "you": true, "all": true, "bye": true,
	"goodbye": true, "mandry": true, "very": true, "now": true, "then": true, "ok": true,
	"thanks": true, "thank": true, "cheers": true,
}

// isEndPhrase reports whether message closes the conversation: an end
// phrase optionally followed by pleasantries ("thanks so much, bye").
// Questions never close it.
func isEndPhrase(p *policy.Policy, message string) bool {
	if isQuestionLike(message) {
		return false
	}
	norm := strings.ToLower(strings.TrimSpace(message))
	norm = strings.ReplaceAll(norm, "’", "'")
	norm = strings.Join(strings.FieldsFunc(norm, func(r rune) bool {
		return r == ' ' || r == ',' || r == '!' || r == '.' || r == ';' || r == '\t' || r == '\n'
	}), " ")
	for _, phrase := range p.EndPhrases {
		if phrase == "" || !strings.HasPrefix(norm, phrase) {
			continue
		}
		rest := norm[len(phrase):]
		if rest == "" {
			return true
		}
		if rest[0] != ' ' {
			continue
		}
		closing := true
		for _, w := range strings.Fields(rest) {
			if !closingFiller[w] {
				closing = false
				break
			}
		}
		if closing {
			return true
		}
	}
	return false
}

func humanTag(tag string) string {
	switch tag {
	case domain.TagVisaIntent:
		return "reason for travelling"
	case domain.TagDestinationCountry:
		return "destination country"
	}
	return strings.ReplaceAll(tag, "_", " ")
}

func humanList(tags []string) string {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = humanTag(t)
	}
	switch len(names) {
	case 0:
		return "full situation"
	case 1:
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " or " + names[len(names)-1]
}
