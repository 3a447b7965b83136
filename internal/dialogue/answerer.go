package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/llm"
	"github.com/ashureev/mandry/internal/policy"
	"github.com/ashureev/mandry/internal/retrieval"
)

// Answer is a grounded reply.
type Answer struct {
	Text      string
	Citations []domain.Citation
	// Sources holds everything delivered to the model, in ordinal order.
	Sources []domain.Source
	Query   string
	// Fallback is set when the static sources replaced search results.
	Fallback bool
}

// Answerer answers questions with retrieval-augmented generation.
type Answerer struct {
	completer     llm.Completer
	searcher      retrieval.Searcher
	searchTimeout time.Duration
	logger        *slog.Logger
}

// NewAnswerer creates an answerer. searchTimeout bounds every search call.
func NewAnswerer(completer llm.Completer, searcher retrieval.Searcher, searchTimeout time.Duration, logger *slog.Logger) *Answerer {
	if logger == nil {
		logger = slog.Default()
	}
	if searcher == nil {
		searcher = retrieval.Disabled{}
	}
	if searchTimeout <= 0 {
		searchTimeout = 8 * time.Second
	}
	return &Answerer{
		completer:     completer,
		searcher:      searcher,
		searchTimeout: searchTimeout,
		logger:        logger,
	}
}

// AnswerRequest carries the inputs of one answer.
type AnswerRequest struct {
	Question string
	Profile  *domain.Profile
	// History is the recent conversation to show the model, oldest first.
	History []domain.Message
	// Reduced asks for general guidance because the profile is incomplete.
	Reduced bool
}

// Answer retrieves sources for req.Question and asks the model for a cited
// answer. Retrieval failures fall back to static sources; completion
// failures are returned.
func (a *Answerer) Answer(ctx context.Context, p *policy.Policy, req AnswerRequest) (*Answer, error) {
	query := a.searchQuery(ctx, p, req.Question, req.Profile)

	sources, fallback := a.retrieve(ctx, p, query)

	payload := buildAnswerPayload(req, sources)
	raw, err := a.completer.Complete(ctx, answerSystemPrompt, payload, llm.Options{
		MaxTokens:   900,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("answer: %w: empty model output", ErrCompletionMalformed)
	}

	text, citations := ResolveCitations(raw, sources)
	if text == "" {
		return nil, fmt.Errorf("answer: %w: output held only invalid citations", ErrCompletionMalformed)
	}
	if len(citations) == 0 && p.CiteUnreferenced {
		markers := make([]string, len(sources))
		for i := range sources {
			markers[i] = fmt.Sprintf("[Source %d]", i+1)
		}
		text += "\n\nSources: " + strings.Join(markers, " ")
		citations = allCitations(sources)
	}

	return &Answer{
		Text:      text,
		Citations: citations,
		Sources:   sources,
		Query:     query,
		Fallback:  fallback,
	}, nil
}

func (a *Answerer) retrieve(ctx context.Context, p *policy.Policy, query string) ([]domain.Source, bool) {
	sctx, cancel := context.WithTimeout(ctx, a.searchTimeout)
	defer cancel()

	results, err := a.searcher.Search(sctx, query, p.TopK)
	if err != nil || len(results) == 0 {
		if err != nil {
			a.logger.Warn("retrieval failed, using fallback sources", "query", query, "error", err)
		} else {
			a.logger.Info("retrieval returned no results, using fallback sources", "query", query)
		}
		fb := retrieval.FallbackSources(p, query)
		if len(fb) > p.TopK {
			fb = fb[:p.TopK]
		}
		return fb, true
	}
	if len(results) > p.TopK {
		results = results[:p.TopK]
	}
	return results, false
}

func (a *Answerer) searchQuery(ctx context.Context, p *policy.Policy, question string, profile *domain.Profile) string {
	base := EnrichQuery(question, profile)
	if !p.RewriteQueries {
		return base
	}

	raw, err := a.completer.Complete(ctx, queryRewriteSystemPrompt,
		fmt.Sprintf("Question: %s\nProfile: %s", question, profile.CoreContext()),
		llm.Options{MaxTokens: 60, Temperature: 0})
	if err != nil {
		a.logger.Debug("query rewrite failed", "error", err)
		return base
	}
	rewritten := strings.TrimSpace(raw)
	if i := strings.IndexByte(rewritten, '\n'); i >= 0 {
		rewritten = rewritten[:i]
	}
	rewritten = strings.Trim(strings.TrimSpace(rewritten), `"'`)
	if len(rewritten) < 5 {
		return base
	}
	return rewritten
}

// EnrichQuery appends destination, nationality and visa intent to question
// when the question does not already mention them.
func EnrichQuery(question string, profile *domain.Profile) string {
	q := strings.TrimSpace(question)
	if profile == nil {
		return q
	}
	lower := strings.ToLower(q)
	var extra []string
	add := func(v, suffix string) {
		v = strings.TrimSpace(v)
		if v == "" || strings.Contains(lower, strings.ToLower(v)) {
			return
		}
		extra = append(extra, v+suffix)
	}
	add(profile.DestinationCountry, "")
	if profile.Nationality != "" {
		add(profile.Nationality, " citizen")
	}
	if profile.VisaIntent != "" {
		add(profile.VisaIntent, " visa")
	}
	if len(extra) == 0 {
		return q
	}
	return q + " " + strings.Join(extra, " ")
}

func buildAnswerPayload(req AnswerRequest, sources []domain.Source) string {
	var b strings.Builder

	b.WriteString("SOURCES:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "Source %d: %s\nURL: %s\nContent: %s\n\n", i+1, s.Title, s.URL, s.Snippet)
	}

	if req.Profile != nil {
		b.WriteString("PROFILE:\n")
		b.WriteString(req.Profile.Summary())
		b.WriteString("\n\n")
	}
	if req.Reduced {
		b.WriteString(reducedPersonalizationNote)
		b.WriteString("\n\n")
	}

	if len(req.History) > 0 {
		b.WriteString("RECENT CONVERSATION:\n")
		for _, m := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("QUESTION:\n")
	b.WriteString(req.Question)
	return b.String()
}
