// Package retrieval provides web search for the answerer and the static
// sources it falls back to when search is unavailable.
package retrieval

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/policy"
)

// ErrRetrievalUnavailable is returned when the search backend cannot be
// reached, times out or answers with something unusable.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// Searcher returns ranked sources for a query. An empty result with a nil
// error means the backend worked but found nothing.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Source, error)
}

// Disabled is a Searcher that is never available. It is used when no
// search backend is configured so every answer runs on fallback sources.
type Disabled struct{}

// Search always fails with ErrRetrievalUnavailable.
func (Disabled) Search(context.Context, string, int) ([]domain.Source, error) {
	return nil, ErrRetrievalUnavailable
}

// FallbackSources returns the static sources for query: the visa set when
// the query mentions one of the policy keywords, else the generic set with
// "{query}" substituted.
func FallbackSources(p *policy.Policy, query string) []domain.Source {
	lower := strings.ToLower(query)
	if len(p.Fallback.Visa) > 0 {
		for _, kw := range p.Fallback.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return append([]domain.Source(nil), p.Fallback.Visa...)
			}
		}
	}
	generic := p.Fallback.Generic
	if len(generic) == 0 {
		generic = p.Fallback.Visa
	}
	out := make([]domain.Source, len(generic))
	for i, s := range generic {
		s.Snippet = strings.ReplaceAll(s.Snippet, "{query}", query)
		out[i] = s
	}
	return out
}
