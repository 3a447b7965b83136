package dialogue

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/mandry/internal/domain"
)

// citationPattern matches "[Source 2]" as well as the grouped forms models
// sometimes produce, such as "[Sources 1, 3]" or "[Source 1 and 2]".
var (
	citationPattern = regexp.MustCompile(`(?i)(\s*)\[sources?\s*(\d+(?:\s*(?:,|and|&)\s*\d+)*)\]`)
	ordinalPattern  = regexp.MustCompile(`\d+`)
	markerPattern   = regexp.MustCompile(`\[Source (\d+)\]`)
)

// ResolveCitations rewrites every citation marker in text to the canonical
// "[Source N]" form, drops markers whose ordinal is outside 1..len(sources)
// and returns the cited sources ordered by ordinal.
func ResolveCitations(text string, sources []domain.Source) (string, []domain.Citation) {
	cited := map[int]bool{}
	out := citationPattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := citationPattern.FindStringSubmatch(match)
		lead, list := parts[1], parts[2]

		var markers []string
		for _, num := range ordinalPattern.FindAllString(list, -1) {
			n, err := strconv.Atoi(num)
			if err != nil || n < 1 || n > len(sources) {
				continue
			}
			cited[n] = true
			markers = append(markers, "[Source "+strconv.Itoa(n)+"]")
		}
		if len(markers) == 0 {
			return ""
		}
		return lead + strings.Join(markers, " ")
	})
	out = strings.TrimSpace(out)

	ordinals := make([]int, 0, len(cited))
	for n := range cited {
		ordinals = append(ordinals, n)
	}
	sort.Ints(ordinals)

	citations := make([]domain.Citation, 0, len(ordinals))
	for _, n := range ordinals {
		s := sources[n-1]
		citations = append(citations, domain.Citation{Title: s.Title, URL: s.URL, Snippet: s.Snippet, Ordinal: n})
	}
	return out, citations
}

// CitedOrdinals returns the distinct canonical ordinals present in text.
func CitedOrdinals(text string) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

func allCitations(sources []domain.Source) []domain.Citation {
	out := make([]domain.Citation, len(sources))
	for i, s := range sources {
		out[i] = domain.Citation{Title: s.Title, URL: s.URL, Snippet: s.Snippet, Ordinal: i + 1}
	}
	return out
}
