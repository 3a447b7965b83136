package dialogue

import (
	"strings"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/policy"
)

// Assessment is the outcome of a context sufficiency check.
type Assessment struct {
	Sufficient bool
	// Missing lists required gaps first in policy order, then optional
	// gaps in the order they were flagged.
	Missing []string
	// OptionalGaps counts the optional entries in Missing.
	OptionalGaps int
}

// Assess decides whether profile holds enough context to answer questions.
// It is a pure function of its inputs.
//
// Optional tags count only when the extractor flagged them for the
// profile's current visa intent. Before OptionalGraceTurns gathering turns
// no optional gap is tolerated; afterwards up to MaxOptionalGaps are.
func Assess(p *policy.Policy, profile *domain.Profile, gatherTurns int) Assessment {
	missing := []string{}
	seen := make(map[string]bool)
	add := func(tag string) bool {
		if seen[tag] {
			return false
		}
		seen[tag] = true
		missing = append(missing, tag)
		return true
	}

	for _, tag := range p.RequiredTags {
		if !profile.Has(tag) {
			add(tag)
		}
	}
	for _, g := range p.AnyOf {
		satisfied := false
		for _, f := range g.Fields {
			if profile.Has(f) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			add(g.Tag)
		}
	}
	requiredGaps := len(missing)

	optional := 0
	if intent := strings.TrimSpace(profile.VisaIntent); intent != "" {
		for _, f := range profile.FlaggedContext {
			if !strings.EqualFold(f.Intent, intent) || profile.Has(f.Tag) {
				continue
			}
			if add(f.Tag) {
				optional++
			}
		}
	}

	tolerance := 0
	if gatherTurns >= p.OptionalGraceTurns {
		tolerance = p.MaxOptionalGaps
	}

	return Assessment{
		Sufficient:   requiredGaps == 0 && optional <= tolerance,
		Missing:      missing,
		OptionalGaps: optional,
	}
}
