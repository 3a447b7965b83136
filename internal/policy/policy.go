// Package policy holds the tunable rules of the dialogue engine: which
// profile tags are required, how long context gathering may last, how
// questions are phrased and which sources back an answer when search fails.
package policy

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"

	"github.com/ashureev/mandry/internal/domain"
)

// TagGroup is satisfied when at least one of Fields is present. Tag is the
// name reported as missing when none is.
type TagGroup struct {
	Tag    string   `toml:"tag"`
	Fields []string `toml:"fields"`
}

// Fallback configures the static sources used when retrieval fails.
type Fallback struct {
	// Keywords select the Visa set when any appears in the query.
	Keywords []string        `toml:"keywords"`
	Visa     []domain.Source `toml:"visa"`
	// Generic snippets may contain "{query}".
	Generic []domain.Source `toml:"generic"`
}

// Policy is an immutable snapshot; replace it wholesale through Store.
type Policy struct {
	RequiredTags []string   `toml:"required_tags"`
	AnyOf        []TagGroup `toml:"any_of"`

	MaxGatherTurns     int `toml:"max_gather_turns"`
	OptionalGraceTurns int `toml:"optional_grace_turns"`
	MaxOptionalGaps    int `toml:"max_optional_gaps"`

	HistoryWindow int `toml:"history_window"`
	PromptHistory int `toml:"prompt_history"`

	TopK             int  `toml:"top_k"`
	RewriteQueries   bool `toml:"rewrite_queries"`
	CiteUnreferenced bool `toml:"cite_unreferenced"`

	EndPhrases     []string          `toml:"end_phrases"`
	DisallowedKeys []string          `toml:"disallowed_keys"`
	Questions      map[string]string `toml:"questions"`
	FollowUps      map[string]string `toml:"follow_ups"`

	Fallback Fallback `toml:"fallback"`
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		RequiredTags: []string{domain.TagNationality, domain.TagVisaIntent},
		AnyOf: []TagGroup{{
			Tag:    domain.TagDestinationCountry,
			Fields: []string{domain.TagCurrentLocation, domain.TagDestinationCountry},
		}},
		MaxGatherTurns:     4,
		OptionalGraceTurns: 2,
		MaxOptionalGaps:    1,
		HistoryWindow:      20,
		PromptHistory:      8,
		TopK:               3,
		RewriteQueries:     false,
		CiteUnreferenced:   true,
		EndPhrases: []string{
			"goodbye", "bye", "thank you", "thanks", "that's all", "thats all", "exit", "quit",
		},
		DisallowedKeys: []string{
			"passport_number", "passport_no", "document_number", "id_number", "national_id",
			"national_id_number", "ssn", "social_security_number", "visa_number", "brp_number",
			"tax_id", "driving_licence_number", "drivers_license_number",
		},
		Questions: map[string]string{
			domain.TagNationality:        "What is your nationality (which passport do you hold)?",
			domain.TagVisaIntent:         "What is the purpose of your trip: work, study, a visit, joining family, or something else?",
			domain.TagDestinationCountry: "Which country are you planning to go to, and where are you living right now?",
			domain.TagCurrentLocation:    "Which country are you living in at the moment?",
			"marital_status":             "Are you married or in a long-term partnership?",
			"education_level":            "What is your highest level of education?",
			"travel_plans":               "When are you planning to travel, and for how long?",
		},
		FollowUps: map[string]string{
			domain.TagNationality:        "I still need your nationality. Which country issued your passport?",
			domain.TagVisaIntent:         "I still need to know why you are travelling. For example: a job offer, a university place, tourism or joining a partner.",
			domain.TagDestinationCountry: "I still need to know which country you want to go to. Just the country name is enough.",
		},
		Fallback: Fallback{
			Keywords: []string{"visa", "travel", "immigration", "passport"},
			Visa: []domain.Source{
				{
					Title:   "UK Government Visa Information",
					URL:     "https://www.gov.uk/check-uk-visa",
					Snippet: "Check if you need a UK visa, what type of visa you need and how to apply.",
				},
				{
					Title:   "Apply for a UK Visa",
					URL:     "https://www.gov.uk/apply-uk-visa",
					Snippet: "How to apply for a UK visa, including tourist, business, and other visa types.",
				},
			},
			Generic: []domain.Source{{
				Title:   "UK Government Official Information",
				URL:     "https://www.gov.uk",
				Snippet: "Official UK government information and services related to: {query}. Please verify current information on official government websites.",
			}},
		},
	}
}

// Load reads a TOML policy file over the defaults. Keys absent from the
// file keep their default values; lists and tables present replace them.
func Load(path string) (*Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

func (p *Policy) normalize() {
	for i, t := range p.RequiredTags {
		p.RequiredTags[i] = strings.ToLower(strings.TrimSpace(t))
	}
	for i, k := range p.DisallowedKeys {
		p.DisallowedKeys[i] = strings.ToLower(strings.TrimSpace(k))
	}
	for i, ph := range p.EndPhrases {
		p.EndPhrases[i] = strings.ToLower(strings.TrimSpace(ph))
	}
}

// Validate checks internal consistency.
func (p *Policy) Validate() error {
	if len(p.RequiredTags) == 0 && len(p.AnyOf) == 0 {
		return fmt.Errorf("at least one required tag or tag group is needed")
	}
	for _, g := range p.AnyOf {
		if g.Tag == "" || len(g.Fields) == 0 {
			return fmt.Errorf("tag group needs a tag and at least one field")
		}
	}
	if p.MaxGatherTurns <= 0 {
		return fmt.Errorf("max_gather_turns must be > 0")
	}
	if p.OptionalGraceTurns < 0 || p.MaxOptionalGaps < 0 {
		return fmt.Errorf("optional_grace_turns and max_optional_gaps must be >= 0")
	}
	if p.TopK <= 0 || p.TopK > 10 {
		return fmt.Errorf("top_k must be between 1 and 10")
	}
	if p.HistoryWindow <= 0 {
		return fmt.Errorf("history_window must be > 0")
	}
	if len(p.Fallback.Visa) == 0 && len(p.Fallback.Generic) == 0 {
		return fmt.Errorf("at least one fallback source is needed")
	}
	return nil
}

// IsDisallowedKey reports whether a structured key names an identifying
// document number that must never be stored.
func (p *Policy) IsDisallowedKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range p.DisallowedKeys {
		if key == k {
			return true
		}
	}
	for _, frag := range []string{"passport", "document_number", "id_number", "ssn"} {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

// Store publishes the current policy to concurrent readers.
type Store struct {
	v atomic.Pointer[Policy]
}

// NewStore returns a store holding p, or the default policy if p is nil.
func NewStore(p *Policy) *Store {
	if p == nil {
		p = Default()
	}
	s := &Store{}
	s.v.Store(p)
	return s
}

// Current returns the active snapshot. Callers must not mutate it.
func (s *Store) Current() *Policy {
	return s.v.Load()
}

// Replace swaps in a new snapshot.
func (s *Store) Replace(p *Policy) {
	s.v.Store(p)
}
