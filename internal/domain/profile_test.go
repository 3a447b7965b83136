package domain

import (
	"strings"
	"testing"
	"time"
)

func TestProfileValueAndHas(t *testing.T) {
	t.Parallel()

	p := NewProfile("anon_1", time.Unix(100, 0))
	if !p.IsEmpty() {
		t.Fatal("expected new profile to be empty")
	}

	p.Nationality = "Ukraine"
	p.StructuredData["marital_status"] = "married"

	if !p.Has(TagNationality) {
		t.Error("expected nationality to be present")
	}
	if p.Has(TagVisaIntent) {
		t.Error("expected visa_intent to be absent")
	}
	if got := p.Value("marital_status"); got != "married" {
		t.Errorf("Value(marital_status) = %q, want married", got)
	}
	if p.IsEmpty() {
		t.Error("expected populated profile not to be empty")
	}
}

func TestProfileCloneIsDeep(t *testing.T) {
	t.Parallel()

	p := NewProfile("anon_1", time.Now())
	p.StructuredData["education_level"] = "bachelor"
	p.FlaggedContext = append(p.FlaggedContext, FlaggedTopic{Tag: "funds", Intent: "study"})

	c := p.Clone()
	c.StructuredData["education_level"] = "master"
	c.FlaggedContext[0].Tag = "changed"

	if p.StructuredData["education_level"] != "bachelor" {
		t.Fatal("clone mutated original structured data")
	}
	if p.FlaggedContext[0].Tag != "funds" {
		t.Fatal("clone mutated original flagged context")
	}
}

func TestProfileSummaryIsStable(t *testing.T) {
	t.Parallel()

	p := NewProfile("anon_1", time.Now())
	p.Nationality = "India"
	p.StructuredData["zeta"] = "1"
	p.StructuredData["alpha"] = "2"
	p.FreeTextContext = "Has a job offer."

	s := p.Summary()
	if !strings.Contains(s, "Nationality: India") {
		t.Errorf("summary missing nationality: %q", s)
	}
	if !strings.Contains(s, "Visa intent: unknown") {
		t.Errorf("summary missing unknown marker: %q", s)
	}
	if strings.Index(s, "alpha") > strings.Index(s, "zeta") {
		t.Errorf("structured keys not sorted: %q", s)
	}
	if !strings.Contains(s, "Has a job offer.") {
		t.Errorf("summary missing notes: %q", s)
	}
}

func TestProfileCompleteness(t *testing.T) {
	t.Parallel()

	p := NewProfile("anon_1", time.Now())
	p.Nationality = "Ukraine"
	p.VisaIntent = "study"
	if got := p.Completeness(); got != 50 {
		t.Fatalf("Completeness() = %d, want 50", got)
	}
}

func TestIsFlaggedMatchesIntentCaseInsensitively(t *testing.T) {
	t.Parallel()

	p := NewProfile("anon_1", time.Now())
	p.FlaggedContext = []FlaggedTopic{{Tag: "marital_status", Intent: "Family"}}
	if !p.IsFlagged("marital_status", "family") {
		t.Fatal("expected flag to match regardless of case")
	}
	if p.IsFlagged("marital_status", "study") {
		t.Fatal("flag must be scoped to its intent")
	}
}
