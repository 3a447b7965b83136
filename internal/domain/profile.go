// Package domain contains core domain types for the Mandry visa assistant.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Core profile tags. These double as the keys the extraction model uses for
// the dedicated scalar fields.
const (
	TagNationality        = "nationality"
	TagCurrentLocation    = "current_location"
	TagDestinationCountry = "destination_country"
	TagVisaIntent         = "visa_intent"
)

// CoreTags lists the dedicated scalar fields in display order.
var CoreTags = []string{TagNationality, TagCurrentLocation, TagDestinationCountry, TagVisaIntent}

// IsCoreTag reports whether tag names one of the dedicated scalar fields.
func IsCoreTag(tag string) bool {
	for _, t := range CoreTags {
		if t == tag {
			return true
		}
	}
	return false
}

// FlaggedTopic records that the extraction model judged a topic relevant for
// a particular visa intent.
type FlaggedTopic struct {
	Tag    string `json:"tag"`
	Intent string `json:"visa_intent"`
}

// Profile is the long-lived, incrementally built picture of a user.
type Profile struct {
	UserID             string            `json:"user_id"`
	Nationality        string            `json:"nationality,omitempty"`
	CurrentLocation    string            `json:"current_location,omitempty"`
	DestinationCountry string            `json:"destination_country,omitempty"`
	VisaIntent         string            `json:"visa_intent,omitempty"`
	StructuredData     map[string]string `json:"structured_data"`
	FreeTextContext    string            `json:"free_text_context,omitempty"`
	FlaggedContext     []FlaggedTopic    `json:"flagged_context,omitempty"`
	MissingContext     []string          `json:"missing_context"`
	ContextSufficient  bool              `json:"context_sufficient"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// NewProfile returns an empty profile for userID.
func NewProfile(userID string, now time.Time) *Profile {
	return &Profile{
		UserID:         userID,
		StructuredData: map[string]string{},
		MissingContext: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy so callers can mutate without touching p.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.StructuredData = make(map[string]string, len(p.StructuredData))
	for k, v := range p.StructuredData {
		c.StructuredData[k] = v
	}
	c.FlaggedContext = append([]FlaggedTopic(nil), p.FlaggedContext...)
	c.MissingContext = append([]string{}, p.MissingContext...)
	return &c
}

// Value returns the value held for tag, looking at the scalar fields first
// and the open structured data second.
func (p *Profile) Value(tag string) string {
	switch tag {
	case TagNationality:
		return p.Nationality
	case TagCurrentLocation:
		return p.CurrentLocation
	case TagDestinationCountry:
		return p.DestinationCountry
	case TagVisaIntent:
		return p.VisaIntent
	}
	return p.StructuredData[tag]
}

// Has reports whether a non-blank value is held for tag.
func (p *Profile) Has(tag string) bool {
	return strings.TrimSpace(p.Value(tag)) != ""
}

// SetCore sets one of the dedicated scalar fields. It returns false for
// tags that are not core tags.
func (p *Profile) SetCore(tag, value string) bool {
	switch tag {
	case TagNationality:
		p.Nationality = value
	case TagCurrentLocation:
		p.CurrentLocation = value
	case TagDestinationCountry:
		p.DestinationCountry = value
	case TagVisaIntent:
		p.VisaIntent = value
	default:
		return false
	}
	return true
}

// IsEmpty reports whether nothing has been captured yet.
func (p *Profile) IsEmpty() bool {
	for _, t := range CoreTags {
		if p.Has(t) {
			return false
		}
	}
	return len(p.StructuredData) == 0 && strings.TrimSpace(p.FreeTextContext) == ""
}

// Completeness returns the share of core fields populated, in percent.
func (p *Profile) Completeness() int {
	n := 0
	for _, t := range CoreTags {
		if p.Has(t) {
			n++
		}
	}
	return n * 100 / len(CoreTags)
}

// CoreContext is a short human-readable description used in greetings.
func (p *Profile) CoreContext() string {
	var parts []string
	if p.Nationality != "" {
		parts = append(parts, "nationality "+p.Nationality)
	}
	if p.CurrentLocation != "" {
		parts = append(parts, "currently in "+p.CurrentLocation)
	}
	if p.DestinationCountry != "" {
		parts = append(parts, "heading to "+p.DestinationCountry)
	}
	if p.VisaIntent != "" {
		parts = append(parts, "interested in a "+p.VisaIntent+" visa")
	}
	if len(parts) == 0 {
		return "no details yet"
	}
	return strings.Join(parts, ", ")
}

// Summary renders every captured fact for prompt construction. Keys are
// sorted so the output is stable.
func (p *Profile) Summary() string {
	var b strings.Builder
	labels := map[string]string{
		TagNationality:        "Nationality",
		TagCurrentLocation:    "Current location",
		TagDestinationCountry: "Destination country",
		TagVisaIntent:         "Visa intent",
	}
	for _, t := range CoreTags {
		v := p.Value(t)
		if v == "" {
			v = "unknown"
		}
		fmt.Fprintf(&b, "%s: %s\n", labels[t], v)
	}
	if len(p.StructuredData) > 0 {
		keys := make([]string, 0, len(p.StructuredData))
		for k := range p.StructuredData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Other details:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, p.StructuredData[k])
		}
	}
	if notes := strings.TrimSpace(p.FreeTextContext); notes != "" {
		b.WriteString("Notes:\n")
		b.WriteString(notes)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// IsFlagged reports whether tag was flagged as needed for intent.
func (p *Profile) IsFlagged(tag, intent string) bool {
	for _, f := range p.FlaggedContext {
		if f.Tag == tag && strings.EqualFold(f.Intent, intent) {
			return true
		}
	}
	return false
}

// ProfileDelta is the incremental change produced by one extraction.
type ProfileDelta struct {
	// StructuredUpdates holds both core tags and open structured keys.
	StructuredUpdates map[string]string `json:"structured_updates"`
	FreeTextAppend    string            `json:"free_text_append,omitempty"`
	// NeededContext lists topics the model flagged as relevant for the
	// user's visa intent.
	NeededContext []string `json:"needed_context,omitempty"`
}

// IsEmpty reports whether applying d would change nothing.
func (d ProfileDelta) IsEmpty() bool {
	for _, v := range d.StructuredUpdates {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return strings.TrimSpace(d.FreeTextAppend) == "" && len(d.NeededContext) == 0
}
