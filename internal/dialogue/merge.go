package dialogue

import (
	"strings"
	"time"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/policy"
)

// Merge applies delta to a copy of profile and reports whether anything
// changed. The input profile is never modified. Empty values never erase
// existing ones, notes are appended and flagged topics are de-duplicated.
// A delta that touches a disallowed key is rejected as a whole.
func Merge(p *policy.Policy, profile *domain.Profile, delta domain.ProfileDelta, now time.Time) (*domain.Profile, bool, error) {
	for key := range delta.StructuredUpdates {
		if p.IsDisallowedKey(key) {
			return profile, false, &ProfileValidationError{Key: key, Reason: "document numbers must not be stored"}
		}
		if key == "" || strings.ContainsAny(key, " \t\n") {
			return profile, false, &ProfileValidationError{Key: key, Reason: "keys must be snake_case"}
		}
	}

	next := profile.Clone()
	if next.StructuredData == nil {
		next.StructuredData = map[string]string{}
	}
	changed := false

	for _, key := range sortedKeys(delta.StructuredUpdates) {
		value := strings.TrimSpace(delta.StructuredUpdates[key])
		if value == "" || next.Value(key) == value {
			continue
		}
		if !next.SetCore(key, value) {
			next.StructuredData[key] = value
		}
		changed = true
	}

	if note := strings.TrimSpace(delta.FreeTextAppend); note != "" {
		if next.FreeTextContext == "" {
			next.FreeTextContext = note
		} else {
			next.FreeTextContext += "\n" + note
		}
		changed = true
	}

	if intent := strings.TrimSpace(next.VisaIntent); intent != "" {
		for _, tag := range delta.NeededContext {
			if tag == "" || domain.IsCoreTag(tag) || p.IsDisallowedKey(tag) || next.IsFlagged(tag, intent) {
				continue
			}
			next.FlaggedContext = append(next.FlaggedContext, domain.FlaggedTopic{Tag: tag, Intent: intent})
			changed = true
		}
	}

	if !changed {
		return profile, false, nil
	}
	next.UpdatedAt = now
	return next, true, nil
}
