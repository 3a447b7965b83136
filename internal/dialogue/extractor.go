package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/llm"
)

const maxExtractedValueLen = 300

// Extractor turns a free-form message into a validated ProfileDelta.
type Extractor struct {
	completer llm.Completer
	logger    *slog.Logger
}

// NewExtractor creates an extractor backed by completer.
func NewExtractor(completer llm.Completer, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{completer: completer, logger: logger}
}

type extractionPayload struct {
	CurrentProfile extractionProfile `json:"current_profile"`
	Message        string            `json:"message"`
}

type extractionProfile struct {
	Nationality        string            `json:"nationality,omitempty"`
	CurrentLocation    string            `json:"current_location,omitempty"`
	DestinationCountry string            `json:"destination_country,omitempty"`
	VisaIntent         string            `json:"visa_intent,omitempty"`
	StructuredData     map[string]string `json:"structured_data,omitempty"`
}

// Extract asks the model for a delta and validates it. Model output is
// untrusted: anything outside the schema yields an *ExtractionParseError
// and no delta.
func (e *Extractor) Extract(ctx context.Context, message string, profile *domain.Profile) (domain.ProfileDelta, error) {
	payload, err := json.Marshal(extractionPayload{
		CurrentProfile: extractionProfile{
			Nationality:        profile.Nationality,
			CurrentLocation:    profile.CurrentLocation,
			DestinationCountry: profile.DestinationCountry,
			VisaIntent:         profile.VisaIntent,
			StructuredData:     profile.StructuredData,
		},
		Message: message,
	})
	if err != nil {
		return domain.ProfileDelta{}, fmt.Errorf("marshal extraction payload: %w", err)
	}

	raw, err := e.completer.Complete(ctx, extractionSystemPrompt, string(payload), llm.Options{
		MaxTokens:   400,
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return domain.ProfileDelta{}, fmt.Errorf("extract: %w", err)
	}

	delta, err := ParseExtraction(raw)
	if err != nil {
		e.logger.Warn("extraction output rejected", "user_id", profile.UserID, "error", err)
		return domain.ProfileDelta{}, err
	}
	return delta, nil
}

var coreFields = []string{
	domain.TagNationality,
	domain.TagCurrentLocation,
	domain.TagDestinationCountry,
	domain.TagVisaIntent,
}

// ParseExtraction validates raw model output against the extraction schema.
func ParseExtraction(raw string) (domain.ProfileDelta, error) {
	fail := func(format string, args ...any) (domain.ProfileDelta, error) {
		return domain.ProfileDelta{}, &ExtractionParseError{Reason: fmt.Sprintf(format, args...), Raw: raw}
	}

	body := stripFences(raw)
	if body == "" {
		return fail("empty output")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return fail("not a JSON object: %v", err)
	}
	if dec.More() {
		return fail("trailing data after JSON object")
	}
	if obj == nil {
		return fail("not a JSON object")
	}

	delta := domain.ProfileDelta{StructuredUpdates: map[string]string{}}

	for _, field := range coreFields {
		v, ok := obj[field]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fail("%s must be a string or null", field)
		}
		if s = strings.TrimSpace(s); s != "" {
			if len(s) > maxExtractedValueLen {
				return fail("%s is too long", field)
			}
			delta.StructuredUpdates[field] = s
		}
	}

	if v, ok := obj["structured_data"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return fail("structured_data must be an object")
		}
		for rawKey, val := range m {
			key := snakeCase(rawKey)
			if key == "" {
				return fail("structured_data key %q is empty after normalisation", rawKey)
			}
			s, ok, err := scalarString(val)
			if err != nil {
				return fail("structured_data.%s: %v", rawKey, err)
			}
			if !ok {
				continue
			}
			if len(s) > maxExtractedValueLen {
				return fail("structured_data.%s is too long", rawKey)
			}
			// Dedicated top-level fields win over duplicates in structured_data.
			if _, exists := delta.StructuredUpdates[key]; exists && domain.IsCoreTag(key) {
				continue
			}
			delta.StructuredUpdates[key] = s
		}
	}

	if v, ok := obj["note"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return fail("note must be a string or null")
		}
		delta.FreeTextAppend = strings.TrimSpace(s)
	}

	if v, ok := obj["needed_context"]; ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			return fail("needed_context must be an array")
		}
		seen := map[string]bool{}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return fail("needed_context entries must be strings")
			}
			tag := snakeCase(s)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			delta.NeededContext = append(delta.NeededContext, tag)
		}
	}

	return delta, nil
}

// stripFences removes a surrounding ``` or ```json fence and any prose
// around the outermost JSON object.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		start := strings.IndexByte(s, '{')
		end := strings.LastIndexByte(s, '}')
		if start >= 0 && end > start {
			s = s[start : end+1]
		}
	}
	return s
}

func scalarString(v any) (string, bool, error) {
	switch x := v.(type) {
	case nil:
		return "", false, nil
	case string:
		x = strings.TrimSpace(x)
		return x, x != "", nil
	case json.Number:
		return x.String(), true, nil
	case bool:
		if x {
			return "true", true, nil
		}
		return "false", true, nil
	default:
		return "", false, fmt.Errorf("value must be a scalar")
	}
}

// snakeCase normalises keys like "Marital Status" or "maritalStatus" to
// "marital_status".
func snakeCase(s string) string {
	var b bytes.Buffer
	var prev rune
	pendingSep := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsUpper(r):
			if b.Len() > 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				pendingSep = true
			}
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
		prev = r
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
