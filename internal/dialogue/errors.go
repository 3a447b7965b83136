package dialogue

import (
	"errors"
	"fmt"
)

// Sentinel errors. Completion and retrieval availability errors live in
// the llm and retrieval packages.
var (
	// ErrCompletionMalformed means the model answered with content that
	// failed validation, such as an empty answer.
	ErrCompletionMalformed = errors.New("completion malformed")
	// ErrExtractionParse is wrapped by every ExtractionParseError.
	ErrExtractionParse = errors.New("extraction parse error")
	// ErrProfileValidation is wrapped by every ProfileValidationError.
	ErrProfileValidation = errors.New("profile validation error")
	// ErrProfileStore marks a failure of the profile store. It is the only
	// error Handle returns to its caller.
	ErrProfileStore = errors.New("profile store unavailable")
)

// ExtractionParseError reports extractor output that is not a valid delta.
type ExtractionParseError struct {
	Reason string
	Raw    string
}

func (e *ExtractionParseError) Error() string {
	return fmt.Sprintf("extraction parse error: %s", e.Reason)
}

func (e *ExtractionParseError) Unwrap() error { return ErrExtractionParse }

// ProfileValidationError reports a delta that would break a profile
// invariant, such as storing a document number.
type ProfileValidationError struct {
	Key    string
	Reason string
}

func (e *ProfileValidationError) Error() string {
	return fmt.Sprintf("profile validation error: %s: %s", e.Key, e.Reason)
}

func (e *ProfileValidationError) Unwrap() error { return ErrProfileValidation }
