// Package llm provides the completion client used by the dialogue engine.
// A Completer makes one stateless request: a system instruction plus a user
// payload in, raw model text out. Validating that text is the caller's job.
package llm

import (
	"context"
	"errors"
)

// ErrCompletionUnavailable is returned when the model backend cannot be
// reached, times out or rejects the request.
var ErrCompletionUnavailable = errors.New("completion unavailable")

// Options tune a single completion.
type Options struct {
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain output to a JSON object.
	JSON bool
}

// Completer is the completion client contract.
type Completer interface {
	Complete(ctx context.Context, system, payload string, opts Options) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, payload string, opts Options) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, system, payload string, opts Options) (string, error) {
	return f(ctx, system, payload, opts)
}
