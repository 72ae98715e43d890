// Package llm defines the LanguageModel interface consumed by the
// ingestion worker and consolidator (§6 "Language model (consumed)").
package llm

import (
	"context"

	"github.com/memlattice/profilememory/pkg/profileerrors"
)

// Tool describes a callable function the model may invoke.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// LanguageModel produces free text (and, optionally, tool calls) from a
// system/user prompt pair. Response text is arbitrary; the §4.7 parser
// tolerates noise.
type LanguageModel interface {
	GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, tools []Tool, toolChoice string, maxAttempts int) (text string, toolCalls []ToolCall, err error)
	ModelID() string
}

// WithRetry calls fn up to maxAttempts times, returning the first success.
func WithRetry(maxAttempts int, fn func() (string, []ToolCall, error)) (string, []ToolCall, error) {
	if maxAttempts <= 0 {
		return "", nil, profileerrors.New(profileerrors.InvalidInput, "max_attempts must be > 0")
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		text, calls, err := fn()
		if err == nil {
			return text, calls, nil
		}
		lastErr = err
	}
	return "", nil, profileerrors.Wrap(profileerrors.ExternalServiceError, "language model call failed after retries", lastErr)
}
