// Package dummyllm is a dependency-free LanguageModel used for local
// testing, grounded on the teacher's DummyLLM in pkg/models/dummy.go.
package dummyllm

import (
	"context"
	"fmt"
	"strings"

	"github.com/memlattice/profilememory/pkg/llm"
)

// LanguageModel echoes back a canned response derived from the user
// prompt's last non-empty line. It never emits tool calls.
type LanguageModel struct {
	Prefix string
}

// New constructs a dummy language model. prefix defaults to "Dummy
// response:" when empty.
func New(prefix string) *LanguageModel {
	if strings.TrimSpace(prefix) == "" {
		prefix = "Dummy response:"
	}
	return &LanguageModel{Prefix: prefix}
}

func (m *LanguageModel) GenerateResponse(_ context.Context, _ string, userPrompt string, _ []llm.Tool, _ string, maxAttempts int) (string, []llm.ToolCall, error) {
	return llm.WithRetry(maxAttempts, func() (string, []llm.ToolCall, error) {
		lines := strings.Split(userPrompt, "\n")
		var last string
		for i := len(lines) - 1; i >= 0; i-- {
			if candidate := strings.TrimSpace(lines[i]); candidate != "" {
				last = candidate
				break
			}
		}
		if last == "" {
			last = "<empty prompt>"
		}
		return fmt.Sprintf("%s %s", m.Prefix, last), nil, nil
	})
}

func (m *LanguageModel) ModelID() string { return "dummy" }

var _ llm.LanguageModel = (*LanguageModel)(nil)
