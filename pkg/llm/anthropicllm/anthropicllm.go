// Package anthropicllm adapts the Anthropic Messages API to the
// LanguageModel interface, grounded on the teacher's pkg/models/anthropics.go.
package anthropicllm

import (
	"context"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memlattice/profilememory/pkg/llm"
)

// LanguageModel wraps an Anthropic Messages client.
type LanguageModel struct {
	client    anthropic.Client
	model     anthropic.Model
	modelID   string
	maxTokens int64
}

// New constructs an Anthropic language model adapter. model defaults to
// Claude 3.5 Sonnet when empty.
func New(model string) *LanguageModel {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if model == "" {
		model = string(anthropic.ModelClaude3_5SonnetLatest)
	}
	return &LanguageModel{
		client:    anthropic.NewClient(anthropicopt.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		modelID:   model,
		maxTokens: 1024,
	}
}

func (m *LanguageModel) GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, _ []llm.Tool, _ string, maxAttempts int) (string, []llm.ToolCall, error) {
	return llm.WithRetry(maxAttempts, func() (string, []llm.ToolCall, error) {
		params := anthropic.MessageNewParams{
			Model:     m.model,
			MaxTokens: m.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
			},
		}
		if systemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
		}
		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			return "", nil, err
		}
		var b strings.Builder
		for _, block := range resp.Content {
			if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
				b.WriteString(tb.Text)
			}
		}
		return b.String(), nil, nil
	})
}

func (m *LanguageModel) ModelID() string { return m.modelID }

var _ llm.LanguageModel = (*LanguageModel)(nil)
