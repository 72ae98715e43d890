// Package openaillm adapts OpenAI's chat-completions API to the
// LanguageModel interface, grounded on the teacher's pkg/models/openai.go.
package openaillm

import (
	"context"
	"errors"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/memlattice/profilememory/pkg/llm"
)

// LanguageModel wraps an OpenAI chat-completions client.
type LanguageModel struct {
	client  *openai.Client
	model   string
}

// New constructs an OpenAI language model adapter.
func New(model string) *LanguageModel {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_KEY")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LanguageModel{client: openai.NewClient(apiKey), model: model}
}

func (m *LanguageModel) GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, _ []llm.Tool, _ string, maxAttempts int) (string, []llm.ToolCall, error) {
	return llm.WithRetry(maxAttempts, func() (string, []llm.ToolCall, error) {
		messages := make([]openai.ChatCompletionMessage, 0, 2)
		if systemPrompt != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt})

		resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    m.model,
			Messages: messages,
		})
		if err != nil {
			return "", nil, err
		}
		if len(resp.Choices) == 0 {
			return "", nil, errors.New("openaillm: no choices in response")
		}
		return resp.Choices[0].Message.Content, nil, nil
	})
}

func (m *LanguageModel) ModelID() string { return m.model }

var _ llm.LanguageModel = (*LanguageModel)(nil)
