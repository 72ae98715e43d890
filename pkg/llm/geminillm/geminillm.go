// Package geminillm adapts Google's Generative Language API to the
// LanguageModel interface, grounded on the teacher's pkg/models/gemini.go.
package geminillm

import (
	"context"
	"errors"
	"fmt"
	"os"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/memlattice/profilememory/pkg/llm"
)

// LanguageModel wraps a Gemini generative model client.
type LanguageModel struct {
	client *genai.Client
	model  string
}

// New dials the Gemini API. model defaults to "gemini-1.5-flash" when empty.
func New(ctx context.Context, model string) (*LanguageModel, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("geminillm: missing GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("geminillm: init: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &LanguageModel{client: client, model: model}, nil
}

func (m *LanguageModel) GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, _ []llm.Tool, _ string, maxAttempts int) (string, []llm.ToolCall, error) {
	return llm.WithRetry(maxAttempts, func() (string, []llm.ToolCall, error) {
		gm := m.client.GenerativeModel(m.model)
		if systemPrompt != "" {
			gm.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
		}
		resp, err := gm.GenerateContent(ctx, genai.Text(userPrompt))
		if err != nil {
			return "", nil, fmt.Errorf("geminillm: generate: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return "", nil, errors.New("geminillm: empty response")
		}
		var text string
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
		return text, nil, nil
	})
}

func (m *LanguageModel) ModelID() string { return m.model }

var _ llm.LanguageModel = (*LanguageModel)(nil)
