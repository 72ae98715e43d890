// Package ollamallm adapts a local Ollama server to the LanguageModel
// interface, grounded on the teacher's pkg/models/ollama.go.
package ollamallm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/memlattice/profilememory/pkg/llm"
)

// LanguageModel wraps an Ollama generate endpoint.
type LanguageModel struct {
	client *ollama.Client
	model  string
}

// New dials the Ollama server named by OLLAMA_HOST (default
// http://localhost:11434).
func New(model string) (*LanguageModel, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("ollamallm: invalid OLLAMA_HOST %q: %w", host, err)
	}
	httpClient := &http.Client{Timeout: 60 * time.Second}
	if model == "" {
		model = "llama3"
	}
	return &LanguageModel{client: ollama.NewClient(u, httpClient), model: model}, nil
}

func (m *LanguageModel) GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, _ []llm.Tool, _ string, maxAttempts int) (string, []llm.ToolCall, error) {
	return llm.WithRetry(maxAttempts, func() (string, []llm.ToolCall, error) {
		fullPrompt := userPrompt
		if systemPrompt != "" {
			fullPrompt = fmt.Sprintf("%s\n\n%s", systemPrompt, userPrompt)
		}

		var text strings.Builder
		req := &ollama.GenerateRequest{Model: m.model, Prompt: fullPrompt}
		err := m.client.Generate(ctx, req, func(gr ollama.GenerateResponse) error {
			text.WriteString(gr.Response)
			return nil
		})
		if err != nil {
			return "", nil, fmt.Errorf("ollamallm: generate: %w", err)
		}
		return text.String(), nil, nil
	})
}

func (m *LanguageModel) ModelID() string { return m.model }

var _ llm.LanguageModel = (*LanguageModel)(nil)
