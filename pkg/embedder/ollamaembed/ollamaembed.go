// Package ollamaembed adapts a local Ollama embedding model to the
// Embedder interface, grounded on the teacher's
// pkg/memory/embeeding_ollama.go.
package ollamaembed

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/memlattice/profilememory/pkg/embedder"
)

// Embedder wraps an Ollama embedding model served locally.
type Embedder struct {
	client     *ollama.Client
	model      string
	dimensions int
}

// New constructs an Ollama embedder. model defaults to nomic-embed-text.
func New(model string) (*Embedder, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &Embedder{
		client:     ollama.NewClient(u, &http.Client{Timeout: 60 * time.Second}),
		model:      model,
		dimensions: 768,
	}, nil
}

func (e *Embedder) IngestEmbed(ctx context.Context, items []string, maxAttempts int) ([][]float32, error) {
	return e.embed(ctx, items, maxAttempts)
}

func (e *Embedder) SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float32, error) {
	return e.embed(ctx, queries, maxAttempts)
}

func (e *Embedder) embed(ctx context.Context, items []string, maxAttempts int) ([][]float32, error) {
	return embedder.WithRetry(maxAttempts, func() ([][]float32, error) {
		out := make([][]float32, len(items))
		for i, text := range items {
			res, err := e.client.Embed(ctx, &ollama.EmbedRequest{Model: e.model, Input: text})
			if err != nil {
				return nil, err
			}
			if res == nil || len(res.Embeddings) == 0 {
				return nil, errors.New("ollamaembed: empty embedding response")
			}
			out[i] = res.Embeddings[0]
		}
		return out, nil
	})
}

func (e *Embedder) ModelID() string { return e.model }
func (e *Embedder) Dimensions() int { return e.dimensions }
func (e *Embedder) SimilarityMetric() embedder.SimilarityMetric { return embedder.Cosine }

var _ embedder.Embedder = (*Embedder)(nil)
