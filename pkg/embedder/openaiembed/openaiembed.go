// Package openaiembed adapts OpenAI's embeddings endpoint to the Embedder
// interface, grounded on the teacher's go-openai usage in pkg/models/openai.go.
package openaiembed

import (
	"context"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/memlattice/profilememory/pkg/embedder"
)

// Embedder wraps an OpenAI embeddings client.
type Embedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	modelID    string
	dimensions int
}

// New constructs an OpenAI embedder. model defaults to text-embedding-3-small
// (1536 dimensions) when empty.
func New(model string) *Embedder {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_KEY")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	dims := 1536
	if model == string(openai.LargeEmbedding3) {
		dims = 3072
	}
	return &Embedder{
		client:     openai.NewClient(apiKey),
		model:      openai.EmbeddingModel(model),
		modelID:    model,
		dimensions: dims,
	}
}

func (e *Embedder) IngestEmbed(ctx context.Context, items []string, maxAttempts int) ([][]float32, error) {
	return e.embed(ctx, items, maxAttempts)
}

func (e *Embedder) SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float32, error) {
	return e.embed(ctx, queries, maxAttempts)
}

func (e *Embedder) embed(ctx context.Context, items []string, maxAttempts int) ([][]float32, error) {
	return embedder.WithRetry(maxAttempts, func() ([][]float32, error) {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: items,
			Model: e.model,
		})
		if err != nil {
			return nil, err
		}
		out := make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			out[i] = d.Embedding
		}
		return out, nil
	})
}

func (e *Embedder) ModelID() string                             { return e.modelID }
func (e *Embedder) Dimensions() int                              { return e.dimensions }
func (e *Embedder) SimilarityMetric() embedder.SimilarityMetric { return embedder.Cosine }

var _ embedder.Embedder = (*Embedder)(nil)
