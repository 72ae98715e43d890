// Package vertexembed adapts Google's generative-ai-go embedding model to
// the Embedder interface, grounded on the teacher's
// pkg/memory/embeeding_vertex.go.
package vertexembed

import (
	"context"
	"errors"
	"os"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/memlattice/profilememory/pkg/embedder"
)

// Embedder wraps a Gemini/Vertex embedding model.
type Embedder struct {
	client  *genai.Client
	model   *genai.EmbeddingModel
	modelID string
}

// New constructs a Vertex/Gemini embedder. model defaults to
// text-embedding-004 when empty.
func New(ctx context.Context, model string) (*Embedder, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("vertexembed: missing GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "text-embedding-004"
	}
	return &Embedder{client: client, model: client.EmbeddingModel(model), modelID: model}, nil
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
			resp, err := e.model.EmbedContent(ctx, genai.Text(text))
			if err != nil {
				return nil, err
			}
			if resp == nil || resp.Embedding == nil {
				return nil, errors.New("vertexembed: empty embedding response")
			}
			out[i] = resp.Embedding.Values
		}
		return out, nil
	})
}

func (e *Embedder) ModelID() string { return e.modelID }
func (e *Embedder) Dimensions() int { return 768 }
func (e *Embedder) SimilarityMetric() embedder.SimilarityMetric { return embedder.Cosine }

var _ embedder.Embedder = (*Embedder)(nil)
