// Package dummyembed provides a deterministic, dependency-free embedder
// used for local testing and as the default config fallback, matching the
// teacher's DummyEmbedder in pkg/memory/embeeding.go.
package dummyembed

import (
	"context"

	"github.com/memlattice/profilememory/pkg/embedder"
)

const defaultDimensions = 32

// Embedder hashes each byte of the input text into a fixed-size vector.
// Identical inputs always yield identical vectors; it carries no semantic
// meaning and exists purely so the rest of the pipeline is exercisable
// without a live embedding vendor.
type Embedder struct {
	dimensions int
}

// New constructs a dummy embedder with the given vector width (defaults to
// 32 when dimensions <= 0).
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = defaultDimensions
	}
	return &Embedder{dimensions: dimensions}
}

func (e *Embedder) IngestEmbed(_ context.Context, items []string, maxAttempts int) ([][]float32, error) {
	return embedder.WithRetry(maxAttempts, func() ([][]float32, error) { return e.embedAll(items), nil })
}

func (e *Embedder) SearchEmbed(_ context.Context, queries []string, maxAttempts int) ([][]float32, error) {
	return embedder.WithRetry(maxAttempts, func() ([][]float32, error) { return e.embedAll(queries), nil })
}

func (e *Embedder) embedAll(items []string) [][]float32 {
	out := make([][]float32, len(items))
	for i, text := range items {
		out[i] = e.embed(text)
	}
	return out
}

func (e *Embedder) embed(text string) []float32 {
	vec := make([]float32, e.dimensions)
	if len(text) == 0 {
		return vec
	}
	for i := range vec {
		sum := 0
		for j := i; j < len(text); j += e.dimensions {
			sum += int(text[j])
		}
		vec[i] = float32(sum%997) / 997.0
	}
	return vec
}

func (e *Embedder) ModelID() string                         { return "dummy" }
func (e *Embedder) Dimensions() int                         { return e.dimensions }
func (e *Embedder) SimilarityMetric() embedder.SimilarityMetric { return embedder.Cosine }

var _ embedder.Embedder = (*Embedder)(nil)
