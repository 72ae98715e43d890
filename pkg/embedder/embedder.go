// Package embedder defines the Embedder interface consumed by the profile
// facade and ingestion worker (§6 "Embedder (consumed)"), plus a shared
// retry helper used by every concrete vendor adapter.
package embedder

import (
	"context"

	"github.com/memlattice/profilememory/pkg/profileerrors"
)

// SimilarityMetric names the distance function a model's vector space uses.
type SimilarityMetric string

const (
	Cosine    SimilarityMetric = "cosine"
	Dot       SimilarityMetric = "dot"
	Euclidean SimilarityMetric = "euclidean"
	Manhattan SimilarityMetric = "manhattan"
)

// Embedder produces dense vectors from text. Ingest and search paths are
// distinguished because some vendors (e.g. asymmetric retrieval models)
// use different instructions or model variants for each.
type Embedder interface {
	IngestEmbed(ctx context.Context, items []string, maxAttempts int) ([][]float32, error)
	SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float32, error)
	ModelID() string
	Dimensions() int
	SimilarityMetric() SimilarityMetric
}

// WithRetry calls fn up to maxAttempts times, returning the first success.
// maxAttempts <= 0 is a caller error per §6.
func WithRetry[T any](maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		return zero, profileerrors.New(profileerrors.InvalidInput, "max_attempts must be > 0")
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, profileerrors.Wrap(profileerrors.ExternalServiceError, "embedder call failed after retries", lastErr)
}
