// Package fastembed adapts the local CPU embedding library fastembed-go to
// the Embedder interface, grounded on the teacher's
// pkg/memory/embed/fast_embed.go. IngestEmbed uses the passage-prefixed
// path, SearchEmbed the query path, matching the library's asymmetric
// retrieval convention.
package fastembed

import (
	"context"
	"fmt"
	"runtime"

	fe "github.com/anush008/fastembed-go"

	"github.com/memlattice/profilememory/pkg/embedder"
)

const dimensions = 384 // bge-small-en-v1.5

// Embedder wraps a local fastembed model.
type Embedder struct {
	m         *fe.FlagEmbedding
	batchSize int
}

// Options configures model selection and batching.
type Options struct {
	Model     fe.EmbeddingModel
	CacheDir  string
	MaxLength int
	BatchSize int
}

// New loads (or downloads, on first use) the configured fastembed model.
func New(opt *Options) (*Embedder, error) {
	var init *fe.InitOptions
	if opt != nil {
		init = &fe.InitOptions{Model: opt.Model, CacheDir: opt.CacheDir, MaxLength: opt.MaxLength}
	}
	m, err := fe.NewFlagEmbedding(init)
	if err != nil {
		return nil, err
	}
	bs := 64
	if opt != nil && opt.BatchSize > 0 {
		bs = opt.BatchSize
	}
	if cap := 4 * runtime.GOMAXPROCS(0); bs > cap {
		bs = cap
	}
	return &Embedder{m: m, batchSize: bs}, nil
}

func (e *Embedder) IngestEmbed(_ context.Context, items []string, maxAttempts int) ([][]float32, error) {
	return embedder.WithRetry(maxAttempts, func() ([][]float32, error) {
		inputs := make([]string, len(items))
		for i, d := range items {
			if len(d) >= len("passage:") && d[:8] == "passage:" {
				inputs[i] = d
			} else {
				inputs[i] = "passage: " + d
			}
		}
		out, err := e.m.PassageEmbed(inputs, e.batchSize)
		if err != nil {
			return nil, fmt.Errorf("fastembed: passage embed: %w", err)
		}
		return out, nil
	})
}

func (e *Embedder) SearchEmbed(_ context.Context, queries []string, maxAttempts int) ([][]float32, error) {
	return embedder.WithRetry(maxAttempts, func() ([][]float32, error) {
		out := make([][]float32, len(queries))
		for i, q := range queries {
			v, err := e.m.QueryEmbed(q)
			if err != nil {
				return nil, fmt.Errorf("fastembed: query embed: %w", err)
			}
			out[i] = v
		}
		return out, nil
	})
}

func (e *Embedder) Close() error {
	if e.m != nil {
		e.m.Destroy()
	}
	return nil
}

func (e *Embedder) ModelID() string { return "fastembed:bge-small-en-v1.5" }
func (e *Embedder) Dimensions() int { return dimensions }
func (e *Embedder) SimilarityMetric() embedder.SimilarityMetric { return embedder.Cosine }

var _ embedder.Embedder = (*Embedder)(nil)
