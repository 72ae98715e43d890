package consolidate

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/memlattice/profilememory/pkg/embedder"
	"github.com/memlattice/profilememory/pkg/llm"
	"github.com/memlattice/profilememory/pkg/llm/dummyllm"
	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profilestore/memstore"
)

// fakeLLM returns a fixed response regardless of the prompt.
type fakeLLM struct{ response string }

func (f fakeLLM) GenerateResponse(_ context.Context, _, _ string, _ []llm.Tool, _ string, _ int) (string, []llm.ToolCall, error) {
	return f.response, nil, nil
}

func (f fakeLLM) ModelID() string { return "fake" }

// fakeEmbedder returns a deterministic 2-dimensional vector per input.
type fakeEmbedder struct{}

func (fakeEmbedder) IngestEmbed(_ context.Context, items []string, _ int) ([][]float32, error) {
	out := make([][]float32, len(items))
	for i := range items {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (fakeEmbedder) SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float32, error) {
	return fakeEmbedder{}.IngestEmbed(ctx, queries, maxAttempts)
}

func (fakeEmbedder) ModelID() string                             { return "fake-embed" }
func (fakeEmbedder) Dimensions() int                              { return 2 }
func (fakeEmbedder) SimilarityMetric() embedder.SimilarityMetric { return embedder.Cosine }

func newFixture(t *testing.T) (*memstore.Store, string) {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.Startup(context.Background()))
	return store, "user-1"
}

func TestRunSkipsWhenNoLargeSections(t *testing.T) {
	store, userID := newFixture(t)
	c := New(store, dummyllm.New(""), nil, nil, Config{SectionThreshold: 5}, zerolog.Nop())
	require.NoError(t, c.Run(context.Background(), userID, model.Isolations{}))
}

func TestRunLeavesSectionUnchangedOnUnparseableResponse(t *testing.T) {
	store, userID := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.AddProfileFeature(ctx, userID, "likes", fmt.Sprintf("thing %d", i), "interests", []float32{1, 0}, nil, model.Isolations{}, nil)
		require.NoError(t, err)
	}

	c := New(store, dummyllm.New(""), nil, nil, Config{SectionThreshold: 5}, zerolog.Nop())
	require.NoError(t, c.Run(ctx, userID, model.Isolations{}))

	profile, err := store.GetProfile(ctx, userID, model.Isolations{})
	require.NoError(t, err)
	require.Len(t, profile["interests"]["likes"], 5, "an unparseable response must leave the section unchanged")
}

func TestRunMergesAndPrunesOnValidResponse(t *testing.T) {
	store, userID := newFixture(t)
	ctx := context.Background()

	h1, err := store.AddHistory(ctx, userID, "I like tea", nil, model.Isolations{"group": "g1", "session": "s1"})
	require.NoError(t, err)
	h2, err := store.AddHistory(ctx, userID, "I also like tea", nil, model.Isolations{"group": "g1", "session": "s2"})
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		e, err := store.AddProfileFeature(ctx, userID, "likes", fmt.Sprintf("tea variant %d", i), "interests", []float32{1, 0}, nil, model.Isolations{}, []int64{h1.ID, h2.ID})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	response := fmt.Sprintf(`{
		"keep_memories": [%d],
		"consolidate_memories": [
			{"tag": "interests", "feature": "likes", "value": "likes tea",
			 "metadata": {"citations": [%d, %d]}}
		]
	}`, ids[0], ids[1], ids[2])

	c := New(store, fakeLLM{response: response}, fakeEmbedder{}, nil, Config{SectionThreshold: 5}, zerolog.Nop())
	require.NoError(t, c.Run(ctx, userID, model.Isolations{}))

	profile, err := store.GetProfile(ctx, userID, model.Isolations{})
	require.NoError(t, err)
	entries := profile["interests"]["likes"]
	require.Len(t, entries, 2, "expected 2 surviving entries (1 kept + 1 merged)")

	var kept, merged int
	for _, e := range entries {
		if e.ID == ids[0] {
			kept++
		}
		if e.Value == "likes tea" {
			merged++
			require.Equal(t, (model.Isolations{"group": "g1"}).Canonical(), e.Isolations.Canonical(),
				"merged entry isolations must be the conflict-pruned intersection")
		}
	}
	require.Equal(t, 1, kept)
	require.Equal(t, 1, merged)
}

func TestInvalidateNoopsWithNilCache(t *testing.T) {
	c := &Consolidator{cache: nil}
	c.invalidate("user", model.Isolations{})
}
