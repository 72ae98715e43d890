package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/memlattice/profilememory/pkg/cache"
	"github.com/memlattice/profilememory/pkg/embedder"
	"github.com/memlattice/profilememory/pkg/llm"
	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profile/tracker"
	"github.com/memlattice/profilememory/pkg/profilestore/memstore"
)

type scriptedLLM struct{ responses []string }

func (s *scriptedLLM) GenerateResponse(_ context.Context, _, _ string, _ []llm.Tool, _ string, _ int) (string, []llm.ToolCall, error) {
	if len(s.responses) == 0 {
		return `{}`, nil, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil, nil
}

func (s *scriptedLLM) ModelID() string { return "scripted" }

type fakeEmbedder struct{}

func (fakeEmbedder) IngestEmbed(_ context.Context, items []string, _ int) ([][]float32, error) {
	out := make([][]float32, len(items))
	for i := range items {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f fakeEmbedder) SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float32, error) {
	return f.IngestEmbed(ctx, queries, maxAttempts)
}

func (fakeEmbedder) ModelID() string                             { return "fake-embed" }
func (fakeEmbedder) Dimensions() int                              { return 2 }
func (fakeEmbedder) SimilarityMetric() embedder.SimilarityMetric { return embedder.Cosine }

func TestProcessUserAppliesAddCommandAndMarksIngested(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.Startup(ctx))
	_, err := store.AddHistory(ctx, "u1", "I live in Paris", nil, model.Isolations{})
	require.NoError(t, err)

	lm := &scriptedLLM{responses: []string{
		`{"0": {"command": "add", "feature": "city", "tag": "location", "value": "Paris"}}`,
	}}
	c, err := cache.New(10)
	require.NoError(t, err)
	tm := tracker.New(1, time.Hour)

	w := New(store, tm, c, lm, fakeEmbedder{}, nil, Config{MaxConcurrentGroups: 1, MaxConcurrentUsers: 1}, zerolog.Nop())
	w.processUser(ctx, "u1")

	profile, err := store.GetProfile(ctx, "u1", model.Isolations{})
	require.NoError(t, err)
	entries := profile["location"]["city"]
	require.Len(t, entries, 1)
	require.Equal(t, "Paris", entries[0].Value)

	uningested, err := store.GetUningestedHistoryMessagesCount(ctx)
	require.NoError(t, err)
	require.Zero(t, uningested, "message must be marked ingested")
}

func TestProcessUserDiscardsUnparseableResponseButMarksIngested(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.Startup(ctx))
	_, err := store.AddHistory(ctx, "u1", "garbled", nil, model.Isolations{})
	require.NoError(t, err)

	lm := &scriptedLLM{responses: []string{"not json at all and no braces either"}}
	tm := tracker.New(1, time.Hour)

	w := New(store, tm, nil, lm, fakeEmbedder{}, nil, Config{}, zerolog.Nop())
	w.processUser(ctx, "u1")

	uningested, err := store.GetUningestedHistoryMessagesCount(ctx)
	require.NoError(t, err)
	require.Zero(t, uningested, "an unparseable response must not be retried forever")
}

func TestGroupByIsolationPreservesOrderWithinGroup(t *testing.T) {
	rows := []model.HistoryMessage{
		{ID: 1, Isolations: model.Isolations{"g": "a"}},
		{ID: 2, Isolations: model.Isolations{"g": "b"}},
		{ID: 3, Isolations: model.Isolations{"g": "a"}},
	}
	groups := groupByIsolation(rows)
	require.Len(t, groups, 2)
	require.Equal(t, []int64{1, 3}, []int64{groups[0].messages[0].ID, groups[0].messages[1].ID})
	require.Equal(t, int64(2), groups[1].messages[0].ID)
}
