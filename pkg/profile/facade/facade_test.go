package facade

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/memlattice/profilememory/pkg/embedder/dummyembed"
	"github.com/memlattice/profilememory/pkg/llm/dummyllm"
	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profilestore/memstore"
)

func newFixtureWithConfig(t *testing.T, cfg Config) *Facade {
	t.Helper()
	store := memstore.New()
	f, err := New(store, dummyllm.New(""), dummyembed.New(8), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, f.Startup(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, f.Shutdown(context.Background()))
	})
	return f
}

func newFixture(t *testing.T) *Facade {
	t.Helper()
	return newFixtureWithConfig(t, Config{})
}

func TestStartupAndShutdownAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.Startup(ctx))
	require.NoError(t, f.Shutdown(ctx))
	require.NoError(t, f.Shutdown(ctx))
}

func TestIngestMessageMarksUserDirty(t *testing.T) {
	f := newFixtureWithConfig(t, Config{MessageLimit: 1})
	ctx := context.Background()

	msg, err := f.IngestMessage(ctx, "u1", "user", "hello there", nil, model.Isolations{})
	require.NoError(t, err)
	require.Equal(t, "user sends 'hello there'", msg.Content)

	fired := f.tracker.TakeUsersToUpdate()
	require.Equal(t, []string{"u1"}, fired)
}

func TestAddFeatureAndGetProfileCacheThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.AddFeature(ctx, "u1", "city", "Paris", "location", nil, model.Isolations{}, nil)
	require.NoError(t, err)

	profile, err := f.GetProfile(ctx, "u1", model.Isolations{})
	require.NoError(t, err)
	entries := profile["location"]["city"]
	require.Len(t, entries, 1)
	require.Equal(t, "Paris", entries[0].Value)

	// Second read should be served from cache; confirm it still matches.
	profile2, err := f.GetProfile(ctx, "u1", model.Isolations{})
	require.NoError(t, err)
	require.Len(t, profile2["location"]["city"], 1)
}

func TestDeleteFeatureInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.AddFeature(ctx, "u1", "city", "Paris", "location", nil, model.Isolations{}, nil)
	require.NoError(t, err)
	_, err = f.GetProfile(ctx, "u1", model.Isolations{})
	require.NoError(t, err)

	require.NoError(t, f.DeleteFeature(ctx, "u1", "city", "location", nil, model.Isolations{}))

	profile, err := f.GetProfile(ctx, "u1", model.Isolations{})
	require.NoError(t, err)
	require.Empty(t, profile["location"]["city"])
}

func TestDeleteAllClearsCacheAndStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.AddFeature(ctx, "u1", "city", "Paris", "location", nil, model.Isolations{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.DeleteAll(ctx))

	profile, err := f.GetProfile(ctx, "u1", model.Isolations{})
	require.NoError(t, err)
	require.Empty(t, profile)
}

func TestSemanticSearchAppliesRangeFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.AddFeature(ctx, "u1", "city", "Paris", "location", nil, model.Isolations{}, nil)
	require.NoError(t, err)

	results, err := f.SemanticSearch(ctx, "u1", "Paris", 10, -1, 1e9, 1e9, model.Isolations{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Paris", results[0].Entry.Value)
}

func TestUningestedCountReflectsPendingHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.IngestMessage(ctx, "u1", "", "hello", nil, model.Isolations{})
	require.NoError(t, err)

	count, err := f.UningestedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
