// Package facade implements the profile facade (C8): the public surface
// composing the cache, tracker, ingestion worker, consolidator, embedder,
// and storage contract into the few operations an external caller needs,
// per §4.8.
package facade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memlattice/profilememory/pkg/cache"
	"github.com/memlattice/profilememory/pkg/embedder"
	"github.com/memlattice/profilememory/pkg/llm"
	"github.com/memlattice/profilememory/pkg/profile/consolidate"
	"github.com/memlattice/profilememory/pkg/profile/ingest"
	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profile/tracker"
	"github.com/memlattice/profilememory/pkg/profileerrors"
	"github.com/memlattice/profilememory/pkg/profilelog"
	"github.com/memlattice/profilememory/pkg/profilestore"
	"github.com/memlattice/profilememory/pkg/rangefilter"
)

// Config holds every tunable the facade threads through to the cache,
// tracker, and ingestion worker it owns, per §6 "Configuration".
type Config struct {
	MaxCacheSize           int
	UpdateInterval         time.Duration
	MessageLimit           int
	TimeLimit              time.Duration
	ConsolidationThreshold int
	HistoryBatchSize       int
	MaxConcurrentUsers     int
	MaxConcurrentGroups    int
	MaxConcurrentSections  int
	MaxLLMAttempts         int
	MaxEmbedAttempts       int
	PromptModule           string
}

// ScoredEntry pairs a profile entry with its semantic-search similarity
// score, after the range filter has been applied.
type ScoredEntry struct {
	Score float64
	Entry model.ProfileEntry
}

// Facade is the public entry point of the profile-memory engine.
type Facade struct {
	store   profilestore.Store
	embed   embedder.Embedder
	cache   *cache.LRU
	tracker *tracker.Manager
	worker  *ingest.Worker
	cfg     Config
	log     zerolog.Logger

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New wires a Facade together. lm and em are the language model and
// embedder adapters selected by configuration; store is the concrete
// backend (memstore, postgres, mongo, or qdrant).
func New(store profilestore.Store, lm llm.LanguageModel, em embedder.Embedder, cfg Config, base zerolog.Logger) (*Facade, error) {
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 1000
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = 5
	}
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = 120 * time.Second
	}
	if cfg.ConsolidationThreshold < 2 {
		cfg.ConsolidationThreshold = 5
	}

	profileCache, err := cache.New(cfg.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("facade: %w", err)
	}

	tm := tracker.New(cfg.MessageLimit, cfg.TimeLimit)

	consolidator := consolidate.New(store, lm, em, profileCache, consolidate.Config{
		SectionThreshold:      cfg.ConsolidationThreshold,
		MaxConcurrentSections: cfg.MaxConcurrentSections,
		MaxLLMAttempts:        cfg.MaxLLMAttempts,
		MaxEmbedAttempts:      cfg.MaxEmbedAttempts,
		PromptModule:          cfg.PromptModule,
	}, base)

	w := ingest.New(store, tm, profileCache, lm, em, consolidator, ingest.Config{
		UpdateInterval:      cfg.UpdateInterval,
		HistoryBatchSize:    cfg.HistoryBatchSize,
		MaxConcurrentUsers:  cfg.MaxConcurrentUsers,
		MaxConcurrentGroups: cfg.MaxConcurrentGroups,
		MaxLLMAttempts:      cfg.MaxLLMAttempts,
		MaxEmbedAttempts:    cfg.MaxEmbedAttempts,
		PromptModule:        cfg.PromptModule,
	}, base)

	return &Facade{
		store:   store,
		embed:   em,
		cache:   profileCache,
		tracker: tm,
		worker:  w,
		cfg:     cfg,
		log:     profilelog.Component(base, "facade"),
	}, nil
}

// Startup acquires the storage connection and starts the ingestion worker.
// Calling it again after a successful Startup is a no-op.
func (f *Facade) Startup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	if err := f.store.Startup(ctx); err != nil {
		return fmt.Errorf("facade: startup: %w", err)
	}
	f.worker.Start(ctx)
	f.started = true
	return nil
}

// Shutdown signals the ingestion worker to stop, drains its in-flight
// batch, and releases storage. It is a no-op before Startup and after a
// successful Shutdown.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown || !f.started {
		return nil
	}
	f.worker.Stop()
	if err := f.store.Cleanup(ctx); err != nil {
		return fmt.Errorf("facade: shutdown: %w", err)
	}
	f.shutdown = true
	return nil
}

// IngestMessage appends content to history and marks userID dirty for the
// ingestion worker. It returns as soon as the history row is written;
// LLM-driven profile updates happen asynchronously.
func (f *Facade) IngestMessage(ctx context.Context, userID, speaker, content string, metadata map[string]any, isolations model.Isolations) (model.HistoryMessage, error) {
	// Speaker-prefixing lets a single free-text history row carry turn
	// attribution without widening the storage schema.
	body := content
	if speaker != "" {
		body = fmt.Sprintf("%s sends '%s'", speaker, content)
	}
	msg, err := f.store.AddHistory(ctx, userID, body, metadata, isolations)
	if err != nil {
		return model.HistoryMessage{}, fmt.Errorf("facade: ingest message: %w", err)
	}
	f.tracker.MarkUpdate(userID)
	return msg, nil
}

func (f *Facade) cacheKey(userID string, isolations model.Isolations) string {
	return userID + "\x00" + isolations.Canonical()
}

// GetProfile returns a user's profile under isolations, reading through
// the LRU cache.
func (f *Facade) GetProfile(ctx context.Context, userID string, isolations model.Isolations) (map[string]map[string][]model.ProfileEntry, error) {
	key := f.cacheKey(userID, isolations)
	if cached, ok := f.cache.Get(key); ok {
		if profile, ok := cached.(map[string]map[string][]model.ProfileEntry); ok {
			return profile, nil
		}
	}
	profile, err := f.store.GetProfile(ctx, userID, isolations)
	if err != nil {
		return nil, fmt.Errorf("facade: get profile: %w", err)
	}
	f.cache.Put(key, profile)
	return profile, nil
}

// AddFeature embeds value and writes a new profile entry via storage,
// invalidating the cache entry for this user/isolation.
func (f *Facade) AddFeature(ctx context.Context, userID, feature, value, tag string, metadata map[string]any, isolations model.Isolations, citations []int64) (model.ProfileEntry, error) {
	vectors, err := embedder.WithRetry(f.cfg.MaxEmbedAttempts, func() ([][]float32, error) {
		return f.embed.IngestEmbed(ctx, []string{value}, 1)
	})
	if err != nil {
		return model.ProfileEntry{}, fmt.Errorf("facade: add feature: %w", err)
	}
	if len(vectors) == 0 {
		return model.ProfileEntry{}, profileerrors.New(profileerrors.ExternalServiceError, "embedder returned no vectors")
	}

	entry, err := f.store.AddProfileFeature(ctx, userID, feature, value, tag, vectors[0], metadata, isolations, citations)
	if err != nil {
		return model.ProfileEntry{}, fmt.Errorf("facade: add feature: %w", err)
	}
	f.cache.Erase(f.cacheKey(userID, isolations))
	return entry, nil
}

// DeleteFeature soft-deletes matching rows and invalidates the cache.
func (f *Facade) DeleteFeature(ctx context.Context, userID, feature, tag string, value *string, isolations model.Isolations) error {
	if err := f.store.DeleteProfileFeature(ctx, userID, feature, tag, value, isolations); err != nil {
		return fmt.Errorf("facade: delete feature: %w", err)
	}
	f.cache.Erase(f.cacheKey(userID, isolations))
	return nil
}

// DeleteUserProfile soft-deletes every entry for userID under isolations.
func (f *Facade) DeleteUserProfile(ctx context.Context, userID string, isolations model.Isolations) error {
	if err := f.store.DeleteProfile(ctx, userID, isolations); err != nil {
		return fmt.Errorf("facade: delete user profile: %w", err)
	}
	f.cache.Erase(f.cacheKey(userID, isolations))
	return nil
}

// DeleteAll wipes every profile entry and history message and clears the
// cache.
func (f *Facade) DeleteAll(ctx context.Context) error {
	if err := f.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("facade: delete all: %w", err)
	}
	f.cache.Reset()
	return nil
}

// SemanticSearch embeds query, retrieves up to k candidates above minCos
// from storage, then applies the §2 range filter (max_range, max_stddev)
// to the descending-score result.
func (f *Facade) SemanticSearch(ctx context.Context, userID, query string, k int, minCos, maxRange, maxStddev float64, isolations model.Isolations) ([]ScoredEntry, error) {
	vectors, err := embedder.WithRetry(f.cfg.MaxEmbedAttempts, func() ([][]float32, error) {
		return f.embed.SearchEmbed(ctx, []string{query}, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("facade: semantic search: %w", err)
	}
	if len(vectors) == 0 {
		return nil, profileerrors.New(profileerrors.ExternalServiceError, "embedder returned no vectors")
	}

	entries, err := f.store.SemanticSearch(ctx, userID, vectors[0], k, minCos, isolations)
	if err != nil {
		return nil, fmt.Errorf("facade: semantic search: %w", err)
	}

	scored := make([]rangefilter.Scored[model.ProfileEntry], len(entries))
	for i, e := range entries {
		scored[i] = rangefilter.Scored[model.ProfileEntry]{Score: e.SimilarityScore, Item: e}
	}
	filtered := rangefilter.Filter(scored, maxRange, maxStddev)

	out := make([]ScoredEntry, len(filtered))
	for i, s := range filtered {
		out[i] = ScoredEntry{Score: s.Score, Entry: s.Item}
	}
	return out, nil
}

// UningestedCount returns the process-wide count of history rows not yet
// folded into a profile, for operator monitoring.
func (f *Facade) UningestedCount(ctx context.Context) (int, error) {
	count, err := f.store.GetUningestedHistoryMessagesCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("facade: uningested count: %w", err)
	}
	return count, nil
}
