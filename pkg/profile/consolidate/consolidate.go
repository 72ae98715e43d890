// Package consolidate implements the consolidator (C7): detection of
// oversized profile sections, LLM-driven merge of redundant entries, and
// cache invalidation of every isolation scope touched, per §4.6.
package consolidate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/memlattice/profilememory/pkg/cache"
	"github.com/memlattice/profilememory/pkg/embedder"
	"github.com/memlattice/profilememory/pkg/llm"
	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profile/parse"
	"github.com/memlattice/profilememory/pkg/profile/worker"
	"github.com/memlattice/profilememory/pkg/profileerrors"
	"github.com/memlattice/profilememory/pkg/profilelog"
	"github.com/memlattice/profilememory/pkg/profileprompt"
	"github.com/memlattice/profilememory/pkg/profilestore"
)

// Config holds the tunables a facade wires into a Consolidator.
type Config struct {
	// SectionThreshold is the minimum live-entry count a (feature, tag)
	// group must reach before it is consolidated.
	SectionThreshold int
	// MaxConcurrentSections bounds how many sections are processed at
	// once for a single consolidation run.
	MaxConcurrentSections int
	// MaxLLMAttempts is passed to llm.WithRetry for the consolidation call.
	MaxLLMAttempts int
	// MaxEmbedAttempts is passed to embedder.WithRetry for the merged
	// entry's embedding call.
	MaxEmbedAttempts int
	// PromptModule selects the consolidation prompt bundle (§6
	// "Configuration").
	PromptModule string
}

// Consolidator merges oversized profile sections for one user, per §4.6.
type Consolidator struct {
	store profilestore.Store
	model llm.LanguageModel
	embed embedder.Embedder
	cache *cache.LRU
	cfg   Config
	log   zerolog.Logger
}

// New constructs a Consolidator. profileCache may be nil, in which case
// cache invalidation is skipped (the facade always supplies one).
func New(store profilestore.Store, lm llm.LanguageModel, em embedder.Embedder, profileCache *cache.LRU, cfg Config, base zerolog.Logger) *Consolidator {
	if cfg.SectionThreshold <= 0 {
		cfg.SectionThreshold = 5
	}
	if cfg.MaxConcurrentSections <= 0 {
		cfg.MaxConcurrentSections = 4
	}
	if cfg.MaxLLMAttempts <= 0 {
		cfg.MaxLLMAttempts = 3
	}
	if cfg.MaxEmbedAttempts <= 0 {
		cfg.MaxEmbedAttempts = 3
	}
	return &Consolidator{
		store: store,
		model: lm,
		embed: em,
		cache: profileCache,
		cfg:   cfg,
		log:   profilelog.Component(base, "consolidate"),
	}
}

// sectionEntry is the JSON shape rendered into the consolidation prompt for
// one profile entry of a section, exposing only what the model should act
// on.
type sectionEntry struct {
	ID    int64  `json:"id"`
	Value string `json:"value"`
}

// Run finds every oversized (feature, tag) section for userID under
// isolations and consolidates each one, per §4.6 steps 1-5. Sections are
// processed concurrently; a failure on one section does not prevent the
// others from being attempted, and the first error encountered is returned
// after every section has been tried.
func (c *Consolidator) Run(ctx context.Context, userID string, isolations model.Isolations) error {
	sections, err := c.store.GetLargeProfileSections(ctx, userID, c.cfg.SectionThreshold, isolations)
	if err != nil {
		return fmt.Errorf("consolidate: list sections: %w", err)
	}
	if len(sections) == 0 {
		return nil
	}

	return worker.ParallelForEach(ctx, sections, c.cfg.MaxConcurrentSections, func(ctx context.Context, section profilestore.ProfileGroup) error {
		return c.consolidateSection(ctx, userID, section)
	})
}

func (c *Consolidator) consolidateSection(ctx context.Context, userID string, section profilestore.ProfileGroup) error {
	log := c.log.With().Str("user_id", userID).Str("feature", section.Feature).Str("tag", section.Tag).Logger()

	entries := make([]sectionEntry, 0, len(section.Entries))
	for _, e := range section.Entries {
		entries = append(entries, sectionEntry{ID: e.ID, Value: e.Value})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("consolidate: marshal section: %w", err)
	}

	bundle, err := profileprompt.Select(c.cfg.PromptModule)
	if err != nil {
		return fmt.Errorf("consolidate: select prompt: %w", err)
	}

	responseText, _, err := llm.WithRetry(c.cfg.MaxLLMAttempts, func() (string, []llm.ToolCall, error) {
		return c.model.GenerateResponse(ctx, bundle.Consolidation, string(payload), nil, "", 1)
	})
	if err != nil {
		return fmt.Errorf("consolidate: generate: %w", err)
	}

	result, err := parse.ParseConsolidation(responseText)
	if err != nil {
		// Unreadable response: logged, no mutation, no retry (§7).
		log.Warn().Err(err).Msg("consolidation response unparseable, section left unchanged")
		return nil
	}

	if !result.KeepAll {
		if err := c.deleteUnkept(ctx, userID, section, result.KeepMemories); err != nil {
			return err
		}
	}

	for _, cm := range result.ConsolidateMemories {
		if err := c.applyMerge(ctx, userID, section, cm); err != nil {
			log.Warn().Err(err).Msg("failed to apply one consolidated memory, continuing")
		}
	}
	return nil
}

func (c *Consolidator) deleteUnkept(ctx context.Context, userID string, section profilestore.ProfileGroup, keep []int64) error {
	kept := make(map[int64]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	for _, e := range section.Entries {
		if kept[e.ID] {
			continue
		}
		if err := c.store.DeleteProfileFeatureByID(ctx, e.ID); err != nil {
			return fmt.Errorf("consolidate: delete entry %d: %w", e.ID, err)
		}
		c.invalidate(userID, e.Isolations)
	}
	return nil
}

// applyMerge resolves a consolidate_memories entry's citations, derives its
// isolations via intersection-with-conflict-pruning over the cited history
// rows, embeds the merged value, and inserts the new entry.
func (c *Consolidator) applyMerge(ctx context.Context, userID string, section profilestore.ProfileGroup, cm parse.ConsolidateMemory) error {
	citations, err := c.store.GetAllCitationsForIDs(ctx, cm.Citations)
	if err != nil {
		return fmt.Errorf("consolidate: resolve citations: %w", err)
	}

	sources := make([]model.Isolations, 0, len(citations))
	for _, cit := range citations {
		sources = append(sources, cit.Isolations)
	}
	newIsolations := model.IntersectIsolations(sources)

	// §9 Open Question (b): only the value is embedded, not feature/tag,
	// matching the reference's add_new_profile embedding input.
	vectors, err := embedder.WithRetry(c.cfg.MaxEmbedAttempts, func() ([][]float32, error) {
		return c.embed.IngestEmbed(ctx, []string{cm.Value}, 1)
	})
	if err != nil {
		return fmt.Errorf("consolidate: embed merged value: %w", err)
	}
	if len(vectors) == 0 {
		return profileerrors.New(profileerrors.ExternalServiceError, "consolidate: embedder returned no vectors")
	}

	historyIDs := make([]int64, 0, len(citations))
	for _, cit := range citations {
		historyIDs = append(historyIDs, cit.HistoryID)
	}

	if _, err := c.store.AddProfileFeature(ctx, userID, cm.Feature, cm.Value, cm.Tag, vectors[0], nil, newIsolations, historyIDs); err != nil {
		return fmt.Errorf("consolidate: insert merged entry: %w", err)
	}
	c.invalidate(userID, newIsolations)
	return nil
}

func (c *Consolidator) invalidate(userID string, isolations model.Isolations) {
	if c.cache == nil {
		return
	}
	c.cache.Erase(userID + "\x00" + isolations.Canonical())
}
