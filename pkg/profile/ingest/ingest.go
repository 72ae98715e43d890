// Package ingest implements the ingestion worker (C6): a single
// long-running task that drains tracked users, groups their uningested
// history by isolation, and drives the LLM through the update prompt for
// each message in order, per §4.5.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/memlattice/profilememory/pkg/cache"
	"github.com/memlattice/profilememory/pkg/embedder"
	"github.com/memlattice/profilememory/pkg/llm"
	"github.com/memlattice/profilememory/pkg/profile/consolidate"
	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profile/parse"
	"github.com/memlattice/profilememory/pkg/profile/tracker"
	"github.com/memlattice/profilememory/pkg/profile/worker"
	"github.com/memlattice/profilememory/pkg/profileerrors"
	"github.com/memlattice/profilememory/pkg/profilelog"
	"github.com/memlattice/profilememory/pkg/profileprompt"
	"github.com/memlattice/profilememory/pkg/profilestore"
)

// Config holds the tunables a facade wires into a Worker.
type Config struct {
	UpdateInterval      time.Duration
	HistoryBatchSize    int
	MaxConcurrentUsers  int
	MaxConcurrentGroups int
	MaxLLMAttempts      int
	MaxEmbedAttempts    int
	PromptModule        string
}

// Worker drains tracked users and applies their pending history to the
// profile store, invoking the consolidator at the end of each isolation
// group's batch.
type Worker struct {
	store        profilestore.Store
	tracker      *tracker.Manager
	cache        *cache.LRU
	model        llm.LanguageModel
	embed        embedder.Embedder
	consolidator *consolidate.Consolidator
	cfg          Config
	log          zerolog.Logger

	quit      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Worker. cacheStore may be nil, in which case every
// update_from_message call fetches the profile fresh from storage.
func New(store profilestore.Store, tm *tracker.Manager, cacheStore *cache.LRU, lm llm.LanguageModel, em embedder.Embedder, consolidator *consolidate.Consolidator, cfg Config, base zerolog.Logger) *Worker {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 2 * time.Second
	}
	if cfg.HistoryBatchSize <= 0 {
		cfg.HistoryBatchSize = 100
	}
	if cfg.MaxConcurrentUsers <= 0 {
		cfg.MaxConcurrentUsers = 10
	}
	if cfg.MaxConcurrentGroups <= 0 {
		cfg.MaxConcurrentGroups = 4
	}
	if cfg.MaxLLMAttempts <= 0 {
		cfg.MaxLLMAttempts = 3
	}
	if cfg.MaxEmbedAttempts <= 0 {
		cfg.MaxEmbedAttempts = 3
	}
	return &Worker{
		store:        store,
		tracker:      tm,
		cache:        cacheStore,
		model:        lm,
		embed:        em,
		consolidator: consolidator,
		cfg:          cfg,
		log:          profilelog.Component(base, "ingest"),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the worker loop in its own goroutine. Safe to call at
// most once.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.loop(ctx)
	})
}

// Stop signals the worker to quit after its current batch and blocks until
// it has exited, if it was ever started. Safe to call at most once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		users := w.tracker.TakeUsersToUpdate()
		if len(users) == 0 {
			select {
			case <-w.quit:
				return
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.UpdateInterval):
			}
			continue
		}

		_ = worker.ParallelForEach(ctx, users, w.cfg.MaxConcurrentUsers, func(ctx context.Context, userID string) error {
			w.processUser(ctx, userID)
			return nil
		})
	}
}

// isolationGroup is one canonical-isolation partition of a user's pending
// history batch, in FIFO order.
type isolationGroup struct {
	isolations model.Isolations
	messages   []model.HistoryMessage
}

func (w *Worker) processUser(ctx context.Context, userID string) {
	log := w.log.With().Str("user_id", userID).Logger()

	rows, err := w.store.GetHistoryMessagesByIngestionStatus(ctx, userID, w.cfg.HistoryBatchSize, false)
	if err != nil {
		log.Error().Err(err).Msg("failed to load uningested history, will retry next tick")
		return
	}
	if len(rows) == 0 {
		return
	}

	batchID := uuid.NewString()
	log.Info().Str("batch_id", batchID).Int("messages", len(rows)).Msg("ingesting history batch")

	groups := groupByIsolation(rows)

	_ = worker.ParallelForEach(ctx, groups, w.cfg.MaxConcurrentGroups, func(ctx context.Context, g isolationGroup) error {
		w.processGroup(ctx, userID, batchID, g)
		return nil
	})
}

func groupByIsolation(rows []model.HistoryMessage) []isolationGroup {
	index := make(map[string]int)
	var groups []isolationGroup
	for _, row := range rows {
		key := row.Isolations.Canonical()
		i, ok := index[key]
		if !ok {
			index[key] = len(groups)
			groups = append(groups, isolationGroup{isolations: row.Isolations})
			i = len(groups) - 1
		}
		groups[i].messages = append(groups[i].messages, row)
	}
	return groups
}

// processGroup applies every message of one isolation group sequentially,
// preserving order. A storage or LLM failure on one message halts the
// remainder of the group for this tick (the unapplied messages stay
// uningested and are retried on a future tick, preserving per-isolation
// order); a parse failure discards only that message and continues.
func (w *Worker) processGroup(ctx context.Context, userID, batchID string, g isolationGroup) {
	for i, msg := range g.messages {
		consolidateAfter := i == len(g.messages)-1
		if !w.updateFromMessage(ctx, userID, batchID, msg, g.isolations, consolidateAfter) {
			return
		}
	}
}

// updateFromMessage runs one iteration of §4.5's update_from_message.
// Returns false if the caller should stop processing the remainder of this
// isolation group this tick.
func (w *Worker) updateFromMessage(ctx context.Context, userID, batchID string, msg model.HistoryMessage, isolations model.Isolations, consolidateAfter bool) bool {
	log := w.log.With().Str("user_id", userID).Str("batch_id", batchID).Int64("message_id", msg.ID).Logger()

	profile, err := w.fetchProfile(ctx, userID, isolations)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch profile, message will be retried")
		return false
	}

	bundle, err := profileprompt.Select(w.cfg.PromptModule)
	if err != nil {
		log.Error().Err(err).Msg("failed to select prompt module")
		return false
	}

	userPrompt, err := renderUpdatePrompt(profile, msg.Content)
	if err != nil {
		log.Error().Err(err).Msg("failed to render update prompt")
		return false
	}

	responseText, _, err := llm.WithRetry(w.cfg.MaxLLMAttempts, func() (string, []llm.ToolCall, error) {
		return w.model.GenerateResponse(ctx, bundle.Update, userPrompt, nil, "", 1)
	})
	if err != nil {
		log.Error().Err(err).Msg("language model call failed, message will be retried")
		return false
	}

	result, err := parse.ParseUpdate(responseText)
	if err != nil {
		// ParseError: logged, update discarded, no retry, to avoid a
		// poison message from blocking the isolation group forever.
		log.Warn().Err(err).Msg("update response unparseable, discarding this message")
		w.markIngested(ctx, msg.ID)
		return true
	}

	w.applyCommands(ctx, userID, isolations, msg.ID, result.Commands)
	w.markIngested(ctx, msg.ID)

	if consolidateAfter && w.consolidator != nil {
		if err := w.consolidator.Run(ctx, userID, isolations); err != nil {
			log.Error().Err(err).Msg("consolidation failed, swallowed")
		}
	}
	return true
}

func (w *Worker) fetchProfile(ctx context.Context, userID string, isolations model.Isolations) (map[string]map[string][]model.ProfileEntry, error) {
	key := cacheKey(userID, isolations)
	if w.cache != nil {
		if cached, ok := w.cache.Get(key); ok {
			if profile, ok := cached.(map[string]map[string][]model.ProfileEntry); ok {
				return profile, nil
			}
		}
	}
	profile, err := w.store.GetProfile(ctx, userID, isolations)
	if err != nil {
		return nil, err
	}
	if w.cache != nil {
		w.cache.Put(key, profile)
	}
	return profile, nil
}

func (w *Worker) applyCommands(ctx context.Context, userID string, isolations model.Isolations, historyID int64, commands []model.Command) {
	if len(commands) == 0 {
		return
	}
	log := w.log.With().Str("user_id", userID).Int64("message_id", historyID).Logger()

	for _, cmd := range commands {
		switch cmd.Kind {
		case model.CommandAdd:
			if err := w.applyAdd(ctx, userID, isolations, historyID, cmd); err != nil {
				log.Warn().Err(err).Str("feature", cmd.Feature).Str("tag", cmd.Tag).Msg("failed to apply add command, skipped")
			}
		case model.CommandDelete:
			var value *string
			if cmd.HasValue {
				value = &cmd.Value
			}
			if err := w.store.DeleteProfileFeature(ctx, userID, cmd.Feature, cmd.Tag, value, isolations); err != nil {
				log.Warn().Err(err).Str("feature", cmd.Feature).Str("tag", cmd.Tag).Msg("failed to apply delete command, skipped")
			}
		}
	}
	if w.cache != nil {
		w.cache.Erase(cacheKey(userID, isolations))
	}
}

func (w *Worker) applyAdd(ctx context.Context, userID string, isolations model.Isolations, historyID int64, cmd model.Command) error {
	vectors, err := embedder.WithRetry(w.cfg.MaxEmbedAttempts, func() ([][]float32, error) {
		return w.embed.IngestEmbed(ctx, []string{cmd.Value}, 1)
	})
	if err != nil {
		return fmt.Errorf("embed add command value: %w", err)
	}
	if len(vectors) == 0 {
		return profileerrors.New(profileerrors.ExternalServiceError, "embedder returned no vectors")
	}

	var metadata map[string]any
	if cmd.Date != "" || cmd.Author != "" {
		metadata = map[string]any{}
		if cmd.Date != "" {
			metadata["date"] = cmd.Date
		}
		if cmd.Author != "" {
			metadata["author"] = cmd.Author
		}
	}

	_, err = w.store.AddProfileFeature(ctx, userID, cmd.Feature, cmd.Value, cmd.Tag, vectors[0], metadata, isolations, []int64{historyID})
	return err
}

func (w *Worker) markIngested(ctx context.Context, id int64) {
	if err := w.store.MarkMessagesIngested(ctx, []int64{id}); err != nil {
		w.log.Error().Err(err).Int64("message_id", id).Msg("failed to mark message ingested")
	}
}

func cacheKey(userID string, isolations model.Isolations) string {
	return userID + "\x00" + isolations.Canonical()
}

// updatePromptPayload is the JSON shape rendered into the update prompt
// alongside the opaque template, carrying the current profile and the new
// message content.
type updatePromptPayload struct {
	Profile map[string]map[string][]promptEntry `json:"profile"`
	Message string                              `json:"message"`
}

type promptEntry struct {
	Value string `json:"value"`
}

func renderUpdatePrompt(profile map[string]map[string][]model.ProfileEntry, message string) (string, error) {
	payload := updatePromptPayload{
		Profile: make(map[string]map[string][]promptEntry, len(profile)),
		Message: message,
	}
	for tag, features := range profile {
		payload.Profile[tag] = make(map[string][]promptEntry, len(features))
		for feature, entries := range features {
			list := make([]promptEntry, len(entries))
			for i, e := range entries {
				list[i] = promptEntry{Value: e.Value}
			}
			payload.Profile[tag][feature] = list
		}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("render update prompt: %w", err)
	}
	return string(buf), nil
}
