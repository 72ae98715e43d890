// Package memstore is an in-memory implementation of profilestore.Store,
// used in tests and as the default lightweight backend, following the
// teacher's map+mutex in-memory store idiom.
package memstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profilestore"
)

// Store is a thread-safe, process-local implementation of
// profilestore.Store backed by plain Go maps.
type Store struct {
	mu sync.RWMutex

	nextFeatureID int64
	nextHistoryID int64

	features map[int64]model.ProfileEntry
	history  map[int64]model.HistoryMessage
	// citations[featureID] = ordered history ids
	citations map[int64][]int64
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		features:  make(map[int64]model.ProfileEntry),
		history:   make(map[int64]model.HistoryMessage),
		citations: make(map[int64][]int64),
	}
}

var _ profilestore.Store = (*Store)(nil)

func (s *Store) Startup(_ context.Context) error { return nil }
func (s *Store) Cleanup(_ context.Context) error { return nil }

func (s *Store) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = make(map[int64]model.ProfileEntry)
	s.history = make(map[int64]model.HistoryMessage)
	s.citations = make(map[int64][]int64)
	s.nextFeatureID = 0
	s.nextHistoryID = 0
	return nil
}

func (s *Store) AddProfileFeature(_ context.Context, userID, feature, value, tag string, embedding []float32, metadata map[string]any, isolations model.Isolations, citations []int64) (model.ProfileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	isoKey := isolations.Canonical()
	for _, e := range s.features {
		if e.IsDeleted() {
			continue
		}
		if e.UserID == userID && e.Feature == feature && e.Tag == tag && e.Value == value && e.Isolations.Canonical() == isoKey {
			return e, nil
		}
	}

	now := time.Now().UTC()
	s.nextFeatureID++
	entry := model.ProfileEntry{
		ID:         s.nextFeatureID,
		UserID:     userID,
		Feature:    feature,
		Tag:        tag,
		Value:      value,
		Embedding:  append([]float32(nil), embedding...),
		Metadata:   metadata,
		Isolations: isolations,
		Citations:  append([]int64(nil), citations...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.features[entry.ID] = entry
	s.citations[entry.ID] = append([]int64(nil), citations...)
	return entry, nil
}

func (s *Store) GetProfile(_ context.Context, userID string, isolations model.Isolations) (map[string]map[string][]model.ProfileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string][]model.ProfileEntry)
	for _, e := range s.orderedFeatures() {
		if e.IsDeleted() || e.UserID != userID {
			continue
		}
		if !e.Isolations.Matches(isolations) {
			continue
		}
		if out[e.Tag] == nil {
			out[e.Tag] = make(map[string][]model.ProfileEntry)
		}
		out[e.Tag][e.Feature] = append(out[e.Tag][e.Feature], e)
	}
	return out, nil
}

func (s *Store) DeleteProfile(_ context.Context, userID string, isolations model.Isolations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for id, e := range s.features {
		if e.IsDeleted() || e.UserID != userID {
			continue
		}
		if !e.Isolations.Matches(isolations) {
			continue
		}
		e.DeletedAt = &now
		e.UpdatedAt = now
		s.features[id] = e
	}
	return nil
}

func (s *Store) DeleteProfileFeature(_ context.Context, userID, feature, tag string, value *string, isolations model.Isolations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for id, e := range s.features {
		if e.IsDeleted() || e.UserID != userID || e.Feature != feature || e.Tag != tag {
			continue
		}
		if !e.Isolations.Matches(isolations) {
			continue
		}
		if value != nil && e.Value != *value {
			continue
		}
		e.DeletedAt = &now
		e.UpdatedAt = now
		s.features[id] = e
	}
	return nil
}

func (s *Store) DeleteProfileFeatureByID(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.features[id]
	if !ok || e.IsDeleted() {
		return nil
	}
	now := time.Now().UTC()
	e.DeletedAt = &now
	e.UpdatedAt = now
	s.features[id] = e
	return nil
}

func (s *Store) SemanticSearch(_ context.Context, userID string, queryVec []float32, k int, minCos float64, isolations model.Isolations) ([]model.ProfileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		entry model.ProfileEntry
		score float64
	}
	var candidates []scored
	for _, e := range s.orderedFeatures() {
		if e.IsDeleted() || e.UserID != userID {
			continue
		}
		if !e.Isolations.Matches(isolations) {
			continue
		}
		score := cosineSimilarity(queryVec, e.Embedding)
		if score < minCos {
			continue
		}
		e.SimilarityScore = score
		candidates = append(candidates, scored{entry: e, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]model.ProfileEntry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out, nil
}

func (s *Store) GetLargeProfileSections(_ context.Context, userID string, threshold int, isolations model.Isolations) ([]profilestore.ProfileGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct{ feature, tag string }
	groups := make(map[key][]model.ProfileEntry)
	var order []key
	for _, e := range s.orderedFeatures() {
		if e.IsDeleted() || e.UserID != userID {
			continue
		}
		if !e.Isolations.Matches(isolations) {
			continue
		}
		k := key{e.Feature, e.Tag}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var out []profilestore.ProfileGroup
	for _, k := range order {
		entries := groups[k]
		if len(entries) >= threshold {
			out = append(out, profilestore.ProfileGroup{Feature: k.feature, Tag: k.tag, Entries: entries})
		}
	}
	return out, nil
}

func (s *Store) GetAllCitationsForIDs(_ context.Context, ids []int64) ([]model.Citation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]bool)
	var out []model.Citation
	for _, featureID := range ids {
		for _, historyID := range s.citations[featureID] {
			if seen[historyID] {
				continue
			}
			seen[historyID] = true
			h, ok := s.history[historyID]
			if !ok {
				continue
			}
			out = append(out, model.Citation{HistoryID: historyID, Isolations: h.Isolations})
		}
	}
	return out, nil
}

func (s *Store) AddHistory(_ context.Context, userID, content string, metadata map[string]any, isolations model.Isolations) (model.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHistoryID++
	msg := model.HistoryMessage{
		ID:         s.nextHistoryID,
		UserID:     userID,
		Content:    content,
		Metadata:   metadata,
		Isolations: isolations,
		CreatedAt:  time.Now().UTC(),
	}
	s.history[msg.ID] = msg
	return msg, nil
}

func (s *Store) DeleteHistory(_ context.Context, userID string, startTime, endTime int64, isolations model.Isolations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.history {
		if h.UserID != userID || !h.Isolations.Matches(isolations) {
			continue
		}
		ts := h.CreatedAt.Unix()
		if ts < startTime {
			continue
		}
		if endTime != 0 && ts >= endTime {
			continue
		}
		delete(s.history, id)
	}
	return nil
}

func (s *Store) PurgeHistory(_ context.Context, userID string, startTime int64, isolations model.Isolations) error {
	return s.DeleteHistory(context.Background(), userID, startTime, 0, isolations)
}

func (s *Store) GetHistoryMessagesByIngestionStatus(_ context.Context, userID string, k int, isIngested bool) ([]model.HistoryMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HistoryMessage
	for _, h := range s.orderedHistory() {
		if h.UserID != userID || h.IsIngested != isIngested {
			continue
		}
		out = append(out, h)
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out, nil
}

func (s *Store) GetHistoryMessage(_ context.Context, userID string, startTime, endTime int64, isolations model.Isolations) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, h := range s.orderedHistory() {
		if h.UserID != userID || !h.Isolations.Matches(isolations) {
			continue
		}
		ts := h.CreatedAt.Unix()
		if ts < startTime {
			continue
		}
		if endTime != 0 && ts >= endTime {
			continue
		}
		out = append(out, h.Content)
	}
	return out, nil
}

func (s *Store) GetUningestedHistoryMessagesCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, h := range s.history {
		if !h.IsIngested {
			count++
		}
	}
	return count, nil
}

func (s *Store) MarkMessagesIngested(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		h, ok := s.history[id]
		if !ok {
			continue
		}
		h.IsIngested = true
		s.history[id] = h
	}
	return nil
}

func (s *Store) orderedFeatures() []model.ProfileEntry {
	ids := make([]int64, 0, len(s.features))
	for id := range s.features {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]model.ProfileEntry, len(ids))
	for i, id := range ids {
		out[i] = s.features[id]
	}
	return out
}

func (s *Store) orderedHistory() []model.HistoryMessage {
	ids := make([]int64, 0, len(s.history))
	for id := range s.history {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.history[ids[i]], s.history[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	out := make([]model.HistoryMessage, len(ids))
	for i, id := range ids {
		out[i] = s.history[id]
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
