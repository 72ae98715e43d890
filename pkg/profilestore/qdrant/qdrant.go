// Package qdrantstore is a Qdrant-backed implementation of
// profilestore.Store, grounded on manifold's qdrantVector
// (internal/persistence/databases/qdrant_vector.go): a gRPC qdrant.Client,
// collections created on demand with a configured distance metric, points
// addressed by deterministic numeric ids with the structured row encoded
// as JSON in the payload (Qdrant itself indexes only the embedding).
package qdrantstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profileerrors"
	"github.com/memlattice/profilememory/pkg/profilestore"
)

func nowUTC() time.Time { return time.Now().UTC() }

func u32ptr(v uint32) *uint32 { return &v }

const payloadRow = "row"

// Store implements profilestore.Store over two Qdrant collections: one
// holding profile-feature points (vector = the fact's embedding), one
// holding history-message points (vector = a zero vector, present only so
// the collection's schema is uniform).
type Store struct {
	host       string
	port       int
	dimensions int

	client *qdrant.Client

	nextFeatureID int64
	nextHistoryID int64
}

// New returns a Store that connects lazily on Startup. dimensions must
// match the configured embedder's output size.
func New(host string, port, dimensions int) *Store {
	return &Store{host: host, port: port, dimensions: dimensions}
}

var _ profilestore.Store = (*Store)(nil)

const (
	featureCollection = "profile_features"
	historyCollection = "history_messages"
)

func (s *Store) Startup(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: s.host, Port: s.port})
	if err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "qdrantstore: connect", err)
	}
	s.client = client
	if err := s.ensureCollection(ctx, featureCollection, uint64(s.dimensions)); err != nil {
		return err
	}
	if err := s.ensureCollection(ctx, historyCollection, 1); err != nil {
		return err
	}
	return nil
}

func (s *Store) ensureCollection(ctx context.Context, name string, size uint64) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "qdrantstore: check collection", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig:  qdrant.NewVectorsConfig(&qdrant.VectorParams{Size: size, Distance: qdrant.Distance_Cosine}),
	})
	if err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "qdrantstore: create collection "+name, err)
	}
	return nil
}

func (s *Store) Cleanup(_ context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return wrapErr("cleanup", err)
}

func (s *Store) DeleteAll(ctx context.Context) error {
	for _, name := range []string{featureCollection, historyCollection} {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{}),
		})
		if err != nil {
			return wrapErr("delete all "+name, err)
		}
	}
	atomic.StoreInt64(&s.nextFeatureID, 0)
	atomic.StoreInt64(&s.nextHistoryID, 0)
	return nil
}

func (s *Store) AddProfileFeature(ctx context.Context, userID, feature, value, tag string, embedding []float32, metadata map[string]any, isolations model.Isolations, citations []int64) (model.ProfileEntry, error) {
	existing, err := s.scanFeatures(ctx, userID)
	if err != nil {
		return model.ProfileEntry{}, err
	}
	isoKey := isolations.Canonical()
	for _, e := range existing {
		if e.IsDeleted() {
			continue
		}
		if e.Feature == feature && e.Tag == tag && e.Value == value && e.Isolations.Canonical() == isoKey {
			return e, nil
		}
	}

	now := nowUTC()
	id := atomic.AddInt64(&s.nextFeatureID, 1)
	entry := model.ProfileEntry{
		ID: id, UserID: userID, Feature: feature, Tag: tag, Value: value,
		Embedding: embedding, Metadata: metadata, Isolations: isolations,
		Citations: citations, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.upsertFeature(ctx, entry); err != nil {
		return model.ProfileEntry{}, err
	}
	for _, hid := range citations {
		if err := s.appendCitedBy(ctx, hid, id); err != nil {
			return model.ProfileEntry{}, err
		}
	}
	return entry, nil
}

// appendCitedBy records that featureID cites the history row historyID, so
// GetAllCitationsForIDs can resolve the reverse mapping.
func (s *Store) appendCitedBy(ctx context.Context, historyID, featureID int64) error {
	resp, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: historyCollection,
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(uint64(historyID))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return wrapErr("get history for citation", err)
	}
	if len(resp) == 0 {
		return nil
	}
	h, err := decodeHistory(resp[0])
	if err != nil {
		return nil
	}
	for _, existing := range h.citedBy {
		if existing == featureID {
			return nil
		}
	}
	h.citedBy = append(h.citedBy, featureID)
	return s.upsertHistory(ctx, h.HistoryMessage, h.citedBy)
}

func (s *Store) upsertFeature(ctx context.Context, e model.ProfileEntry) error {
	row, err := json.Marshal(e)
	if err != nil {
		return profileerrors.Wrap(profileerrors.InvalidInput, "qdrantstore: marshal feature", err)
	}
	vec := e.Embedding
	if len(vec) == 0 {
		vec = make([]float32, s.dimensions)
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: featureCollection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDNum(uint64(e.ID)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(map[string]any{payloadRow: string(row)}),
		}},
	})
	return wrapErr("upsert feature", err)
}

func (s *Store) scanFeatures(ctx context.Context, userID string) ([]model.ProfileEntry, error) {
	var out []model.ProfileEntry
	var offset *qdrant.PointId
	for {
		resp, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: featureCollection,
			WithPayload:    qdrant.NewWithPayload(true),
			Offset:         offset,
			Limit:          u32ptr(256),
		})
		if err != nil {
			return nil, wrapErr("scroll features", err)
		}
		if len(resp) == 0 {
			break
		}
		for _, p := range resp {
			e, err := decodeFeature(p)
			if err != nil {
				continue
			}
			if e.UserID == userID {
				out = append(out, e)
			}
		}
		if len(resp) < 256 {
			break
		}
		offset = resp[len(resp)-1].Id
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func decodeFeature(p *qdrant.RetrievedPoint) (model.ProfileEntry, error) {
	var e model.ProfileEntry
	v, ok := p.Payload[payloadRow]
	if !ok {
		return e, fmt.Errorf("qdrantstore: missing payload")
	}
	if err := json.Unmarshal([]byte(v.GetStringValue()), &e); err != nil {
		return e, err
	}
	return e, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string, isolations model.Isolations) (map[string]map[string][]model.ProfileEntry, error) {
	entries, err := s.scanFeatures(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string][]model.ProfileEntry)
	for _, e := range entries {
		if e.IsDeleted() || !e.Isolations.Matches(isolations) {
			continue
		}
		if out[e.Tag] == nil {
			out[e.Tag] = make(map[string][]model.ProfileEntry)
		}
		out[e.Tag][e.Feature] = append(out[e.Tag][e.Feature], e)
	}
	return out, nil
}

func (s *Store) DeleteProfile(ctx context.Context, userID string, isolations model.Isolations) error {
	return s.softDeleteWhere(ctx, userID, "", "", nil, isolations)
}

func (s *Store) DeleteProfileFeature(ctx context.Context, userID, feature, tag string, value *string, isolations model.Isolations) error {
	return s.softDeleteWhere(ctx, userID, feature, tag, value, isolations)
}

func (s *Store) softDeleteWhere(ctx context.Context, userID, feature, tag string, value *string, isolations model.Isolations) error {
	entries, err := s.scanFeatures(ctx, userID)
	if err != nil {
		return err
	}
	now := nowUTC()
	for _, e := range entries {
		if e.IsDeleted() {
			continue
		}
		if feature != "" && e.Feature != feature {
			continue
		}
		if tag != "" && e.Tag != tag {
			continue
		}
		if value != nil && e.Value != *value {
			continue
		}
		if !e.Isolations.Matches(isolations) {
			continue
		}
		e.DeletedAt = &now
		e.UpdatedAt = now
		if err := s.upsertFeature(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteProfileFeatureByID(ctx context.Context, id int64) error {
	resp, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: featureCollection,
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(uint64(id))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return wrapErr("get feature by id", err)
	}
	if len(resp) == 0 {
		return nil
	}
	e, err := decodeFeature(resp[0])
	if err != nil || e.IsDeleted() {
		return nil
	}
	now := nowUTC()
	e.DeletedAt = &now
	e.UpdatedAt = now
	return s.upsertFeature(ctx, e)
}

func (s *Store) SemanticSearch(ctx context.Context, userID string, queryVec []float32, k int, minCos float64, isolations model.Isolations) ([]model.ProfileEntry, error) {
	entries, err := s.scanFeatures(ctx, userID)
	if err != nil {
		return nil, err
	}
	type scored struct {
		entry model.ProfileEntry
		score float64
	}
	var candidates []scored
	for _, e := range entries {
		if e.IsDeleted() || !e.Isolations.Matches(isolations) {
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

func (s *Store) GetLargeProfileSections(ctx context.Context, userID string, threshold int, isolations model.Isolations) ([]profilestore.ProfileGroup, error) {
	profile, err := s.GetProfile(ctx, userID, isolations)
	if err != nil {
		return nil, err
	}
	var out []profilestore.ProfileGroup
	for tag, features := range profile {
		for feature, entries := range features {
			if len(entries) >= threshold {
				out = append(out, profilestore.ProfileGroup{Feature: feature, Tag: tag, Entries: entries})
			}
		}
	}
	return out, nil
}

func (s *Store) GetAllCitationsForIDs(ctx context.Context, ids []int64) ([]model.Citation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	seen := make(map[int64]bool)
	var out []model.Citation
	var offset *qdrant.PointId
	for {
		resp, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: historyCollection,
			WithPayload:    qdrant.NewWithPayload(true),
			Offset:         offset,
			Limit:          u32ptr(256),
		})
		if err != nil {
			return nil, wrapErr("scroll history for citations", err)
		}
		if len(resp) == 0 {
			break
		}
		for _, p := range resp {
			h, err := decodeHistory(p)
			if err != nil {
				continue
			}
			cited := false
			for _, fid := range h.citedBy {
				if want[fid] {
					cited = true
					break
				}
			}
			if cited && !seen[h.ID] {
				seen[h.ID] = true
				out = append(out, model.Citation{HistoryID: h.ID, Isolations: h.Isolations})
			}
		}
		if len(resp) < 256 {
			break
		}
		offset = resp[len(resp)-1].Id
	}
	return out, nil
}

type historyRow struct {
	model.HistoryMessage
	citedBy []int64
}

func decodeHistory(p *qdrant.RetrievedPoint) (historyRow, error) {
	var wire struct {
		model.HistoryMessage
		CitedBy []int64 `json:"cited_by"`
	}
	v, ok := p.Payload[payloadRow]
	if !ok {
		return historyRow{}, fmt.Errorf("qdrantstore: missing payload")
	}
	if err := json.Unmarshal([]byte(v.GetStringValue()), &wire); err != nil {
		return historyRow{}, err
	}
	return historyRow{HistoryMessage: wire.HistoryMessage, citedBy: wire.CitedBy}, nil
}

func (s *Store) upsertHistory(ctx context.Context, h model.HistoryMessage, citedBy []int64) error {
	wire := struct {
		model.HistoryMessage
		CitedBy []int64 `json:"cited_by"`
	}{HistoryMessage: h, CitedBy: citedBy}
	row, err := json.Marshal(wire)
	if err != nil {
		return profileerrors.Wrap(profileerrors.InvalidInput, "qdrantstore: marshal history", err)
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: historyCollection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDNum(uint64(h.ID)),
			Vectors: qdrant.NewVectorsDense([]float32{0}),
			Payload: qdrant.NewValueMap(map[string]any{payloadRow: string(row)}),
		}},
	})
	return wrapErr("upsert history", err)
}

func (s *Store) scanHistory(ctx context.Context, userID string) ([]historyRow, error) {
	var out []historyRow
	var offset *qdrant.PointId
	for {
		resp, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: historyCollection,
			WithPayload:    qdrant.NewWithPayload(true),
			Offset:         offset,
			Limit:          u32ptr(256),
		})
		if err != nil {
			return nil, wrapErr("scroll history", err)
		}
		if len(resp) == 0 {
			break
		}
		for _, p := range resp {
			h, err := decodeHistory(p)
			if err != nil {
				continue
			}
			if h.UserID == userID {
				out = append(out, h)
			}
		}
		if len(resp) < 256 {
			break
		}
		offset = resp[len(resp)-1].Id
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) AddHistory(ctx context.Context, userID, content string, metadata map[string]any, isolations model.Isolations) (model.HistoryMessage, error) {
	id := atomic.AddInt64(&s.nextHistoryID, 1)
	msg := model.HistoryMessage{ID: id, UserID: userID, Content: content, Metadata: metadata, Isolations: isolations, CreatedAt: nowUTC()}
	if err := s.upsertHistory(ctx, msg, nil); err != nil {
		return model.HistoryMessage{}, err
	}
	return msg, nil
}

func (s *Store) DeleteHistory(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) error {
	return s.deleteHistoryWhere(ctx, userID, startTime, endTime, isolations)
}

func (s *Store) PurgeHistory(ctx context.Context, userID string, startTime int64, isolations model.Isolations) error {
	return s.deleteHistoryWhere(ctx, userID, startTime, 0, isolations)
}

func (s *Store) deleteHistoryWhere(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) error {
	rows, err := s.scanHistory(ctx, userID)
	if err != nil {
		return err
	}
	var toDelete []*qdrant.PointId
	for _, h := range rows {
		if !h.Isolations.Matches(isolations) {
			continue
		}
		ts := h.CreatedAt.Unix()
		if ts < startTime {
			continue
		}
		if endTime != 0 && ts >= endTime {
			continue
		}
		toDelete = append(toDelete, qdrant.NewIDNum(uint64(h.ID)))
	}
	if len(toDelete) == 0 {
		return nil
	}
	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: historyCollection,
		Points:         qdrant.NewPointsSelector(toDelete...),
	})
	return wrapErr("delete history", err)
}

func (s *Store) GetHistoryMessagesByIngestionStatus(ctx context.Context, userID string, k int, isIngested bool) ([]model.HistoryMessage, error) {
	rows, err := s.scanHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []model.HistoryMessage
	for _, h := range rows {
		if h.IsIngested != isIngested {
			continue
		}
		out = append(out, h.HistoryMessage)
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out, nil
}

func (s *Store) GetHistoryMessage(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) ([]string, error) {
	rows, err := s.scanHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, h := range rows {
		if !h.Isolations.Matches(isolations) {
			continue
		}
		ts := h.CreatedAt.Unix()
		if ts < startTime || (endTime != 0 && ts >= endTime) {
			continue
		}
		out = append(out, h.Content)
	}
	return out, nil
}

func (s *Store) GetUningestedHistoryMessagesCount(ctx context.Context) (int, error) {
	var offset *qdrant.PointId
	count := 0
	for {
		resp, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: historyCollection,
			WithPayload:    qdrant.NewWithPayload(true),
			Offset:         offset,
			Limit:          u32ptr(256),
		})
		if err != nil {
			return 0, wrapErr("count uningested", err)
		}
		if len(resp) == 0 {
			break
		}
		for _, p := range resp {
			h, err := decodeHistory(p)
			if err == nil && !h.IsIngested {
				count++
			}
		}
		if len(resp) < 256 {
			break
		}
		offset = resp[len(resp)-1].Id
	}
	return count, nil
}

func (s *Store) MarkMessagesIngested(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		resp, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: historyCollection,
			Ids:            []*qdrant.PointId{qdrant.NewIDNum(uint64(id))},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return wrapErr("get history for ingest", err)
		}
		if len(resp) == 0 {
			continue
		}
		h, err := decodeHistory(resp[0])
		if err != nil {
			continue
		}
		h.IsIngested = true
		if err := s.upsertHistory(ctx, h.HistoryMessage, h.citedBy); err != nil {
			return err
		}
	}
	return nil
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

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return profileerrors.Wrap(profileerrors.ExternalServiceError, "qdrantstore: "+op, err)
}
