// Package mongostore is the MongoDB implementation of profilestore.Store,
// grounded on the teacher's MongoStore (core/memory/store/mongodb_store.go):
// a counter collection for sequential ids, bson documents, in-process
// cosine scoring over a full collection scan (no vector index assumed).
package mongostore

import (
	"context"
	"math"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profileerrors"
	"github.com/memlattice/profilememory/pkg/profilestore"
)

const closeTimeout = 5 * time.Second

// Store implements profilestore.Store over a MongoDB database.
type Store struct {
	uri, database string

	client    *mongo.Client
	features  *mongo.Collection
	history   *mongo.Collection
	citations *mongo.Collection
	counters  *mongo.Collection
}

// New returns a Store that connects lazily on Startup.
func New(uri, database string) *Store {
	return &Store{uri: uri, database: database}
}

var _ profilestore.Store = (*Store)(nil)

func (s *Store) Startup(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	if s.uri == "" || s.database == "" {
		return profileerrors.New(profileerrors.InvalidInput, "mongostore: uri and database are required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
	if err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "mongostore: connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "mongostore: ping", err)
	}
	db := client.Database(s.database)
	s.client = client
	s.features = db.Collection("profile_feature")
	s.history = db.Collection("history_message")
	s.citations = db.Collection("profile_citation")
	s.counters = db.Collection("counters")

	_, err = s.features.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "feature", Value: 1}, {Key: "tag", Value: 1}}},
	})
	if err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "mongostore: create indexes", err)
	}
	_, err = s.history.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "is_ingested", Value: 1}}},
	})
	return wrapErr("create history indexes", err)
}

func (s *Store) Cleanup(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	err := s.client.Disconnect(cctx)
	s.client = nil
	return wrapErr("cleanup", err)
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.features.DeleteMany(ctx, bson.M{}); err != nil {
		return wrapErr("delete all features", err)
	}
	if _, err := s.history.DeleteMany(ctx, bson.M{}); err != nil {
		return wrapErr("delete all history", err)
	}
	_, err := s.citations.DeleteMany(ctx, bson.M{})
	return wrapErr("delete all citations", err)
}

type featureDoc struct {
	ID         int64          `bson:"_id"`
	UserID     string         `bson:"user_id"`
	Feature    string         `bson:"feature"`
	Tag        string         `bson:"tag"`
	Value      string         `bson:"value"`
	Embedding  []float64      `bson:"embedding"`
	Metadata   map[string]any `bson:"metadata"`
	Isolations map[string]any `bson:"isolations"`
	CreatedAt  time.Time      `bson:"created_at"`
	UpdatedAt  time.Time      `bson:"updated_at"`
	DeletedAt  *time.Time     `bson:"deleted_at,omitempty"`
}

func (d featureDoc) toEntry() model.ProfileEntry {
	return model.ProfileEntry{
		ID: d.ID, UserID: d.UserID, Feature: d.Feature, Tag: d.Tag, Value: d.Value,
		Embedding: float32Vec(d.Embedding), Metadata: d.Metadata, Isolations: model.Isolations(d.Isolations),
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt, DeletedAt: d.DeletedAt,
	}
}

type historyDoc struct {
	ID         int64          `bson:"_id"`
	UserID     string         `bson:"user_id"`
	Content    string         `bson:"content"`
	Metadata   map[string]any `bson:"metadata"`
	Isolations map[string]any `bson:"isolations"`
	CreatedAt  time.Time      `bson:"created_at"`
	IsIngested bool           `bson:"is_ingested"`
}

func (d historyDoc) toMessage() model.HistoryMessage {
	return model.HistoryMessage{
		ID: d.ID, UserID: d.UserID, Content: d.Content, Metadata: d.Metadata,
		Isolations: model.Isolations(d.Isolations), CreatedAt: d.CreatedAt, IsIngested: d.IsIngested,
	}
}

type citationDoc struct {
	FeatureID int64 `bson:"feature_id"`
	HistoryID int64 `bson:"history_id"`
}

func (s *Store) nextID(ctx context.Context, counter string) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	res := s.counters.FindOneAndUpdate(ctx, bson.M{"_id": counter}, bson.M{"$inc": bson.M{"seq": 1}}, opts)
	if res.Err() != nil {
		return 0, res.Err()
	}
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *Store) AddProfileFeature(ctx context.Context, userID, feature, value, tag string, embedding []float32, metadata map[string]any, isolations model.Isolations, citations []int64) (model.ProfileEntry, error) {
	isoKey := isolations.Canonical()
	cur, err := s.features.Find(ctx, bson.M{
		"user_id": userID, "feature": feature, "tag": tag, "value": value, "deleted_at": nil,
	})
	if err != nil {
		return model.ProfileEntry{}, wrapErr("lookup existing feature", err)
	}
	var existing []featureDoc
	if err := cur.All(ctx, &existing); err != nil {
		return model.ProfileEntry{}, wrapErr("decode existing feature", err)
	}
	for _, d := range existing {
		if model.Isolations(d.Isolations).Canonical() == isoKey {
			return d.toEntry(), nil
		}
	}

	id, err := s.nextID(ctx, "profile_feature")
	if err != nil {
		return model.ProfileEntry{}, wrapErr("allocate feature id", err)
	}
	now := time.Now().UTC()
	doc := featureDoc{
		ID: id, UserID: userID, Feature: feature, Tag: tag, Value: value,
		Embedding: float64Vec(embedding), Metadata: metadata, Isolations: map[string]any(isolations),
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := s.features.InsertOne(ctx, doc); err != nil {
		return model.ProfileEntry{}, wrapErr("insert feature", err)
	}
	for _, hid := range citations {
		if _, err := s.citations.InsertOne(ctx, citationDoc{FeatureID: id, HistoryID: hid}); err != nil {
			return model.ProfileEntry{}, wrapErr("insert citation", err)
		}
	}
	return doc.toEntry(), nil
}

func (s *Store) GetProfile(ctx context.Context, userID string, isolations model.Isolations) (map[string]map[string][]model.ProfileEntry, error) {
	cur, err := s.features.Find(ctx, bson.M{"user_id": userID, "deleted_at": nil}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrapErr("get profile", err)
	}
	defer cur.Close(ctx)
	out := make(map[string]map[string][]model.ProfileEntry)
	for cur.Next(ctx) {
		var d featureDoc
		if err := cur.Decode(&d); err != nil {
			return nil, wrapErr("decode feature", err)
		}
		e := d.toEntry()
		if !e.Isolations.Matches(isolations) {
			continue
		}
		if out[e.Tag] == nil {
			out[e.Tag] = make(map[string][]model.ProfileEntry)
		}
		out[e.Tag][e.Feature] = append(out[e.Tag][e.Feature], e)
	}
	return out, wrapErr("get profile cursor", cur.Err())
}

func (s *Store) DeleteProfile(ctx context.Context, userID string, isolations model.Isolations) error {
	return s.softDelete(ctx, bson.M{"user_id": userID, "deleted_at": nil}, isolations)
}

func (s *Store) DeleteProfileFeature(ctx context.Context, userID, feature, tag string, value *string, isolations model.Isolations) error {
	filter := bson.M{"user_id": userID, "feature": feature, "tag": tag, "deleted_at": nil}
	if value != nil {
		filter["value"] = *value
	}
	return s.softDelete(ctx, filter, isolations)
}

func (s *Store) softDelete(ctx context.Context, filter bson.M, isolations model.Isolations) error {
	cur, err := s.features.Find(ctx, filter)
	if err != nil {
		return wrapErr("select for delete", err)
	}
	var ids []int64
	for cur.Next(ctx) {
		var d featureDoc
		if err := cur.Decode(&d); err != nil {
			cur.Close(ctx)
			return wrapErr("decode for delete", err)
		}
		if model.Isolations(d.Isolations).Matches(isolations) {
			ids = append(ids, d.ID)
		}
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return wrapErr("delete cursor", err)
	}
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err = s.features.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$set": bson.M{"deleted_at": now, "updated_at": now}})
	return wrapErr("soft delete", err)
}

func (s *Store) DeleteProfileFeatureByID(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.features.UpdateOne(ctx, bson.M{"_id": id, "deleted_at": nil}, bson.M{"$set": bson.M{"deleted_at": now, "updated_at": now}})
	return wrapErr("delete by id", err)
}

func (s *Store) SemanticSearch(ctx context.Context, userID string, queryVec []float32, k int, minCos float64, isolations model.Isolations) ([]model.ProfileEntry, error) {
	cur, err := s.features.Find(ctx, bson.M{"user_id": userID, "deleted_at": nil})
	if err != nil {
		return nil, wrapErr("semantic search", err)
	}
	defer cur.Close(ctx)

	type scored struct {
		entry model.ProfileEntry
		score float64
	}
	var candidates []scored
	for cur.Next(ctx) {
		var d featureDoc
		if err := cur.Decode(&d); err != nil {
			return nil, wrapErr("decode search row", err)
		}
		e := d.toEntry()
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
	if err := cur.Err(); err != nil {
		return nil, wrapErr("search cursor", err)
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
	cur, err := s.citations.Find(ctx, bson.M{"feature_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, wrapErr("get citations", err)
	}
	defer cur.Close(ctx)
	seen := make(map[int64]bool)
	var out []model.Citation
	for cur.Next(ctx) {
		var c citationDoc
		if err := cur.Decode(&c); err != nil {
			return nil, wrapErr("decode citation", err)
		}
		if seen[c.HistoryID] {
			continue
		}
		seen[c.HistoryID] = true
		var h historyDoc
		if err := s.history.FindOne(ctx, bson.M{"_id": c.HistoryID}).Decode(&h); err != nil {
			continue
		}
		out = append(out, model.Citation{HistoryID: c.HistoryID, Isolations: model.Isolations(h.Isolations)})
	}
	return out, wrapErr("citation cursor", cur.Err())
}

func (s *Store) AddHistory(ctx context.Context, userID, content string, metadata map[string]any, isolations model.Isolations) (model.HistoryMessage, error) {
	id, err := s.nextID(ctx, "history_message")
	if err != nil {
		return model.HistoryMessage{}, wrapErr("allocate history id", err)
	}
	doc := historyDoc{ID: id, UserID: userID, Content: content, Metadata: metadata, Isolations: map[string]any(isolations), CreatedAt: time.Now().UTC()}
	if _, err := s.history.InsertOne(ctx, doc); err != nil {
		return model.HistoryMessage{}, wrapErr("insert history", err)
	}
	return doc.toMessage(), nil
}

func (s *Store) DeleteHistory(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) error {
	return s.deleteHistory(ctx, userID, startTime, endTime, isolations)
}

func (s *Store) PurgeHistory(ctx context.Context, userID string, startTime int64, isolations model.Isolations) error {
	return s.deleteHistory(ctx, userID, startTime, 0, isolations)
}

func (s *Store) deleteHistory(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) error {
	cur, err := s.history.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return wrapErr("select history for delete", err)
	}
	var ids []int64
	for cur.Next(ctx) {
		var d historyDoc
		if err := cur.Decode(&d); err != nil {
			cur.Close(ctx)
			return wrapErr("decode history for delete", err)
		}
		if !model.Isolations(d.Isolations).Matches(isolations) {
			continue
		}
		ts := d.CreatedAt.Unix()
		if ts < startTime {
			continue
		}
		if endTime != 0 && ts >= endTime {
			continue
		}
		ids = append(ids, d.ID)
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return wrapErr("history delete cursor", err)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.history.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return wrapErr("delete history", err)
}

func (s *Store) GetHistoryMessagesByIngestionStatus(ctx context.Context, userID string, k int, isIngested bool) ([]model.HistoryMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if k > 0 {
		opts.SetLimit(int64(k))
	}
	cur, err := s.history.Find(ctx, bson.M{"user_id": userID, "is_ingested": isIngested}, opts)
	if err != nil {
		return nil, wrapErr("get history by ingestion status", err)
	}
	defer cur.Close(ctx)
	var out []model.HistoryMessage
	for cur.Next(ctx) {
		var d historyDoc
		if err := cur.Decode(&d); err != nil {
			return nil, wrapErr("decode history", err)
		}
		out = append(out, d.toMessage())
	}
	return out, wrapErr("history cursor", cur.Err())
}

func (s *Store) GetHistoryMessage(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) ([]string, error) {
	cur, err := s.history.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrapErr("get history message", err)
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var d historyDoc
		if err := cur.Decode(&d); err != nil {
			return nil, wrapErr("decode history message", err)
		}
		if !model.Isolations(d.Isolations).Matches(isolations) {
			continue
		}
		ts := d.CreatedAt.Unix()
		if ts < startTime || (endTime != 0 && ts >= endTime) {
			continue
		}
		out = append(out, d.Content)
	}
	return out, wrapErr("history message cursor", cur.Err())
}

func (s *Store) GetUningestedHistoryMessagesCount(ctx context.Context) (int, error) {
	count, err := s.history.CountDocuments(ctx, bson.M{"is_ingested": false})
	return int(count), wrapErr("count uningested", err)
}

func (s *Store) MarkMessagesIngested(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.history.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$set": bson.M{"is_ingested": true}})
	return wrapErr("mark ingested", err)
}

func float64Vec(v []float32) []float64 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func float32Vec(v []float64) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
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

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return profileerrors.Wrap(profileerrors.ExternalServiceError, "mongostore: "+op, err)
}
