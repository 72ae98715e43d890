// Package pgstore is the Postgres + pgvector implementation of
// profilestore.Store, grounded on the teacher's PostgresStore
// (pkg/memory/store/postgres_store.go): a pgxpool.Pool, SQL issued
// directly (no ORM), and an embedded schema applied on Startup.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memlattice/profilememory/pkg/profile/model"
	"github.com/memlattice/profilememory/pkg/profileerrors"
	"github.com/memlattice/profilememory/pkg/profilestore"
)

// Store implements profilestore.Store over Postgres with the pgvector
// extension for embedding columns.
type Store struct {
	connString string
	db         *pgxpool.Pool
}

// New returns a Store that connects lazily on Startup.
func New(connString string) *Store {
	return &Store{connString: connString}
}

var _ profilestore.Store = (*Store)(nil)

func (s *Store) Startup(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	db, err := pgxpool.New(ctx, s.connString)
	if err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "pgstore: connect", err)
	}
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		db.Close()
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "pgstore: apply schema", err)
	}
	s.db = db
	return nil
}

func (s *Store) Cleanup(_ context.Context) error {
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `TRUNCATE profile_feature, history_message, profile_citation`)
	return wrapErr("delete all", err)
}

func (s *Store) AddProfileFeature(ctx context.Context, userID, feature, value, tag string, embedding []float32, metadata map[string]any, isolations model.Isolations, citations []int64) (model.ProfileEntry, error) {
	isoJSON := []byte(isolations.Canonical())
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return model.ProfileEntry{}, profileerrors.Wrap(profileerrors.InvalidInput, "pgstore: marshal metadata", err)
	}

	var existing model.ProfileEntry
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, feature, tag, value, metadata, isolations, created_at, updated_at
		FROM profile_feature
		WHERE user_id = $1 AND feature = $2 AND tag = $3 AND value = $4
		  AND isolations = $5::jsonb AND deleted_at IS NULL
		LIMIT 1`, userID, feature, tag, value, string(isoJSON))
	if scanErr := scanEntry(row, &existing); scanErr == nil {
		return existing, nil
	}

	now := time.Now().UTC()
	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO profile_feature (user_id, feature, tag, value, embedding, metadata, isolations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6::jsonb, $7::jsonb, $8, $8)
		RETURNING id`,
		userID, feature, tag, value, vectorLiteral(embedding), string(metaJSON), string(isoJSON), now).Scan(&id)
	if err != nil {
		return model.ProfileEntry{}, wrapErr("add profile feature", err)
	}
	if len(citations) > 0 {
		batch := &pgx.Batch{}
		for _, hid := range citations {
			batch.Queue(`INSERT INTO profile_citation (feature_id, history_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, hid)
		}
		if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
			return model.ProfileEntry{}, wrapErr("add citations", err)
		}
	}

	return model.ProfileEntry{
		ID: id, UserID: userID, Feature: feature, Tag: tag, Value: value,
		Embedding: embedding, Metadata: metadata, Isolations: isolations,
		Citations: citations, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string, isolations model.Isolations) (map[string]map[string][]model.ProfileEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, feature, tag, value, metadata, isolations, created_at, updated_at
		FROM profile_feature
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY id`, userID)
	if err != nil {
		return nil, wrapErr("get profile", err)
	}
	defer rows.Close()

	out := make(map[string]map[string][]model.ProfileEntry)
	for rows.Next() {
		var e model.ProfileEntry
		if err := scanEntryRows(rows, &e); err != nil {
			return nil, wrapErr("scan profile row", err)
		}
		if !e.Isolations.Matches(isolations) {
			continue
		}
		if out[e.Tag] == nil {
			out[e.Tag] = make(map[string][]model.ProfileEntry)
		}
		out[e.Tag][e.Feature] = append(out[e.Tag][e.Feature], e)
	}
	return out, wrapErr("get profile rows", rows.Err())
}

func (s *Store) DeleteProfile(ctx context.Context, userID string, isolations model.Isolations) error {
	return s.softDeleteWhere(ctx, userID, isolations, "", "", nil)
}

func (s *Store) DeleteProfileFeature(ctx context.Context, userID, feature, tag string, value *string, isolations model.Isolations) error {
	return s.softDeleteWhere(ctx, userID, isolations, feature, tag, value)
}

func (s *Store) softDeleteWhere(ctx context.Context, userID string, isolations model.Isolations, feature, tag string, value *string) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, isolations FROM profile_feature
		WHERE user_id = $1 AND deleted_at IS NULL
		  AND ($2 = '' OR feature = $2) AND ($3 = '' OR tag = $3)`, userID, feature, tag)
	if err != nil {
		return wrapErr("select for delete", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		var isoJSON string
		if err := rows.Scan(&id, &isoJSON); err != nil {
			rows.Close()
			return wrapErr("scan for delete", err)
		}
		var iso model.Isolations
		_ = json.Unmarshal([]byte(isoJSON), &iso)
		if !iso.Matches(isolations) {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapErr("delete rows", err)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.db.Exec(ctx, `UPDATE profile_feature SET deleted_at = $1, updated_at = $1 WHERE id = ANY($2)`, time.Now().UTC(), ids)
	return wrapErr("soft delete", err)
}

func (s *Store) DeleteProfileFeatureByID(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `UPDATE profile_feature SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`, now, id)
	return wrapErr("delete by id", err)
}

func (s *Store) SemanticSearch(ctx context.Context, userID string, queryVec []float32, k int, minCos float64, isolations model.Isolations) ([]model.ProfileEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, feature, tag, value, metadata, isolations, created_at, updated_at,
		       1 - (embedding <=> $2::vector) AS score
		FROM profile_feature
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY embedding <=> $2::vector
		LIMIT $3`, userID, vectorLiteral(queryVec), limitOrAll(k))
	if err != nil {
		return nil, wrapErr("semantic search", err)
	}
	defer rows.Close()

	var out []model.ProfileEntry
	for rows.Next() {
		var e model.ProfileEntry
		var score float64
		var metaJSON, isoJSON string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Feature, &e.Tag, &e.Value, &metaJSON, &isoJSON, &e.CreatedAt, &e.UpdatedAt, &score); err != nil {
			return nil, wrapErr("scan search row", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
		_ = json.Unmarshal([]byte(isoJSON), &e.Isolations)
		if score < minCos || !e.Isolations.Matches(isolations) {
			continue
		}
		e.SimilarityScore = score
		out = append(out, e)
	}
	return out, wrapErr("search rows", rows.Err())
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
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT h.id, h.isolations
		FROM profile_citation c
		JOIN history_message h ON h.id = c.history_id
		WHERE c.feature_id = ANY($1)
		ORDER BY h.id`, ids)
	if err != nil {
		return nil, wrapErr("get citations", err)
	}
	defer rows.Close()
	var out []model.Citation
	for rows.Next() {
		var c model.Citation
		var isoJSON string
		if err := rows.Scan(&c.HistoryID, &isoJSON); err != nil {
			return nil, wrapErr("scan citation", err)
		}
		_ = json.Unmarshal([]byte(isoJSON), &c.Isolations)
		out = append(out, c)
	}
	return out, wrapErr("citation rows", rows.Err())
}

func (s *Store) AddHistory(ctx context.Context, userID, content string, metadata map[string]any, isolations model.Isolations) (model.HistoryMessage, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return model.HistoryMessage{}, profileerrors.Wrap(profileerrors.InvalidInput, "pgstore: marshal metadata", err)
	}
	now := time.Now().UTC()
	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO history_message (user_id, content, metadata, isolations, created_at, is_ingested)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, false)
		RETURNING id`, userID, content, string(metaJSON), string([]byte(isolations.Canonical())), now).Scan(&id)
	if err != nil {
		return model.HistoryMessage{}, wrapErr("add history", err)
	}
	return model.HistoryMessage{ID: id, UserID: userID, Content: content, Metadata: metadata, Isolations: isolations, CreatedAt: now}, nil
}

func (s *Store) DeleteHistory(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) error {
	return s.deleteHistoryWhere(ctx, userID, startTime, endTime, isolations, true)
}

func (s *Store) PurgeHistory(ctx context.Context, userID string, startTime int64, isolations model.Isolations) error {
	return s.deleteHistoryWhere(ctx, userID, startTime, 0, isolations, false)
}

func (s *Store) deleteHistoryWhere(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations, bounded bool) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, isolations, created_at FROM history_message WHERE user_id = $1`, userID)
	if err != nil {
		return wrapErr("select history for delete", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		var isoJSON string
		var createdAt time.Time
		if err := rows.Scan(&id, &isoJSON, &createdAt); err != nil {
			rows.Close()
			return wrapErr("scan history for delete", err)
		}
		var iso model.Isolations
		_ = json.Unmarshal([]byte(isoJSON), &iso)
		if !iso.Matches(isolations) {
			continue
		}
		ts := createdAt.Unix()
		if ts < startTime {
			continue
		}
		if bounded && endTime != 0 && ts >= endTime {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapErr("history delete rows", err)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.db.Exec(ctx, `DELETE FROM history_message WHERE id = ANY($1)`, ids)
	return wrapErr("delete history", err)
}

func (s *Store) GetHistoryMessagesByIngestionStatus(ctx context.Context, userID string, k int, isIngested bool) ([]model.HistoryMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, content, metadata, isolations, created_at, is_ingested
		FROM history_message
		WHERE user_id = $1 AND is_ingested = $2
		ORDER BY created_at, id
		LIMIT $3`, userID, isIngested, limitOrAll(k))
	if err != nil {
		return nil, wrapErr("get history by ingestion status", err)
	}
	defer rows.Close()
	var out []model.HistoryMessage
	for rows.Next() {
		var h model.HistoryMessage
		var metaJSON, isoJSON string
		if err := rows.Scan(&h.ID, &h.UserID, &h.Content, &metaJSON, &isoJSON, &h.CreatedAt, &h.IsIngested); err != nil {
			return nil, wrapErr("scan history", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &h.Metadata)
		_ = json.Unmarshal([]byte(isoJSON), &h.Isolations)
		out = append(out, h)
	}
	return out, wrapErr("history rows", rows.Err())
}

func (s *Store) GetHistoryMessage(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) ([]string, error) {
	msgs, err := s.GetHistoryMessagesByIngestionStatus(ctx, userID, 0, true)
	if err != nil {
		return nil, err
	}
	unIngested, err := s.GetHistoryMessagesByIngestionStatus(ctx, userID, 0, false)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, unIngested...)
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	var out []string
	for _, h := range msgs {
		ts := h.CreatedAt.Unix()
		if ts < startTime || (endTime != 0 && ts >= endTime) {
			continue
		}
		if !h.Isolations.Matches(isolations) {
			continue
		}
		out = append(out, h.Content)
	}
	return out, nil
}

func (s *Store) GetUningestedHistoryMessagesCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM history_message WHERE is_ingested = false`).Scan(&count)
	return count, wrapErr("count uningested", err)
}

func (s *Store) MarkMessagesIngested(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE history_message SET is_ingested = true WHERE id = ANY($1)`, ids)
	return wrapErr("mark ingested", err)
}

func scanEntry(row pgx.Row, e *model.ProfileEntry) error {
	var metaJSON, isoJSON string
	err := row.Scan(&e.ID, &e.UserID, &e.Feature, &e.Tag, &e.Value, &metaJSON, &isoJSON, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return err
	}
	_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
	_ = json.Unmarshal([]byte(isoJSON), &e.Isolations)
	return nil
}

func scanEntryRows(rows pgx.Rows, e *model.ProfileEntry) error {
	return scanEntry(rows, e)
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func limitOrAll(k int) int64 {
	if k <= 0 {
		return 1 << 62
	}
	return int64(k)
}

func wrapErr(op string, err error) error {
	if err == nil || err == pgx.ErrNoRows {
		return nil
	}
	return profileerrors.Wrap(profileerrors.ExternalServiceError, "pgstore: "+op, err)
}

// ResetSchema drops every table in the public schema and reapplies the
// embedded schema, for use by the schema-sync command line tool. Safe to
// run against an empty database.
func ResetSchema(ctx context.Context, connString string) error {
	db, err := pgxpool.New(ctx, connString)
	if err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "pgstore: connect", err)
	}
	defer db.Close()

	rows, err := db.Query(ctx, `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = 'public'`)
	if err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "pgstore: list tables", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return profileerrors.Wrap(profileerrors.ExternalServiceError, "pgstore: scan table name", err)
		}
		tables = append(tables, name)
	}
	rows.Close()

	for _, table := range tables {
		if _, err := db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q CASCADE`, table)); err != nil {
			return profileerrors.Wrap(profileerrors.ExternalServiceError, "pgstore: drop table "+table, err)
		}
	}

	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return profileerrors.Wrap(profileerrors.ExternalServiceError, "pgstore: apply schema", err)
	}
	return nil
}

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS profile_feature (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	feature TEXT NOT NULL,
	tag TEXT NOT NULL,
	value TEXT NOT NULL,
	embedding vector(1536),
	metadata JSONB NOT NULL DEFAULT '{}',
	isolations JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS profile_feature_user_idx ON profile_feature (user_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS profile_feature_embedding_idx ON profile_feature USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS history_message (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	isolations JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_ingested BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS history_message_user_idx ON history_message (user_id, created_at);
CREATE INDEX IF NOT EXISTS history_message_ingestion_idx ON history_message (is_ingested);

CREATE TABLE IF NOT EXISTS profile_citation (
	feature_id BIGINT NOT NULL REFERENCES profile_feature(id) ON DELETE CASCADE,
	history_id BIGINT NOT NULL REFERENCES history_message(id) ON DELETE CASCADE,
	PRIMARY KEY (feature_id, history_id)
);
`
