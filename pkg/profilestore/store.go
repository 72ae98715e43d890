// Package profilestore defines the profile storage contract (C3):
// transactional CRUD over profile features and history messages, vector
// k-NN search under isolation filters, citation tracking, and bulk
// ingestion-status transitions. Concrete backends (postgres, mongo,
// qdrant, an in-memory fake) all implement Store.
package profilestore

import (
	"context"

	"github.com/memlattice/profilememory/pkg/profile/model"
)

// ProfileGroup is one (feature, tag) section: every live entry sharing
// that key under a user/isolation.
type ProfileGroup struct {
	Feature string
	Tag     string
	Entries []model.ProfileEntry
}

// Store is the storage contract every backend implements.
type Store interface {
	// Startup acquires a connection pool. Idempotent.
	Startup(ctx context.Context) error
	// Cleanup releases the connection pool. Idempotent.
	Cleanup(ctx context.Context) error
	// DeleteAll wipes every profile entry and history message.
	DeleteAll(ctx context.Context) error

	// AddProfileFeature inserts a new entry, or no-ops if an equivalent
	// non-deleted entry already exists for
	// (user_id, feature, tag, value, isolations).
	AddProfileFeature(ctx context.Context, userID, feature, value, tag string, embedding []float32, metadata map[string]any, isolations model.Isolations, citations []int64) (model.ProfileEntry, error)

	// GetProfile returns a nested mapping tag -> feature -> entries,
	// restricted to the isolation.
	GetProfile(ctx context.Context, userID string, isolations model.Isolations) (map[string]map[string][]model.ProfileEntry, error)

	// DeleteProfile soft-deletes every entry for a user under isolations.
	DeleteProfile(ctx context.Context, userID string, isolations model.Isolations) error

	// DeleteProfileFeature soft-deletes matching rows. If value is nil,
	// every row under (feature, tag, isolations) is deleted.
	DeleteProfileFeature(ctx context.Context, userID, feature, tag string, value *string, isolations model.Isolations) error

	// DeleteProfileFeatureByID soft-deletes a single entry.
	DeleteProfileFeatureByID(ctx context.Context, id int64) error

	// SemanticSearch returns up to k non-deleted entries with cosine
	// similarity >= minCos, sorted descending by similarity, each carrying
	// its SimilarityScore.
	SemanticSearch(ctx context.Context, userID string, queryVec []float32, k int, minCos float64, isolations model.Isolations) ([]model.ProfileEntry, error)

	// GetLargeProfileSections returns every (feature, tag) group whose
	// live-entry count is >= threshold.
	GetLargeProfileSections(ctx context.Context, userID string, threshold int, isolations model.Isolations) ([]ProfileGroup, error)

	// GetAllCitationsForIDs resolves the citation graph for a set of
	// profile-entry ids, returning each distinct history row referenced
	// along with the isolations it carried.
	GetAllCitationsForIDs(ctx context.Context, ids []int64) ([]model.Citation, error)

	// AddHistory appends a history row.
	AddHistory(ctx context.Context, userID, content string, metadata map[string]any, isolations model.Isolations) (model.HistoryMessage, error)

	// DeleteHistory deletes history rows for a user within [startTime,
	// endTime) (endTime==0 means unbounded) under isolations.
	DeleteHistory(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) error

	// PurgeHistory deletes history rows for a user created at or after
	// startTime under isolations.
	PurgeHistory(ctx context.Context, userID string, startTime int64, isolations model.Isolations) error

	// GetHistoryMessagesByIngestionStatus returns up to k messages (0 =
	// unlimited) for userID matching isIngested, ordered by (created_at,
	// id).
	GetHistoryMessagesByIngestionStatus(ctx context.Context, userID string, k int, isIngested bool) ([]model.HistoryMessage, error)

	// GetHistoryMessage returns the raw content of history rows for a user
	// within [startTime, endTime) (endTime==0 means unbounded) under
	// isolations, ordered by (created_at, id). Unlike
	// GetHistoryMessagesByIngestionStatus it ignores ingestion status and
	// returns only the message bodies, for prompt assembly.
	GetHistoryMessage(ctx context.Context, userID string, startTime, endTime int64, isolations model.Isolations) ([]string, error)

	// GetUningestedHistoryMessagesCount returns the process-wide count of
	// history rows not yet ingested.
	GetUningestedHistoryMessagesCount(ctx context.Context) (int, error)

	// MarkMessagesIngested bulk flips is_ingested=true for the given ids.
	MarkMessagesIngested(ctx context.Context, ids []int64) error
}
