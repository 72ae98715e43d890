// Package model defines the data types shared across the profile-memory
// engine: profile entries, history messages, isolation keys, and the
// tagged command variants the ingestion pipeline applies to a profile.
package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Isolations is a free-form tenant/scope filter carried on every message
// and profile entry. Values are restricted to bool, int64, float64 or
// string, matching the reference's {bool|int|float|str} union.
type Isolations map[string]any

// Canonical returns the canonical JSON serialization of the isolation map:
// keys sorted, ensuring two isolation maps compare equal iff their
// canonical serializations match byte-for-byte.
func (iso Isolations) Canonical() string {
	if len(iso) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(iso))
	for k := range iso {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf, err := json.Marshal(canonicalPairs{keys: keys, values: iso})
	if err != nil {
		// Only a value json.Marshal cannot encode (e.g. NaN or a
		// channel) gets here; such a map falls back to "{}".
		return "{}"
	}
	return string(buf)
}

// canonicalPairs marshals an Isolations map with keys in a fixed order.
type canonicalPairs struct {
	keys   []string
	values Isolations
}

func (c canonicalPairs) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range c.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Matches reports whether the receiver (a stored row's isolations) matches
// a query isolation map: for every key present in query, the receiver must
// carry the same value for that key. Keys absent from query are ignored;
// keys present in query but absent from the receiver never match.
func (iso Isolations) Matches(query Isolations) bool {
	for k, qv := range query {
		sv, ok := iso[k]
		if !ok {
			return false
		}
		if !equalScalar(sv, qv) {
			return false
		}
	}
	return true
}

func equalScalar(a, b any) bool {
	// Normalize numeric types (JSON decoding yields float64; config/tests
	// may supply int) before comparing.
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// IntersectIsolations computes the consolidation isolation-intersection-
// with-conflict-pruning rule: start empty; for each source isolation map,
// for each key adopt its value if the key is unset so far, or mark the
// key conflicted if a different value is already present; finally drop
// every conflicted key. Grounded on the reference's _deduplicate_profile
// citation-merge logic.
func IntersectIsolations(sources []Isolations) Isolations {
	merged := make(Isolations)
	conflicted := make(map[string]bool)
	for _, iso := range sources {
		for k, v := range iso {
			if conflicted[k] {
				continue
			}
			existing, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			if !equalScalar(existing, v) {
				conflicted[k] = true
			}
		}
	}
	for k := range conflicted {
		delete(merged, k)
	}
	return merged
}

// ProfileEntry is an atomic fact associated with one user.
type ProfileEntry struct {
	ID         int64
	UserID     string
	Feature    string
	Tag        string
	Value      string
	Embedding  []float32
	Metadata   map[string]any
	Isolations Isolations
	Citations  []int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time

	// SimilarityScore is populated by semantic search results only; it is
	// not persisted.
	SimilarityScore float64
}

// IsDeleted reports whether the entry has been soft-deleted.
func (e ProfileEntry) IsDeleted() bool { return e.DeletedAt != nil }

// HistoryMessage is one raw conversational message pending or already
// folded into a profile.
type HistoryMessage struct {
	ID         int64
	UserID     string
	Content    string
	Metadata   map[string]any
	Isolations Isolations
	CreatedAt  time.Time
	IsIngested bool
}

// Citation pairs a history row id with the isolations it carried, as
// returned by GetAllCitationsForIDs.
type Citation struct {
	HistoryID  int64
	Isolations Isolations
}

// CommandKind distinguishes the two LLM-emitted mutation shapes.
type CommandKind int

const (
	// CommandAdd appends a new (feature, tag, value) fact.
	CommandAdd CommandKind = iota
	// CommandDelete removes matching facts.
	CommandDelete
)

// Command is the tagged sum type the §4.7 parser produces: either an Add
// or a Delete, never both. Unknown command kinds never reach this type —
// the parser drops them before construction.
type Command struct {
	Kind    CommandKind
	Feature string
	Tag     string
	// Value is required for Add; optional for Delete (absent deletes every
	// value under the feature/tag).
	Value  string
	HasValue bool
	Date   string
	Author string
}
