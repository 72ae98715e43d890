package episodic

import (
	"context"
	"testing"
)

type fakeDriver struct {
	sessions   []*fakeSession
	closed     bool
	nextResult *fakeResult
}

func (d *fakeDriver) NewSession(_ context.Context, _ AccessMode) (session, error) {
	s := &fakeSession{result: d.nextResult}
	d.nextResult = nil
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDriver) Close(context.Context) error {
	d.closed = true
	return nil
}

type fakeSession struct {
	runs   []string
	result *fakeResult
	err    error
	closed bool
}

func (s *fakeSession) Run(_ context.Context, query string, _ map[string]any) (result, error) {
	s.runs = append(s.runs, query)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &fakeResult{}, nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed = true
	return nil
}

type fakeResult struct {
	records []map[string]any
	idx     int
}

func (r *fakeResult) Next(context.Context) bool {
	if r.idx >= len(r.records) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeResult) Record() record {
	return fakeRecord(r.records[r.idx-1])
}

func (r *fakeResult) Err() error                  { return nil }
func (r *fakeResult) Close(context.Context) error { return nil }

type fakeRecord map[string]any

func (r fakeRecord) Get(key string) (any, bool) {
	v, ok := r[key]
	return v, ok
}

func TestUpsertNodeIssuesMergeOnWriteSession(t *testing.T) {
	d := &fakeDriver{}
	store, err := NewNeo4jStore(d, "neo4j")
	if err != nil {
		t.Fatalf("NewNeo4jStore: %v", err)
	}

	if err := store.UpsertNode(context.Background(), Node{
		UUID:       "n1",
		Labels:     []string{"Person"},
		Properties: map[string]any{"name": "Ada"},
	}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	if len(d.sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(d.sessions))
	}
	if len(d.sessions[0].runs) != 1 || d.sessions[0].runs[0] == "" {
		t.Fatalf("expected a MERGE query to run")
	}
}

func TestSimilarNodesScansReturnedNodes(t *testing.T) {
	d := &fakeDriver{}
	store, _ := NewNeo4jStore(d, "neo4j")

	want := Node{UUID: "n1", Labels: []string{"Entity"}, Properties: map[string]any{"uuid": "n1"}}
	d.nextResult = &fakeResult{records: []map[string]any{{"node": want}}}

	nodes, err := store.SimilarNodes(context.Background(), []float32{1, 0}, "Entity", 5)
	if err != nil {
		t.Fatalf("SimilarNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].UUID != "n1" {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestRelatedNodesBuildsDirectionalPattern(t *testing.T) {
	d := &fakeDriver{}
	store, _ := NewNeo4jStore(d, "neo4j")

	if _, err := store.RelatedNodes(context.Background(), "n1", []string{"KNOWS", "LIKES"}, DirectionIncoming); err != nil {
		t.Fatalf("RelatedNodes: %v", err)
	}
	if len(d.sessions) != 1 || len(d.sessions[0].runs) != 1 {
		t.Fatalf("expected one query issued")
	}
	query := d.sessions[0].runs[0]
	if query == "" {
		t.Fatalf("expected non-empty query")
	}
}

func TestSanitizeIdentRejectsUnsafeCharacters(t *testing.T) {
	if got := sanitizeLabel("Person; DROP"); got != "Entity" {
		t.Fatalf("expected fallback for unsafe label, got %q", got)
	}
	if got := sanitizeLabel("Person"); got != "Person" {
		t.Fatalf("expected identity for safe label, got %q", got)
	}
}

func TestCloseDelegatesToDriver(t *testing.T) {
	d := &fakeDriver{}
	store, _ := NewNeo4jStore(d, "neo4j")
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !d.closed {
		t.Fatalf("expected driver to be closed")
	}
}
