package memstore

import (
	"context"
	"testing"

	"github.com/memlattice/profilememory/pkg/profile/model"
)

func TestAddProfileFeatureIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	iso := model.Isolations{"group": "g"}

	e1, err := s.AddProfileFeature(ctx, "u", "likes", "dogs", "pets", []float32{1, 0}, nil, iso, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := s.AddProfileFeature(ctx, "u", "likes", "dogs", "pets", []float32{1, 0}, nil, iso, []int64{2})
	if err != nil {
		t.Fatal(err)
	}
	if e1.ID != e2.ID {
		t.Fatalf("expected duplicate add to be a no-op, got distinct ids %d %d", e1.ID, e2.ID)
	}

	profile, err := s.GetProfile(ctx, "u", iso)
	if err != nil {
		t.Fatal(err)
	}
	if len(profile["pets"]["likes"]) != 1 {
		t.Fatalf("expected exactly one live entry, got %+v", profile)
	}
}

func TestIsolationMatchSemantics(t *testing.T) {
	s := New()
	ctx := context.Background()
	full := model.Isolations{"group": "g", "session": "s"}
	if _, err := s.AddProfileFeature(ctx, "u", "f", "v", "t", []float32{1}, nil, full, nil); err != nil {
		t.Fatal(err)
	}

	// query narrower than stored isolations: matches (every query key agrees)
	narrow := model.Isolations{"group": "g"}
	profile, _ := s.GetProfile(ctx, "u", narrow)
	if len(profile["t"]["f"]) != 1 {
		t.Fatalf("expected narrower query to match, got %+v", profile)
	}

	// query with a key the stored row lacks: never matches
	extra := model.Isolations{"group": "g", "missing": "x"}
	profile2, _ := s.GetProfile(ctx, "u", extra)
	if len(profile2["t"]["f"]) != 0 {
		t.Fatalf("expected query with unmatched key to exclude row, got %+v", profile2)
	}
}

func TestSemanticSearchOrdersByCosine(t *testing.T) {
	s := New()
	ctx := context.Background()
	iso := model.Isolations{}
	s.AddProfileFeature(ctx, "u", "f", "far", "t", []float32{0, 1}, nil, iso, nil)
	s.AddProfileFeature(ctx, "u", "f", "close", "t", []float32{1, 0}, nil, iso, nil)

	results, err := s.SemanticSearch(ctx, "u", []float32{1, 0}, 5, -1, iso)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Value != "close" {
		t.Fatalf("expected close-first ordering, got %+v", results)
	}
}

func TestDeleteProfileFeatureByIDSoftDeletes(t *testing.T) {
	s := New()
	ctx := context.Background()
	iso := model.Isolations{}
	e, _ := s.AddProfileFeature(ctx, "u", "f", "v", "t", []float32{1}, nil, iso, nil)
	if err := s.DeleteProfileFeatureByID(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	profile, _ := s.GetProfile(ctx, "u", iso)
	if len(profile["t"]["f"]) != 0 {
		t.Fatalf("expected entry to be gone after soft delete, got %+v", profile)
	}
}

func TestGetLargeProfileSections(t *testing.T) {
	s := New()
	ctx := context.Background()
	iso := model.Isolations{}
	for _, v := range []string{"a", "b", "c"} {
		s.AddProfileFeature(ctx, "u", "f", v, "t", []float32{1}, nil, iso, nil)
	}
	groups, err := s.GetLargeProfileSections(ctx, "u", 3, iso)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].Entries) != 3 {
		t.Fatalf("expected one section of 3 entries, got %+v", groups)
	}

	groups2, _ := s.GetLargeProfileSections(ctx, "u", 4, iso)
	if len(groups2) != 0 {
		t.Fatalf("expected no sections at threshold 4, got %+v", groups2)
	}
}

func TestCitationClosure(t *testing.T) {
	s := New()
	ctx := context.Background()
	iso := model.Isolations{"g": "G"}
	h1, _ := s.AddHistory(ctx, "u", "hello", nil, iso)
	e, _ := s.AddProfileFeature(ctx, "u", "f", "v", "t", []float32{1}, nil, iso, []int64{h1.ID})

	citations, err := s.GetAllCitationsForIDs(ctx, []int64{e.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(citations) != 1 || citations[0].HistoryID != h1.ID {
		t.Fatalf("expected citation closure to resolve h1, got %+v", citations)
	}
}

func TestIngestionMonotonicity(t *testing.T) {
	s := New()
	ctx := context.Background()
	msg, _ := s.AddHistory(ctx, "u", "content", nil, model.Isolations{})
	if msg.IsIngested {
		t.Fatal("expected new message to start uningested")
	}
	if err := s.MarkMessagesIngested(ctx, []int64{msg.ID}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetHistoryMessagesByIngestionStatus(ctx, "u", 0, true)
	if len(got) != 1 {
		t.Fatalf("expected message to be ingested, got %+v", got)
	}
}
