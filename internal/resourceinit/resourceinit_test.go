package resourceinit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/memlattice/profilememory/pkg/profileerrors"
)

func echoBuilder(tag string) Builder {
	return func(name string, config map[string]any, injected map[string]any) (any, error) {
		return fmt.Sprintf("%s:%s", tag, name), nil
	}
}

func TestInitializeOrdersByDependency(t *testing.T) {
	var buildOrder []string
	registry := Registry{
		"storage": func(name string, _ map[string]any, _ map[string]any) (any, error) {
			buildOrder = append(buildOrder, "storage")
			return "storage:" + name, nil
		},
		"facade": func(name string, _ map[string]any, injected map[string]any) (any, error) {
			buildOrder = append(buildOrder, "facade")
			if _, ok := injected["storage"]; !ok {
				return nil, errors.New("storage dependency missing at build time")
			}
			return "facade:" + name, nil
		},
	}

	defs := map[string]Definition{
		"facade":  {Type: "facade", Name: "profile", DependencyID: []string{"storage"}},
		"storage": {Type: "storage", Name: "postgres"},
	}

	built, err := Initialize(defs, nil, registry)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if built["storage"] != "storage:postgres" || built["facade"] != "facade:profile" {
		t.Fatalf("unexpected build results: %+v", built)
	}
	if len(buildOrder) != 2 || buildOrder[0] != "storage" || buildOrder[1] != "facade" {
		t.Fatalf("expected storage before facade, got %v", buildOrder)
	}
}

func TestInitializeSkipsCachedResources(t *testing.T) {
	registry := Registry{"storage": echoBuilder("storage")}
	defs := map[string]Definition{
		"storage": {Type: "storage", Name: "postgres"},
	}
	cache := map[string]any{"storage": "prebuilt"}

	built, err := Initialize(defs, cache, registry)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, ok := built["storage"]; ok {
		t.Fatalf("cached resource should not appear in build output")
	}
}

func TestInitializeDetectsCycle(t *testing.T) {
	registry := Registry{"x": echoBuilder("x")}
	defs := map[string]Definition{
		"a": {Type: "x", Name: "a", DependencyID: []string{"b"}},
		"b": {Type: "x", Name: "b", DependencyID: []string{"a"}},
	}

	_, err := Initialize(defs, nil, registry)
	if !profileerrors.Is(err, profileerrors.Conflict) {
		t.Fatalf("expected Conflict error for cyclic dependency, got %v", err)
	}
}

func TestInitializeRejectsUnknownDependency(t *testing.T) {
	registry := Registry{"x": echoBuilder("x")}
	defs := map[string]Definition{
		"a": {Type: "x", Name: "a", DependencyID: []string{"missing"}},
	}

	_, err := Initialize(defs, nil, registry)
	if !profileerrors.Is(err, profileerrors.NotFound) {
		t.Fatalf("expected NotFound error for unresolved dependency, got %v", err)
	}
}

func TestInitializeRejectsUnknownType(t *testing.T) {
	registry := Registry{}
	defs := map[string]Definition{
		"a": {Type: "mystery", Name: "a"},
	}

	_, err := Initialize(defs, nil, registry)
	if !profileerrors.Is(err, profileerrors.InvalidInput) {
		t.Fatalf("expected InvalidInput error for unknown type, got %v", err)
	}
}
