// Package resourceinit builds the concrete adapters a deployment wires
// together (storage backend, language model, embedder, episodic store)
// from a declarative definition graph, in topological dependency order.
// Grounded on the "Cyclic construction" design note: keep builder
// functions pure so the ordering logic is trivially testable on its own.
package resourceinit

import (
	"fmt"

	"github.com/memlattice/profilememory/pkg/profileerrors"
)

// Definition describes one resource to construct: its type (a key into a
// Builder registry), a name (the concrete implementation within that
// type, e.g. "postgres" for type "storage"), a free-form config blob, and
// the ids of other resources it depends on.
type Definition struct {
	Type         string
	Name         string
	Config       map[string]any
	DependencyID []string
}

// Builder constructs one resource given its name, config, and the
// already-built resources it depends on (keyed by resource id).
type Builder func(name string, config map[string]any, injected map[string]any) (any, error)

// Registry maps a resource type to the builder that knows how to
// construct it.
type Registry map[string]Builder

// Initialize builds every resource in definitions, in dependency order,
// seeding the build with any pre-built resources in cache (e.g. a shared
// logger). It returns every newly built resource keyed by id; cached
// resources are not included in the result.
func Initialize(defs map[string]Definition, cache map[string]any, registry Registry) (map[string]any, error) {
	if cache == nil {
		cache = map[string]any{}
	}

	order, err := topologicalOrder(defs, cache)
	if err != nil {
		return nil, err
	}

	built := make(map[string]any, len(order))
	for _, id := range order {
		if _, ok := cache[id]; ok {
			continue
		}
		def := defs[id]
		builder, ok := registry[def.Type]
		if !ok {
			return nil, profileerrors.New(profileerrors.InvalidInput, fmt.Sprintf("resourceinit: unknown resource type %q for %q", def.Type, id))
		}

		injected := make(map[string]any, len(cache)+len(built))
		for k, v := range cache {
			injected[k] = v
		}
		for k, v := range built {
			injected[k] = v
		}

		resource, err := builder(def.Name, def.Config, injected)
		if err != nil {
			return nil, fmt.Errorf("resourceinit: build %q: %w", id, err)
		}
		built[id] = resource
	}
	return built, nil
}

// topologicalOrder runs Kahn's algorithm over the dependency graph implied
// by defs, treating any dependency id already present in cache as
// satisfied. A dependency id absent from both defs and cache is a fatal
// NotFound; any remaining unresolved dependency once the queue drains
// indicates a cycle, reported as Conflict per §7.
func topologicalOrder(defs map[string]Definition, cache map[string]any) ([]string, error) {
	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for id := range defs {
		indegree[id] = 0
	}

	for id, def := range defs {
		for _, dep := range def.DependencyID {
			if _, ok := defs[dep]; ok {
				indegree[id]++
				dependents[dep] = append(dependents[dep], id)
				continue
			}
			if _, ok := cache[dep]; ok {
				continue
			}
			return nil, profileerrors.New(profileerrors.NotFound, fmt.Sprintf("resourceinit: dependency %q of %q not found in definitions or cache", dep, id))
		}
	}

	var queue []string
	for id, count := range indegree {
		if count == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(defs) {
		return nil, profileerrors.New(profileerrors.Conflict, "resourceinit: cyclic dependency detected in resource definitions")
	}
	return order, nil
}
