// Package episodic is a thin client for the vector+graph sibling store
// described in §6 as a consumed, optional collaborator. The profile engine
// never calls this package directly; it exists so a deployer wiring
// episodic memory alongside profile memory has a concrete Neo4j-backed
// client for the nodes/edges/search shape spec.md describes, instead of
// inventing one per deployment.
package episodic

import (
	"context"
	"fmt"
)

// Node is a labeled, property-bearing vertex in the episodic graph.
type Node struct {
	UUID       string
	Labels     []string
	Properties map[string]any
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	UUID       string
	Source     string
	Target     string
	Relation   string
	Properties map[string]any
}

// Direction constrains a related-nodes traversal.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// Store is the consumed interface: similarity search over node embeddings,
// graph adjacency, ordered pagination, and label/property matching.
type Store interface {
	UpsertNode(ctx context.Context, node Node) error
	UpsertEdge(ctx context.Context, edge Edge) error

	SimilarNodes(ctx context.Context, embedding []float32, label string, k int) ([]Node, error)
	RelatedNodes(ctx context.Context, uuid string, relations []string, dir Direction) ([]Node, error)
	DirectionalNodes(ctx context.Context, label, orderBy string, descending bool, limit, offset int) ([]Node, error)
	MatchingNodes(ctx context.Context, label string, properties map[string]any) ([]Node, error)

	Close(ctx context.Context) error
}

// driver abstracts the subset of the neo4j-go-driver session API this
// client needs, so tests can substitute a fake without a live database.
type driver interface {
	NewSession(ctx context.Context, mode AccessMode) (session, error)
	Close(ctx context.Context) error
}

// AccessMode controls whether a session is opened for read or write.
type AccessMode string

const (
	AccessModeWrite AccessMode = "write"
	AccessModeRead  AccessMode = "read"
)

type session interface {
	Run(ctx context.Context, query string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

type result interface {
	Next(ctx context.Context) bool
	Record() record
	Err() error
	Close(ctx context.Context) error
}

type record interface {
	Get(key string) (any, bool)
}

// Neo4jStore implements Store against a Neo4j graph database.
type Neo4jStore struct {
	driver   driver
	database string
}

// NewNeo4jStore wires a Store over an already-open driver.
func NewNeo4jStore(d driver, database string) (*Neo4jStore, error) {
	if d == nil {
		return nil, fmt.Errorf("episodic: driver is nil")
	}
	return &Neo4jStore{driver: d, database: database}, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) UpsertNode(ctx context.Context, node Node) error {
	sess, err := s.driver.NewSession(ctx, AccessModeWrite)
	if err != nil {
		return fmt.Errorf("episodic: new session: %w", err)
	}
	defer sess.Close(ctx)

	labels := "Entity"
	for _, l := range node.Labels {
		labels += ":" + l
	}
	query := fmt.Sprintf("MERGE (n:%s {uuid: $uuid}) SET n += $props", labels)
	res, err := sess.Run(ctx, query, map[string]any{
		"uuid":  node.UUID,
		"props": node.Properties,
	})
	if err != nil {
		return fmt.Errorf("episodic: upsert node: %w", err)
	}
	if res != nil {
		defer res.Close(ctx)
	}
	return res.Err()
}

func (s *Neo4jStore) UpsertEdge(ctx context.Context, edge Edge) error {
	sess, err := s.driver.NewSession(ctx, AccessModeWrite)
	if err != nil {
		return fmt.Errorf("episodic: new session: %w", err)
	}
	defer sess.Close(ctx)

	query := fmt.Sprintf(
		"MATCH (a {uuid: $source}), (b {uuid: $target}) MERGE (a)-[r:%s {uuid: $uuid}]->(b) SET r += $props",
		sanitizeRelation(edge.Relation),
	)
	res, err := sess.Run(ctx, query, map[string]any{
		"source": edge.Source,
		"target": edge.Target,
		"uuid":   edge.UUID,
		"props":  edge.Properties,
	})
	if err != nil {
		return fmt.Errorf("episodic: upsert edge: %w", err)
	}
	if res != nil {
		defer res.Close(ctx)
	}
	return res.Err()
}

func (s *Neo4jStore) SimilarNodes(ctx context.Context, embedding []float32, label string, k int) ([]Node, error) {
	sess, err := s.driver.NewSession(ctx, AccessModeRead)
	if err != nil {
		return nil, fmt.Errorf("episodic: new session: %w", err)
	}
	defer sess.Close(ctx)

	query := fmt.Sprintf(
		"CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node, score WHERE node:%s RETURN node, score ORDER BY score DESC",
		sanitizeLabel(label),
	)
	res, err := sess.Run(ctx, query, map[string]any{
		"index":     label + "_embedding_index",
		"k":         k,
		"embedding": embedding,
	})
	if err != nil {
		return nil, fmt.Errorf("episodic: similar nodes: %w", err)
	}
	defer res.Close(ctx)
	return scanNodes(ctx, res, "node")
}

func (s *Neo4jStore) RelatedNodes(ctx context.Context, uuid string, relations []string, dir Direction) ([]Node, error) {
	sess, err := s.driver.NewSession(ctx, AccessModeRead)
	if err != nil {
		return nil, fmt.Errorf("episodic: new session: %w", err)
	}
	defer sess.Close(ctx)

	pattern := relationPattern(relations, dir)
	query := fmt.Sprintf("MATCH (a {uuid: $uuid})%sreturn b", pattern)
	res, err := sess.Run(ctx, query, map[string]any{"uuid": uuid})
	if err != nil {
		return nil, fmt.Errorf("episodic: related nodes: %w", err)
	}
	defer res.Close(ctx)
	return scanNodes(ctx, res, "b")
}

func (s *Neo4jStore) DirectionalNodes(ctx context.Context, label, orderBy string, descending bool, limit, offset int) ([]Node, error) {
	sess, err := s.driver.NewSession(ctx, AccessModeRead)
	if err != nil {
		return nil, fmt.Errorf("episodic: new session: %w", err)
	}
	defer sess.Close(ctx)

	order := "ASC"
	if descending {
		order = "DESC"
	}
	query := fmt.Sprintf(
		"MATCH (n:%s) RETURN n ORDER BY n.%s %s SKIP $offset LIMIT $limit",
		sanitizeLabel(label), sanitizeProperty(orderBy), order,
	)
	res, err := sess.Run(ctx, query, map[string]any{"offset": offset, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("episodic: directional nodes: %w", err)
	}
	defer res.Close(ctx)
	return scanNodes(ctx, res, "n")
}

func (s *Neo4jStore) MatchingNodes(ctx context.Context, label string, properties map[string]any) ([]Node, error) {
	sess, err := s.driver.NewSession(ctx, AccessModeRead)
	if err != nil {
		return nil, fmt.Errorf("episodic: new session: %w", err)
	}
	defer sess.Close(ctx)

	query := fmt.Sprintf(
		"MATCH (n:%s) WHERE all(k IN keys($props) WHERE n[k] = $props[k]) RETURN n",
		sanitizeLabel(label),
	)
	res, err := sess.Run(ctx, query, map[string]any{"props": properties})
	if err != nil {
		return nil, fmt.Errorf("episodic: matching nodes: %w", err)
	}
	defer res.Close(ctx)
	return scanNodes(ctx, res, "n")
}

func scanNodes(ctx context.Context, res result, key string) ([]Node, error) {
	var nodes []Node
	for res.Next(ctx) {
		raw, ok := res.Record().Get(key)
		if !ok {
			continue
		}
		node, ok := raw.(Node)
		if !ok {
			continue
		}
		nodes = append(nodes, node)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("episodic: scan: %w", err)
	}
	return nodes, nil
}

func relationPattern(relations []string, dir Direction) string {
	rel := ""
	if len(relations) > 0 {
		rel = ":" + relations[0]
		for _, r := range relations[1:] {
			rel += "|" + r
		}
	}
	switch dir {
	case DirectionIncoming:
		return fmt.Sprintf("<-[%s]-(b) ", rel)
	case DirectionBoth:
		return fmt.Sprintf("-[%s]-(b) ", rel)
	default:
		return fmt.Sprintf("-[%s]->(b) ", rel)
	}
}

func sanitizeLabel(s string) string    { return sanitizeIdent(s, "Entity") }
func sanitizeRelation(s string) string { return sanitizeIdent(s, "RELATED_TO") }
func sanitizeProperty(s string) string { return sanitizeIdent(s, "uuid") }

// sanitizeIdent restricts a Cypher identifier to the characters Neo4j
// allows unquoted, since labels/relation types/property names can't be
// parameterized and are interpolated directly into the query text above.
func sanitizeIdent(s, fallback string) string {
	if s == "" {
		return fallback
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fallback
		}
	}
	return s
}
