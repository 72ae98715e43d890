package episodic

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// realDriver adapts the neo4j-go-driver/v5 client to the driver/session/
// result/record interfaces this package depends on, keeping the rest of
// the file testable against a fake without a live database.
type realDriver struct {
	inner neo4j.DriverWithContext
}

// DialNeo4j opens a driver connection to uri with basic auth.
func DialNeo4j(ctx context.Context, uri, username, password string) (*Neo4jStore, string, error) {
	d, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, "", fmt.Errorf("episodic: dial: %w", err)
	}
	if err := d.VerifyConnectivity(ctx); err != nil {
		return nil, "", fmt.Errorf("episodic: verify connectivity: %w", err)
	}
	store, err := NewNeo4jStore(&realDriver{inner: d}, "")
	if err != nil {
		return nil, "", err
	}
	return store, store.database, nil
}

func (d *realDriver) NewSession(_ context.Context, mode AccessMode) (session, error) {
	accessMode := neo4j.AccessModeRead
	if mode == AccessModeWrite {
		accessMode = neo4j.AccessModeWrite
	}
	sess := d.inner.NewSession(context.Background(), neo4j.SessionConfig{AccessMode: accessMode})
	return &realSession{inner: sess}, nil
}

func (d *realDriver) Close(ctx context.Context) error {
	return d.inner.Close(ctx)
}

type realSession struct {
	inner neo4j.SessionWithContext
}

func (s *realSession) Run(ctx context.Context, query string, params map[string]any) (result, error) {
	res, err := s.inner.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return &realResult{inner: res}, nil
}

func (s *realSession) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

type realResult struct {
	inner neo4j.ResultWithContext
	cur   *neo4j.Record
}

func (r *realResult) Next(ctx context.Context) bool {
	if r.inner.NextRecord(ctx, &r.cur) {
		return true
	}
	return false
}

func (r *realResult) Record() record {
	return realRecord{rec: r.cur}
}

func (r *realResult) Err() error {
	return r.inner.Err()
}

func (r *realResult) Close(ctx context.Context) error {
	_, err := r.inner.Consume(ctx)
	return err
}

type realRecord struct {
	rec *neo4j.Record
}

func (r realRecord) Get(key string) (any, bool) {
	if r.rec == nil {
		return nil, false
	}
	val, ok := r.rec.Get(key)
	if !ok {
		return nil, false
	}
	node, ok := val.(neo4j.Node)
	if !ok {
		return val, true
	}
	return Node{
		UUID:       fmt.Sprint(node.Props["uuid"]),
		Labels:     node.Labels,
		Properties: node.Props,
	}, true
}
