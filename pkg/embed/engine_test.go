// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/vector"
)

func codeNode(id, name string) *graph.Node {
	return &graph.Node{
		ID:        id,
		Label:     graph.LabelFunction,
		ProjectID: "demo",
		Props:     map[string]any{"name": name, "path": "a.go"},
	}
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider(0)
	assert.Equal(t, DefaultDimension, p.Dimension())

	a, err := p.Embed(context.Background(), "func Handle()")
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), "func Handle()")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := p.Embed(context.Background(), "func Other()")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// Unit norm.
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestEmbedNodesWritesProjectPayload(t *testing.T) {
	vs := vector.NewMemStore()
	e := NewEngine(NewLocalProvider(0), vs, 2, 0, nil)

	nodes := []*graph.Node{codeNode("demo:func:a.go#A@1", "A"), codeNode("demo:func:a.go#B@5", "B")}
	res := e.EmbedNodes(context.Background(), "demo", nodes)
	assert.Equal(t, 2, res.Embedded)
	assert.Zero(t, res.Errors)

	n, err := vs.CountByFilter(context.Background(), vector.Collection, vector.ProjectFilter("demo"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Search maps back to the original string id.
	vec, err := e.EmbedQuery(context.Background(), "A a.go")
	require.NoError(t, err)
	hits, err := vs.Search(context.Background(), vector.Collection, vec, 2, vector.ProjectFilter("demo"))
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].OriginalID, "demo:func:")
}

func TestEmbedNodesProjectIsolation(t *testing.T) {
	vs := vector.NewMemStore()
	e := NewEngine(NewLocalProvider(0), vs, 1, 0, nil)

	e.EmbedNodes(context.Background(), "p1", []*graph.Node{codeNode("p1:func:x", "x")})
	e.EmbedNodes(context.Background(), "p2", []*graph.Node{codeNode("p2:func:x", "x")})

	n1, err := vs.CountByFilter(context.Background(), vector.Collection, vector.ProjectFilter("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n1)
}

// downStore fails every call, standing in for an unreachable vector
// database.
type downStore struct{}

func (downStore) Upsert(context.Context, string, []vector.Point) error { return assert.AnError }
func (downStore) Search(context.Context, string, []float32, int, vector.Filter) ([]vector.Hit, error) {
	return nil, assert.AnError
}
func (downStore) DeleteByFilter(context.Context, string, vector.Filter) error { return assert.AnError }
func (downStore) CountByFilter(context.Context, string, vector.Filter) (int, error) {
	return 0, assert.AnError
}
func (downStore) IsConnected(context.Context) bool { return false }

func TestFindSimilarServesCacheWhenStoreDown(t *testing.T) {
	e := NewEngine(NewLocalProvider(0), downStore{}, 2, 0, nil)

	nodes := []*graph.Node{codeNode("demo:func:a.go#A@1", "A"), codeNode("demo:func:a.go#B@5", "B")}
	res := e.EmbedNodes(context.Background(), "demo", nodes)
	assert.Zero(t, res.Embedded)
	assert.Equal(t, 2, res.Errors)

	// The cache holds the points the upsert could not deliver. A query
	// matching node A's embedding text exactly ranks it first.
	vec, err := e.EmbedQuery(context.Background(), NodeText(nodes[0]))
	require.NoError(t, err)
	hits := e.FindSimilar("demo", vec, 5)
	require.Len(t, hits, 2)
	assert.Equal(t, "demo:func:a.go#A@1", hits[0].OriginalID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.Equal(t, "demo", hits[0].Payload[vector.PayloadProjectID])
}

func TestFindSimilarProjectScoped(t *testing.T) {
	e := NewEngine(NewLocalProvider(0), downStore{}, 1, 0, nil)
	e.EmbedNodes(context.Background(), "p1", []*graph.Node{codeNode("p1:func:x", "x")})

	vec, err := e.EmbedQuery(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, e.FindSimilar("p2", vec, 5))
	assert.Empty(t, e.FindSimilar("p1", vec, 0))
	assert.Len(t, e.FindSimilar("p1", vec, 5), 1)
}

func TestNodeTextFallsBackToID(t *testing.T) {
	n := &graph.Node{ID: "demo:file:x"}
	assert.Equal(t, "demo:file:x", NodeText(n))
}

func TestQueryTextLocalProviderUnchanged(t *testing.T) {
	assert.Equal(t, "find handler", QueryText(NewLocalProvider(0), "find handler"))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(assert.AnError))
	assert.True(t, isRetryableError(errTimeout{}))
}

type errTimeout struct{}

func (errTimeout) Error() string { return "context deadline exceeded" }
