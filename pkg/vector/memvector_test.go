// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func point(originalID, projectID string, vec []float32) Point {
	return Point{
		ID:     PointID(originalID),
		Vector: vec,
		Payload: map[string]any{
			PayloadOriginalID: originalID,
			PayloadProjectID:  projectID,
		},
	}
}

func TestPointIDStable(t *testing.T) {
	assert.Equal(t, PointID("p:func:login"), PointID("p:func:login"))
	assert.NotEqual(t, PointID("p:func:login"), PointID("p:func:logout"))
}

func TestSearchMapsBackToOriginalID(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Upsert(ctx, Collection, []Point{
		point("p:func:a", "p", []float32{1, 0}),
		point("p:func:b", "p", []float32{0, 1}),
	}))

	hits, err := m.Search(ctx, Collection, []float32{1, 0}, 10, ProjectFilter("p"))
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "p:func:a", hits[0].OriginalID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchProjectFilterAndK(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Upsert(ctx, Collection, []Point{
		point("a:func:x", "a", []float32{1, 0}),
		point("a:func:y", "a", []float32{0.9, 0.1}),
		point("b:func:x", "b", []float32{1, 0}),
	}))

	hits, err := m.Search(ctx, Collection, []float32{1, 0}, 1, ProjectFilter("a"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Payload[PayloadProjectID])
}

func TestSearchTieBreaksOnOriginalID(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Upsert(ctx, Collection, []Point{
		point("p:func:b", "p", []float32{1, 0}),
		point("p:func:a", "p", []float32{1, 0}),
	}))

	hits, err := m.Search(ctx, Collection, []float32{1, 0}, 10, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "p:func:a", hits[0].OriginalID)
}

func TestUpsertReplacesSameID(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Upsert(ctx, Collection, []Point{point("p:func:a", "p", []float32{1, 0})}))
	require.NoError(t, m.Upsert(ctx, Collection, []Point{point("p:func:a", "p", []float32{0, 1})}))

	n, err := m.CountByFilter(ctx, Collection, ProjectFilter("p"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := m.Search(ctx, Collection, []float32{0, 1}, 1, ProjectFilter("p"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestUpsertRejectsEmptyVector(t *testing.T) {
	m := NewMemStore()
	err := m.Upsert(context.Background(), Collection, []Point{{ID: 1}})
	assert.Error(t, err)
}

func TestDeleteByFilterScopesToProject(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Upsert(ctx, Collection, []Point{
		point("a:func:x", "a", []float32{1, 0}),
		point("b:func:x", "b", []float32{1, 0}),
	}))

	require.NoError(t, m.DeleteByFilter(ctx, Collection, ProjectFilter("a")))

	na, err := m.CountByFilter(ctx, Collection, ProjectFilter("a"))
	require.NoError(t, err)
	assert.Zero(t, na)
	nb, err := m.CountByFilter(ctx, Collection, ProjectFilter("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, nb)
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{1}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, 1.0, Cosine([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestUpsertIsolatesCallerSlices(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	vec := []float32{1, 0}
	payload := map[string]any{PayloadOriginalID: "p:func:a", PayloadProjectID: "p"}
	require.NoError(t, m.Upsert(ctx, Collection, []Point{{ID: PointID("p:func:a"), Vector: vec, Payload: payload}}))

	// Mutating the caller's copies must not leak into the store.
	vec[0] = 0
	payload[PayloadProjectID] = "other"

	hits, err := m.Search(ctx, Collection, []float32{1, 0}, 1, ProjectFilter("p"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}
