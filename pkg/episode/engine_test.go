// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package episode

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/graph/memstore"
)

func seedCodeNode(t *testing.T, store *memstore.Store, projectID, id string) {
	t.Helper()
	n := &graph.Node{
		ID:        id,
		Label:     graph.LabelFunction,
		ProjectID: projectID,
		Props:     map[string]any{"name": "login"},
		ValidFrom: 1000,
	}
	require.NoError(t, store.UpsertNodes(context.Background(), []*graph.Node{n}))
}

func TestAddLinksExistingEntities(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	seedCodeNode(t, store, "p", "p:func:login")

	id, err := e.Add(ctx, "p", AddInput{
		AgentID:  "X",
		Content:  "refactored login flow",
		Entities: []string{"p:func:login", "p:func:missing"},
	})
	require.NoError(t, err)

	edges, err := store.EdgesFrom(ctx, "p", id)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.EdgeInvolves, edges[0].Type)
	assert.Equal(t, "p:func:login", edges[0].ToID)
}

func TestAddEntityCap(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	entities := make([]string, 0, maxEntities+20)
	for i := 0; i < maxEntities+20; i++ {
		id := fmt.Sprintf("p:func:f%03d", i)
		seedCodeNode(t, store, "p", id)
		entities = append(entities, id)
	}

	id, err := e.Add(ctx, "p", AddInput{AgentID: "X", Content: "big sweep", Entities: entities})
	require.NoError(t, err)

	edges, err := store.EdgesFrom(ctx, "p", id)
	require.NoError(t, err)
	assert.Len(t, edges, maxEntities)
}

func TestEntitiesWithCommasRoundTrip(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	entities := []string{"p:func:pair(a,b)", "migrate users, then sessions"}
	_, err := e.Add(ctx, "p", AddInput{AgentID: "X", Content: "tuple helpers reviewed", Entities: entities})
	require.NoError(t, err)

	eps, err := e.Recall(ctx, "p", RecallQuery{Query: "tuple helpers", Limit: 5})
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, entities, eps[0].Entities)
}

func TestAddChainsSessions(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	first, err := e.Add(ctx, "p", AddInput{AgentID: "X", SessionID: "s1", Content: "one", Timestamp: 1000})
	require.NoError(t, err)
	// Different session never chains.
	_, err = e.Add(ctx, "p", AddInput{AgentID: "X", SessionID: "s2", Content: "aside", Timestamp: 1500})
	require.NoError(t, err)
	second, err := e.Add(ctx, "p", AddInput{AgentID: "X", SessionID: "s1", Content: "two", Timestamp: 2000})
	require.NoError(t, err)

	edges, err := store.EdgesFrom(ctx, "p", first)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.EdgeNextEpisode, edges[0].Type)
	assert.Equal(t, second, edges[0].ToID)
}

func TestAddRequiresAgentAndContent(t *testing.T) {
	e := New(memstore.New(), nil)
	_, err := e.Add(context.Background(), "p", AddInput{Content: "x"})
	assert.Error(t, err)
	_, err = e.Add(context.Background(), "p", AddInput{AgentID: "X", Content: "   "})
	assert.Error(t, err)
}

func TestRecallRanksLexicalMatchFirst(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	_, err := e.Add(ctx, "p", AddInput{AgentID: "X", Content: "fixed token refresh in auth middleware", Timestamp: now})
	require.NoError(t, err)
	_, err = e.Add(ctx, "p", AddInput{AgentID: "X", Content: "bumped ci cache key", Timestamp: now})
	require.NoError(t, err)

	got, err := e.Recall(ctx, "p", RecallQuery{Query: "auth token refresh", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Content, "auth")
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestRecallTemporalDecayBreaksTies(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	now := time.Now()

	old, err := e.Add(ctx, "p", AddInput{AgentID: "X", Content: "touched billing", Timestamp: now.Add(-40 * 24 * time.Hour).UnixMilli()})
	require.NoError(t, err)
	fresh, err := e.Add(ctx, "p", AddInput{AgentID: "X", Content: "touched billing", Timestamp: now.UnixMilli()})
	require.NoError(t, err)

	got, err := e.Recall(ctx, "p", RecallQuery{Query: "billing", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fresh, got[0].ID)
	assert.Equal(t, old, got[1].ID)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestRecallFilters(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	_, err := e.Add(ctx, "p", AddInput{AgentID: "X", TaskID: "t1", Type: "ACTION", Content: "did t1 work", Timestamp: now})
	require.NoError(t, err)
	_, err = e.Add(ctx, "p", AddInput{AgentID: "Y", TaskID: "t2", Type: "DECISION", Content: "chose postgres", Timestamp: now})
	require.NoError(t, err)
	_, err = e.Add(ctx, "p", AddInput{AgentID: "X", Content: "ancient note", Timestamp: 1000})
	require.NoError(t, err)

	byAgent, err := e.Recall(ctx, "p", RecallQuery{Query: "work", AgentID: "Y"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "Y", byAgent[0].AgentID)

	byTask, err := e.Recall(ctx, "p", RecallQuery{Query: "work", TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, byTask, 1)
	assert.Equal(t, "t1", byTask[0].TaskID)

	byType, err := e.Recall(ctx, "p", RecallQuery{Query: "work", Types: []string{"DECISION"}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "DECISION", byType[0].Type)

	since, err := e.Recall(ctx, "p", RecallQuery{Query: "note", Since: now - 1})
	require.NoError(t, err)
	for _, ep := range since {
		assert.GreaterOrEqual(t, ep.Timestamp, now-1)
	}
}

func TestRecallExcludesSensitive(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	_, err := e.Add(ctx, "p", AddInput{AgentID: "X", Content: "rotated the prod api key", Sensitive: true})
	require.NoError(t, err)

	got, err := e.Recall(ctx, "p", RecallQuery{Query: "api key"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecallProjectIsolation(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	_, err := e.Add(ctx, "alpha", AddInput{AgentID: "X", Content: "alpha only fact"})
	require.NoError(t, err)

	got, err := e.Recall(ctx, "beta", RecallQuery{Query: "alpha fact"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecallLimitClamped(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	for i := 0; i < 60; i++ {
		_, err := e.Add(ctx, "p", AddInput{AgentID: "X", Content: fmt.Sprintf("note %d about deploys", i), Timestamp: now - int64(i)})
		require.NoError(t, err)
	}

	got, err := e.Recall(ctx, "p", RecallQuery{Query: "deploys", Limit: 500})
	require.NoError(t, err)
	assert.Len(t, got, maxRecallLimit)
}

func TestReflectWritesLearnings(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	seedCodeNode(t, store, "p", "p:func:login")
	now := time.Now().UnixMilli()

	for i := 0; i < 6; i++ {
		_, err := e.Add(ctx, "p", AddInput{
			AgentID:   "X",
			Content:   fmt.Sprintf("iteration %d on auth", i),
			Entities:  []string{"p:func:login"},
			Timestamp: now - int64(i),
		})
		require.NoError(t, err)
	}

	refl, err := e.Reflect(ctx, "p", "X")
	require.NoError(t, err)
	require.NotEmpty(t, refl.EpisodeID)
	require.NotEmpty(t, refl.Patterns)
	assert.Equal(t, "p:func:login", refl.Patterns[0].Entity)
	assert.Equal(t, 6, refl.Patterns[0].Count)
	require.NotEmpty(t, refl.LearningIDs)
	assert.LessOrEqual(t, len(refl.LearningIDs), 3)

	// The reflection itself lands as an episode.
	node, err := store.GetNode(ctx, "p", refl.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, TypeReflection, node.Prop("type"))

	// Learnings link back to the dominant entity.
	edges, err := store.EdgesFrom(ctx, "p", refl.LearningIDs[0])
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.EdgeAppliesTo, edges[0].Type)
	assert.Equal(t, "p:func:login", edges[0].ToID)
}

func TestReflectNoEpisodes(t *testing.T) {
	e := New(memstore.New(), nil)
	_, err := e.Reflect(context.Background(), "p", "ghost")
	assert.Error(t, err)
}
