// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package coord

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

func seedTarget(t *testing.T, store *memstore.Store, projectID, id string, validFrom int64, hash string) {
	t.Helper()
	n := &graph.Node{
		ID:          id,
		Label:       graph.LabelFunction,
		ProjectID:   projectID,
		Props:       map[string]any{"name": "target"},
		ValidFrom:   validFrom,
		ContentHash: hash,
	}
	require.NoError(t, store.UpsertNodes(context.Background(), []*graph.Node{n}))
}

func TestClaimConflictLifecycle(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	seedTarget(t, store, "p", "p:file:src/x.ts", 1000, "h1")

	// X claims.
	rx, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "p:file:src/x.ts", Intent: "refactor"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, rx.Status)
	assert.Equal(t, "h1", rx.TargetVersionSHA)

	// Y conflicts.
	ry, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "Y", TargetID: "p:file:src/x.ts", Intent: "fix"})
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, ry.Status)
	require.NotNil(t, ry.Conflict)
	assert.Equal(t, "X", ry.Conflict.AgentID)
	assert.Equal(t, "refactor", ry.Conflict.Intent)

	// X releases, Y re-claims.
	rel, err := e.Release(ctx, "p", rx.ClaimID, "done")
	require.NoError(t, err)
	assert.True(t, rel.Found)
	assert.False(t, rel.AlreadyClosed)

	ry2, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "Y", TargetID: "p:file:src/x.ts"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, ry2.Status)
}

func TestReclaimClosesPriorClaim(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	seedTarget(t, store, "p", "t1", 1000, "h1")

	first, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "t1", Intent: "v1"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, first.Status)

	second, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "t1", Intent: "v2"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, second.Status)
	assert.NotEqual(t, first.ClaimID, second.ClaimID)

	// At most one open claim per (target_id, agent_id).
	open, err := e.openClaims(ctx, "p", map[string]any{"target_id": "t1", "agent_id": "X"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ClaimID, open[0].ID)

	prev, err := store.GetNode(ctx, "p", first.ClaimID)
	require.NoError(t, err)
	assert.NotZero(t, prev.PropInt64("valid_to"))
	assert.Equal(t, ReasonReleased, prev.Prop("invalidation_reason"))
}

func TestReleaseIdempotent(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	r, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "p:func:foo"})
	require.NoError(t, err)

	first, err := e.Release(ctx, "p", r.ClaimID, "done")
	require.NoError(t, err)
	assert.False(t, first.AlreadyClosed)

	node, err := store.GetNode(ctx, "p", r.ClaimID)
	require.NoError(t, err)
	validTo := node.PropInt64("valid_to")
	require.NotZero(t, validTo)

	second, err := e.Release(ctx, "p", r.ClaimID, "again")
	require.NoError(t, err)
	assert.True(t, second.Found)
	assert.True(t, second.AlreadyClosed)

	// valid_to unchanged by the second release.
	node, err = store.GetNode(ctx, "p", r.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, validTo, node.PropInt64("valid_to"))
}

func TestReleaseUnknownClaim(t *testing.T) {
	e := New(memstore.New(), nil)
	res, err := e.Release(context.Background(), "p", "p:claim:missing", "")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestForwardClaimOnMissingTarget(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	r, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "p:func:future"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, "unknown", r.TargetVersionSHA)

	// Staleness never fires for a claim without a target node.
	n, err := e.InvalidateStale(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInvalidateStale(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	seedTarget(t, store, "p", "p:func:foo", 1000, "h1")

	r, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "p:func:foo"})
	require.NoError(t, err)

	// Rebuild bumps the target's version.
	seedTarget(t, store, "p", "p:func:foo", time.Now().UnixMilli()+10_000, "h2")

	n, err := e.InvalidateStale(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	node, err := store.GetNode(ctx, "p", r.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, ReasonCodeChanged, node.Prop("invalidation_reason"))

	st, err := e.Status(ctx, "p", "X")
	require.NoError(t, err)
	assert.Empty(t, st.ActiveClaims)
}

func TestExpireOld(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	old := &graph.Node{
		ID: "p:claim:old", Label: graph.LabelClaim, ProjectID: "p",
		Props:     map[string]any{"agent_id": "X", "target_id": "p:func:a"},
		ValidFrom: time.Now().Add(-2 * time.Hour).UnixMilli(),
	}
	require.NoError(t, store.UpsertNodes(ctx, []*graph.Node{old}))

	_, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "p:func:b"})
	require.NoError(t, err)

	n, err := e.ExpireOld(ctx, "p", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	node, err := store.GetNode(ctx, "p", "p:claim:old")
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, node.Prop("invalidation_reason"))
}

func TestOnTaskCompleted(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	_, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "p:func:a", TaskID: "t1"})
	require.NoError(t, err)
	keep, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "p:func:b", TaskID: "t2"})
	require.NoError(t, err)

	n, err := e.OnTaskCompleted(ctx, "p", "t1", "X")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := e.Status(ctx, "p", "X")
	require.NoError(t, err)
	require.Len(t, st.ActiveClaims, 1)
	assert.Equal(t, keep.ClaimID, st.ActiveClaims[0].ID)
	assert.Equal(t, "t2", st.CurrentTask)
}

func TestMutualExclusionUnderChurn(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()

	agents := []string{"A", "B", "C"}
	for round := 0; round < 5; round++ {
		holder := ""
		var holderClaim string
		for _, a := range agents {
			r, err := e.Acquire(ctx, "p", ClaimInput{AgentID: a, TargetID: "p:func:hot"})
			require.NoError(t, err)
			if r.Status == StatusOK {
				require.Empty(t, holder, "at most one open claim per target")
				holder = a
				holderClaim = r.ClaimID
			}
		}
		require.NotEmpty(t, holder)
		_, err := e.Release(ctx, "p", holderClaim, fmt.Sprintf("round-%d", round))
		require.NoError(t, err)
	}
}

func TestProjectOverview(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	ctx := context.Background()
	seedTarget(t, store, "p", "p:func:foo", 1000, "h1")

	_, err := e.Acquire(ctx, "p", ClaimInput{AgentID: "X", TargetID: "p:func:foo"})
	require.NoError(t, err)
	_, err = e.Acquire(ctx, "p", ClaimInput{AgentID: "Y", TargetID: "p:func:bar"})
	require.NoError(t, err)

	seedTarget(t, store, "p", "p:func:foo", time.Now().UnixMilli()+10_000, "h2")

	ov, err := e.ProjectOverview(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, ov.Active)
	assert.Equal(t, 1, ov.Stale)
	assert.Equal(t, []string{"p:func:foo"}, ov.StaleTargets)
	assert.Equal(t, 1, ov.ByAgent["X"])
	assert.Equal(t, 1, ov.ByAgent["Y"])
}
