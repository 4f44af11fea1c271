// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package build

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
	"github.com/kraklabs/cis/pkg/session"
)

// CommunityHook groups FILE nodes into COMMUNITY nodes by connected
// components of the undirected DEPENDS_ON graph. Communities give
// retrieval a coarse neighborhood signal without a full modularity
// pass.
type CommunityHook struct {
	store    graph.Store
	registry *index.Registry
	logger   *slog.Logger
}

// NewCommunityHook creates the hook.
func NewCommunityHook(store graph.Store, registry *index.Registry, logger *slog.Logger) *CommunityHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommunityHook{store: store, registry: registry, logger: logger}
}

func (h *CommunityHook) Name() string { return "community-detection" }

// AfterBuild recomputes communities when the run changed or deleted
// files. Community ids are a function of the smallest member path, so
// stable components keep their identity across rebuilds.
func (h *CommunityHook) AfterBuild(ctx context.Context, pc session.ProjectContext, out *Outcome) error {
	if len(out.ChangedPaths) == 0 && len(out.DeletedPaths) == 0 {
		return nil
	}

	idx, err := h.registry.Get(ctx, pc.ProjectID)
	if err != nil {
		return err
	}

	files := idx.NodesByLabel(graph.LabelFile)
	if len(files) == 0 {
		return nil
	}

	adj := make(map[string][]string, len(files))
	fileSet := make(map[string]bool, len(files))
	for _, f := range files {
		fileSet[f.ID] = true
	}
	for _, f := range files {
		for _, e := range idx.EdgesFrom(f.ID) {
			if e.Type != graph.EdgeDependsOn || !fileSet[e.ToID] {
				continue
			}
			adj[f.ID] = append(adj[f.ID], e.ToID)
			adj[e.ToID] = append(adj[e.ToID], f.ID)
		}
	}

	components := connectedComponents(files, adj)

	now := time.Now().UnixMilli()
	var muts []graph.Mutation
	communities := 0
	for _, members := range components {
		// Singletons carry no grouping signal.
		if len(members) < 2 {
			continue
		}
		communities++
		commID := fmt.Sprintf("%s:community:%s", pc.ProjectID, members[0])
		muts = append(muts, graph.Mutation{Node: &graph.Node{
			ID:        commID,
			Label:     graph.LabelCommunity,
			ProjectID: pc.ProjectID,
			Props: map[string]any{
				"name": members[0],
				"size": len(members),
			},
			ValidFrom: now,
		}})
		for _, m := range members {
			muts = append(muts, graph.Mutation{Edge: &graph.Edge{
				FromID:    FileID(pc.ProjectID, m),
				ToID:      commID,
				Type:      graph.EdgeBelongsTo,
				ProjectID: pc.ProjectID,
			}})
		}
	}
	if len(muts) == 0 {
		return nil
	}

	if _, err := h.store.ExecuteBatch(ctx, muts); err != nil {
		return err
	}
	for _, m := range muts {
		switch {
		case m.Node != nil:
			idx.AddNode(m.Node)
		case m.Edge != nil:
			idx.AddEdge(m.Edge)
		}
	}
	h.logger.Debug("build.community.complete", "project_id", pc.ProjectID, "communities", communities)
	return nil
}

// connectedComponents returns components as sorted member path lists,
// ordered by their smallest member for determinism.
func connectedComponents(files []*graph.Node, adj map[string][]string) [][]string {
	pathByID := make(map[string]string, len(files))
	ids := make([]string, 0, len(files))
	for _, f := range files {
		pathByID[f.ID] = f.Prop("path")
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)

	visited := make(map[string]bool, len(ids))
	var components [][]string
	for _, start := range ids {
		if visited[start] {
			continue
		}
		var members []string
		stack := []string{start}
		visited[start] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if p := pathByID[cur]; p != "" {
				members = append(members, p)
			}
			for _, next := range adj[cur] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Strings(members)
		components = append(components, members)
	}
	sort.Slice(components, func(i, j int) bool {
		if len(components[i]) == 0 || len(components[j]) == 0 {
			return len(components[i]) > len(components[j])
		}
		return components[i][0] < components[j][0]
	})
	return components
}
