// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieve

import (
	"sort"

	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
)

const (
	pprDamping    = 0.85
	pprIterations = 20
)

// expansionEdgeTypes are the edges retrieval walks.
var expansionEdgeTypes = map[graph.EdgeType]bool{
	graph.EdgeCalls:     true,
	graph.EdgeImports:   true,
	graph.EdgeContains:  true,
	graph.EdgeDependsOn: true,
}

// PersonalizedPageRank scores the neighborhood of the seed nodes with a
// local power iteration: restart mass on the seeds, damping 0.85, 20
// iterations, restricted to the subgraph within the hop radius.
// followCommunities additionally walks BELONGS_TO membership.
func PersonalizedPageRank(idx *index.InMemoryIndex, seeds []string, hops int, followCommunities bool) []graph.ScoredNode {
	if len(seeds) == 0 {
		return nil
	}

	edgeTypes := expansionEdgeTypes
	if followCommunities {
		edgeTypes = make(map[graph.EdgeType]bool, len(expansionEdgeTypes)+1)
		for k := range expansionEdgeTypes {
			edgeTypes[k] = true
		}
		edgeTypes[graph.EdgeBelongsTo] = true
	}

	// Undirected adjacency over the walkable edge types: retrieval
	// neighborhoods treat a CONTAINS parent as close as a CONTAINS
	// child. Built per call; the index is in-process and the candidate
	// graphs are small.
	adj := make(map[string][]string)
	labels := lexicalLabels
	if followCommunities {
		labels = append(append([]graph.Label(nil), lexicalLabels...), graph.LabelCommunity)
	}
	for _, label := range labels {
		for _, n := range idx.NodesByLabel(label) {
			for _, e := range idx.EdgesFrom(n.ID) {
				if !edgeTypes[e.Type] {
					continue
				}
				adj[e.FromID] = append(adj[e.FromID], e.ToID)
				adj[e.ToID] = append(adj[e.ToID], e.FromID)
			}
		}
	}

	// Restrict to the hop-radius subgraph around the seeds.
	inGraph := make(map[string]bool)
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if idx.GetNode(s) != nil && !inGraph[s] {
			inGraph[s] = true
			frontier = append(frontier, s)
		}
	}
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, nb := range adj[id] {
				if !inGraph[nb] {
					inGraph[nb] = true
					next = append(next, nb)
				}
			}
		}
		frontier = next
	}
	if len(inGraph) == 0 {
		return nil
	}

	// Power iteration. Dangling mass returns to the seeds, like the
	// restart vector.
	restart := make(map[string]float64, len(seeds))
	seedMass := 1.0 / float64(countSeedsIn(seeds, inGraph))
	for _, s := range seeds {
		if inGraph[s] {
			restart[s] = seedMass
		}
	}
	if len(restart) == 0 {
		return nil
	}

	rank := make(map[string]float64, len(inGraph))
	for id, m := range restart {
		rank[id] = m
	}
	for iter := 0; iter < pprIterations; iter++ {
		spread := make(map[string]float64, len(inGraph))
		dangling := 0.0
		for id, mass := range rank {
			var outs []string
			for _, nb := range adj[id] {
				if inGraph[nb] {
					outs = append(outs, nb)
				}
			}
			if len(outs) == 0 {
				dangling += mass
				continue
			}
			share := mass / float64(len(outs))
			for _, nb := range outs {
				spread[nb] += share
			}
		}
		next := make(map[string]float64, len(inGraph))
		for id, m := range restart {
			// Restart mass plus dangling mass returned to the seeds.
			next[id] = (1-pprDamping)*m + pprDamping*dangling*m
		}
		for id, m := range spread {
			next[id] += pprDamping * m
		}
		rank = next
	}

	out := make([]graph.ScoredNode, 0, len(rank))
	for id, score := range rank {
		n := idx.GetNode(id)
		if n == nil || score <= 0 {
			continue
		}
		out = append(out, graph.ScoredNode{Node: n, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}

func countSeedsIn(seeds []string, inGraph map[string]bool) int {
	n := 0
	for _, s := range seeds {
		if inGraph[s] {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}
