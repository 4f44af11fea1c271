// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package index provides the project-scoped in-process secondary index.
//
// The graph store remains the source of truth; one InMemoryIndex per
// active project mirrors its nodes and edges for O(1)/O(k) lookups.
// There is exactly one index per project, owned by the Registry; the
// build orchestrator writes through it, so a build and its queries
// always observe the same index instance.
package index

import (
	"context"
	"sync"

	"github.com/kraklabs/cis/pkg/graph"
)

// Stats summarizes index contents.
type Stats struct {
	ProjectID string         `json:"project_id"`
	Nodes     int            `json:"nodes"`
	Edges     int            `json:"edges"`
	ByLabel   map[string]int `json:"by_label"`
}

// InMemoryIndex is a per-project node/edge cache. Reads run under a
// shared lock; writes are serialized per project. A reader of one
// project never blocks on another project's index.
type InMemoryIndex struct {
	projectID string

	mu           sync.RWMutex
	nodes        map[string]*graph.Node
	nodesByLabel map[graph.Label][]string
	edgesFrom    map[string][]*graph.Edge
	edgeCount    int
}

// New creates an empty index for the project.
func New(projectID string) *InMemoryIndex {
	idx := &InMemoryIndex{projectID: projectID}
	idx.reset()
	return idx
}

func (idx *InMemoryIndex) reset() {
	idx.nodes = make(map[string]*graph.Node)
	idx.nodesByLabel = make(map[graph.Label][]string)
	idx.edgesFrom = make(map[string][]*graph.Edge)
	idx.edgeCount = 0
}

// ProjectID returns the owning project.
func (idx *InMemoryIndex) ProjectID() string { return idx.projectID }

// AddNode mirrors a node write. Replaces any previous node with the id.
func (idx *InMemoryIndex) AddNode(n *graph.Node) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if prev, ok := idx.nodes[n.ID]; ok {
		if prev.Label != n.Label {
			idx.removeFromLabelLocked(prev.Label, n.ID)
			idx.nodesByLabel[n.Label] = append(idx.nodesByLabel[n.Label], n.ID)
		}
	} else {
		idx.nodesByLabel[n.Label] = append(idx.nodesByLabel[n.Label], n.ID)
	}
	idx.nodes[n.ID] = n
}

func (idx *InMemoryIndex) removeFromLabelLocked(label graph.Label, id string) {
	ids := idx.nodesByLabel[label]
	for i, v := range ids {
		if v == id {
			idx.nodesByLabel[label] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// AddEdge mirrors an edge write, deduplicating on (from, to, type).
func (idx *InMemoryIndex) AddEdge(e *graph.Edge) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := idx.edgesFrom[e.FromID]
	for i, prev := range out {
		if prev.ToID == e.ToID && prev.Type == e.Type {
			out[i] = e
			return
		}
	}
	idx.edgesFrom[e.FromID] = append(out, e)
	idx.edgeCount++
}

// GetNode returns the node by id, or nil.
func (idx *InMemoryIndex) GetNode(id string) *graph.Node {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nodes[id]
}

// NodesByLabel returns all nodes carrying the label, in insertion order.
func (idx *InMemoryIndex) NodesByLabel(label graph.Label) []*graph.Node {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := idx.nodesByLabel[label]
	out := make([]*graph.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := idx.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// EdgesFrom returns outgoing edges of the node.
func (idx *InMemoryIndex) EdgesFrom(id string) []*graph.Edge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]*graph.Edge(nil), idx.edgesFrom[id]...)
}

// RemoveNode drops a node and every edge touching it. A no-op for
// unknown ids.
func (idx *InMemoryIndex) RemoveNode(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n, ok := idx.nodes[id]
	if !ok {
		return
	}
	delete(idx.nodes, id)
	idx.removeFromLabelLocked(n.Label, id)
	if out, ok := idx.edgesFrom[id]; ok {
		idx.edgeCount -= len(out)
		delete(idx.edgesFrom, id)
	}
	for from, out := range idx.edgesFrom {
		kept := out[:0]
		for _, e := range out {
			if e.ToID == id {
				idx.edgeCount--
				continue
			}
			kept = append(kept, e)
		}
		idx.edgesFrom[from] = kept
	}
}

// Clear drops all contents, keeping the project binding.
func (idx *InMemoryIndex) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.reset()
}

// Statistics returns node/edge counts by label.
func (idx *InMemoryIndex) Statistics() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	byLabel := make(map[string]int, len(idx.nodesByLabel))
	for label, ids := range idx.nodesByLabel {
		if len(ids) > 0 {
			byLabel[string(label)] = len(ids)
		}
	}
	return Stats{
		ProjectID: idx.projectID,
		Nodes:     len(idx.nodes),
		Edges:     idx.edgeCount,
		ByLabel:   byLabel,
	}
}

// DefaultMaxProjects bounds the number of live per-project indexes.
const DefaultMaxProjects = 5

// Registry owns the set of per-project indexes with LRU eviction. An
// evicted project's next use triggers a lazy reload from the graph
// store.
type Registry struct {
	store graph.Store
	max   int

	mu      sync.Mutex
	indexes map[string]*InMemoryIndex
	order   []string // LRU order, most recent last
}

// NewRegistry creates a registry backed by the graph store. max <= 0
// selects DefaultMaxProjects.
func NewRegistry(store graph.Store, max int) *Registry {
	if max <= 0 {
		max = DefaultMaxProjects
	}
	return &Registry{
		store:   store,
		max:     max,
		indexes: make(map[string]*InMemoryIndex),
	}
}

// Get returns the project's index, reloading it from the graph store
// when absent (first use or post-eviction).
func (r *Registry) Get(ctx context.Context, projectID string) (*InMemoryIndex, error) {
	r.mu.Lock()
	if idx, ok := r.indexes[projectID]; ok {
		r.touchLocked(projectID)
		r.mu.Unlock()
		return idx, nil
	}
	idx := New(projectID)
	r.indexes[projectID] = idx
	r.touchLocked(projectID)
	r.evictLocked()
	r.mu.Unlock()

	// Load outside the registry lock; the store may suspend.
	if err := r.reload(ctx, idx); err != nil {
		r.mu.Lock()
		delete(r.indexes, projectID)
		r.removeOrderLocked(projectID)
		r.mu.Unlock()
		return nil, err
	}
	return idx, nil
}

// Peek returns the index only when already resident.
func (r *Registry) Peek(projectID string) *InMemoryIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexes[projectID]
}

// Drop discards a project's index without reload.
func (r *Registry) Drop(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexes, projectID)
	r.removeOrderLocked(projectID)
}

func (r *Registry) touchLocked(projectID string) {
	r.removeOrderLocked(projectID)
	r.order = append(r.order, projectID)
}

func (r *Registry) removeOrderLocked(projectID string) {
	for i, id := range r.order {
		if id == projectID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) evictLocked() {
	for len(r.order) > r.max {
		victim := r.order[0]
		r.order = r.order[1:]
		delete(r.indexes, victim)
	}
}

func (r *Registry) reload(ctx context.Context, idx *InMemoryIndex) error {
	labels := []graph.Label{
		graph.LabelFile, graph.LabelFunction, graph.LabelClass, graph.LabelImport,
		graph.LabelEpisode, graph.LabelClaim, graph.LabelLearning, graph.LabelCommunity,
		graph.LabelFeature, graph.LabelTask, graph.LabelSection, graph.LabelDocument,
		graph.LabelRule,
	}
	var ids []string
	for _, label := range labels {
		nodes, err := r.store.NodesByLabel(ctx, idx.projectID, label)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			idx.AddNode(n)
			ids = append(ids, n.ID)
		}
	}
	for _, id := range ids {
		edges, err := r.store.EdgesFrom(ctx, idx.projectID, id)
		if err != nil {
			return err
		}
		for _, e := range edges {
			idx.AddEdge(e)
		}
	}
	return nil
}
