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

// Package memstore provides the embedded in-memory graph.Store used by
// standalone deployments and by the test suite. It implements the same
// MERGE semantics the production adapters provide: nodes keyed on
// (label, id), edges keyed on (from, to, type), project-scoped reads.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/cis/pkg/graph"
)

type edgeKey struct {
	from string
	to   string
	typ  graph.EdgeType
}

// Store is an in-memory graph.Store. Safe for concurrent use; reads run
// under a shared lock and return copies.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*graph.Node
	edges map[edgeKey]*graph.Edge
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nodes: make(map[string]*graph.Node),
		edges: make(map[edgeKey]*graph.Edge),
	}
}

// UpsertNodes merges nodes by (label, id). Properties are set
// unconditionally; valid_from defaults to now when unset.
func (s *Store) UpsertNodes(ctx context.Context, nodes []*graph.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		if err := s.putNodeLocked(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putNodeLocked(n *graph.Node) error {
	if n.ID == "" || n.Label == "" {
		return fmt.Errorf("memstore: node requires id and label")
	}
	cp := copyNode(n)
	if cp.ValidFrom == 0 {
		cp.ValidFrom = time.Now().UnixMilli()
	}
	if prev, ok := s.nodes[cp.ID]; ok && prev.Label != cp.Label {
		return fmt.Errorf("memstore: id %s already bound to label %s", cp.ID, prev.Label)
	}
	s.nodes[cp.ID] = cp
	return nil
}

// UpsertEdges merges edges by (from, to, type). Endpoints must exist and
// share the edge's project id.
func (s *Store) UpsertEdges(ctx context.Context, edges []*graph.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		if err := s.putEdgeLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putEdgeLocked(e *graph.Edge) error {
	from, ok := s.nodes[e.FromID]
	if !ok {
		return fmt.Errorf("memstore: edge source %s not found", e.FromID)
	}
	to, ok := s.nodes[e.ToID]
	if !ok {
		return fmt.Errorf("memstore: edge target %s not found", e.ToID)
	}
	if from.ProjectID != to.ProjectID {
		return fmt.Errorf("memstore: edge %s->%s crosses projects", e.FromID, e.ToID)
	}
	cp := copyEdge(e)
	if cp.ProjectID == "" {
		cp.ProjectID = from.ProjectID
	}
	s.edges[edgeKey{e.FromID, e.ToID, e.Type}] = cp
	return nil
}

// ExecuteBatch applies all mutations under one lock acquisition, nodes
// before edges so that edges within a batch can reference new nodes.
// Per-mutation failures accumulate; the batch continues.
func (s *Store) ExecuteBatch(ctx context.Context, muts []graph.Mutation) (*graph.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &graph.BatchResult{}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range muts {
		if m.Node == nil {
			continue
		}
		if err := s.putNodeLocked(m.Node); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.NodesWritten++
	}
	for _, m := range muts {
		if m.Edge == nil {
			continue
		}
		if err := s.putEdgeLocked(m.Edge); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.EdgesWritten++
	}
	return res, nil
}

// GetNode returns a copy of the node, scoped to the project.
func (s *Store) GetNode(ctx context.Context, projectID, id string) (*graph.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok || n.ProjectID != projectID {
		return nil, graph.ErrNotFound
	}
	return copyNode(n), nil
}

// NodesByLabel returns project nodes with the label, sorted by id.
func (s *Store) NodesByLabel(ctx context.Context, projectID string, label graph.Label) ([]*graph.Node, error) {
	return s.FindNodes(ctx, projectID, label, nil)
}

// FindNodes returns project nodes with the label matching all property
// equality constraints, sorted by id for determinism.
func (s *Store) FindNodes(ctx context.Context, projectID string, label graph.Label, propEquals map[string]any) ([]*graph.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Node
	for _, n := range s.nodes {
		if n.ProjectID != projectID || n.Label != label {
			continue
		}
		if !propsMatch(n, propEquals) {
			continue
		}
		out = append(out, copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func propsMatch(n *graph.Node, propEquals map[string]any) bool {
	for k, want := range propEquals {
		got, ok := n.Props[k]
		if !ok {
			return false
		}
		if graph.AnyToString(got) != graph.AnyToString(want) {
			return false
		}
	}
	return true
}

// UpdateNodeProps merges props into an existing node. valid_from is not
// refreshed: claims rely on it recording build time, not mutation time.
func (s *Store) UpdateNodeProps(ctx context.Context, projectID, id string, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.ProjectID != projectID {
		return graph.ErrNotFound
	}
	if n.Props == nil {
		n.Props = make(map[string]any, len(props))
	}
	for k, v := range props {
		n.Props[k] = v
	}
	return nil
}

// EdgesFrom returns outgoing edges of a node, sorted by (type, to).
func (s *Store) EdgesFrom(ctx context.Context, projectID, id string) ([]*graph.Edge, error) {
	return s.edgesWhere(ctx, projectID, func(e *graph.Edge) bool { return e.FromID == id })
}

// EdgesTo returns incoming edges of a node, sorted by (type, from).
func (s *Store) EdgesTo(ctx context.Context, projectID, id string) ([]*graph.Edge, error) {
	return s.edgesWhere(ctx, projectID, func(e *graph.Edge) bool { return e.ToID == id })
}

func (s *Store) edgesWhere(ctx context.Context, projectID string, keep func(*graph.Edge) bool) ([]*graph.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Edge
	for _, e := range s.edges {
		if e.ProjectID != projectID || !keep(e) {
			continue
		}
		out = append(out, copyEdge(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].FromID != out[j].FromID {
			return out[i].FromID < out[j].FromID
		}
		return out[i].ToID < out[j].ToID
	})
	return out, nil
}

// DeleteNodes removes the given nodes and their incident edges within
// the project. Unknown ids are ignored.
func (s *Store) DeleteNodes(ctx context.Context, projectID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		n, ok := s.nodes[id]
		if !ok || n.ProjectID != projectID {
			continue
		}
		doomed[id] = true
		delete(s.nodes, id)
	}
	for k := range s.edges {
		if doomed[k.from] || doomed[k.to] {
			delete(s.edges, k)
		}
	}
	return nil
}

// DeleteProject removes every node and edge of the project.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.nodes {
		if n.ProjectID == projectID {
			delete(s.nodes, id)
		}
	}
	for k, e := range s.edges {
		if e.ProjectID == projectID {
			delete(s.edges, k)
		}
	}
	return nil
}

// TextSearch is a deterministic term-frequency scorer over node name,
// content, doc, and path properties. It stands in for the production
// store's BM25 index; scores are comparable only within one call.
func (s *Store) TextSearch(ctx context.Context, projectID, query string, limit int) ([]graph.ScoredNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var scored []graph.ScoredNode
	for _, n := range s.nodes {
		if n.ProjectID != projectID {
			continue
		}
		text := strings.ToLower(strings.Join([]string{
			n.Prop("name"), n.Prop("content"), n.Prop("doc"), n.Prop("path"),
		}, " "))
		if text == "" {
			continue
		}
		score := 0.0
		for _, t := range terms {
			score += float64(strings.Count(text, t))
		}
		if score > 0 {
			scored = append(scored, graph.ScoredNode{Node: copyNode(n), Score: score})
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// ExecuteQuery is unsupported: the embedded store has no query language.
func (s *Store) ExecuteQuery(ctx context.Context, query string, params map[string]any) (*graph.QueryResult, error) {
	return nil, graph.ErrUnsupported
}

// IsConnected always reports true for the embedded store.
func (s *Store) IsConnected(ctx context.Context) bool { return true }

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 0 {
			out = append(out, f)
		}
	}
	return out
}

func copyNode(n *graph.Node) *graph.Node {
	cp := *n
	if n.Props != nil {
		cp.Props = make(map[string]any, len(n.Props))
		for k, v := range n.Props {
			cp.Props[k] = v
		}
	}
	return &cp
}

func copyEdge(e *graph.Edge) *graph.Edge {
	cp := *e
	if e.Props != nil {
		cp.Props = make(map[string]any, len(e.Props))
		for k, v := range e.Props {
			cp.Props[k] = v
		}
	}
	return &cp
}
