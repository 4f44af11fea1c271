// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/internal/output"
	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
)

// maxExplainDepth caps edge traversal for code_explain.
const maxExplainDepth = 3

// edgeView is one traversed edge in an explanation.
type edgeView struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Type  string `json:"type"`
	Depth int    `json:"depth"`
}

func (s *Server) handleCodeExplain(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		Symbol  string `json:"symbol"`
		Depth   int    `json:"depth,omitempty"`
		Profile string `json:"profile,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Symbol == "" {
		return nil, errors.InvalidArguments("symbol is required")
	}
	profile, err := output.ParseProfile(p.Profile)
	if err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	depth := p.Depth
	if depth <= 0 {
		depth = 1
	}
	if depth > maxExplainDepth {
		depth = maxExplainDepth
	}

	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	idx, err := s.indexes.Get(ctx, pc.ProjectID)
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}

	node := resolveSymbol(idx, p.Symbol)
	if node == nil {
		return nil, errors.NotFound("symbol", p.Symbol).
			WithFix("Pass a node id, a symbol name or a file path known to the index")
	}

	outgoing := walkEdges(idx, node.ID, depth, false)
	incoming := walkEdges(idx, node.ID, depth, true)

	return map[string]any{
		"symbol":   output.ShapeHit(profile, node, output.Scores{}),
		"outgoing": outgoing,
		"incoming": incoming,
	}, nil
}

// resolveSymbol tries id, then exact symbol name, then file path, then
// the name inferred from a basename:name:line style id.
func resolveSymbol(idx *index.InMemoryIndex, symbol string) *graph.Node {
	if n := idx.GetNode(symbol); n != nil {
		return n
	}
	if n := resolveByName(idx, symbol, symbol); n != nil {
		return n
	}
	if inferred := graph.SymbolName(symbol); inferred != symbol {
		return resolveByName(idx, inferred, "")
	}
	return nil
}

func resolveByName(idx *index.InMemoryIndex, name, path string) *graph.Node {
	for _, label := range []graph.Label{graph.LabelFile, graph.LabelFunction, graph.LabelClass} {
		var matches []*graph.Node
		for _, n := range idx.NodesByLabel(label) {
			if n.Prop("name") == name || (label == graph.LabelFile && path != "" && n.Prop("path") == path) {
				matches = append(matches, n)
			}
		}
		if len(matches) > 0 {
			sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
			return matches[0]
		}
	}
	return nil
}

// walkEdges BFS-walks up to depth hops. reverse follows incoming edges,
// which requires one pass over the project's adjacency to invert it.
func walkEdges(idx *index.InMemoryIndex, rootID string, depth int, reverse bool) []edgeView {
	adj := make(map[string][]*graph.Edge)
	if reverse {
		for _, label := range []graph.Label{
			graph.LabelFile, graph.LabelFunction, graph.LabelClass,
			graph.LabelImport, graph.LabelCommunity,
		} {
			for _, n := range idx.NodesByLabel(label) {
				for _, e := range idx.EdgesFrom(n.ID) {
					adj[e.ToID] = append(adj[e.ToID], e)
				}
			}
		}
	}
	next := func(id string) []*graph.Edge {
		if reverse {
			return adj[id]
		}
		return idx.EdgesFrom(id)
	}

	var out []edgeView
	visited := map[string]bool{rootID: true}
	frontier := []string{rootID}
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var nextFrontier []string
		for _, id := range frontier {
			edges := next(id)
			sort.Slice(edges, func(i, j int) bool {
				if edges[i].FromID != edges[j].FromID {
					return edges[i].FromID < edges[j].FromID
				}
				return edges[i].ToID < edges[j].ToID
			})
			for _, e := range edges {
				out = append(out, edgeView{From: e.FromID, To: e.ToID, Type: string(e.Type), Depth: d})
				peer := e.ToID
				if reverse {
					peer = e.FromID
				}
				if !visited[peer] {
					visited[peer] = true
					nextFrontier = append(nextFrontier, peer)
				}
			}
		}
		frontier = nextFrontier
	}
	return out
}

func (s *Server) handleImpactAnalyze(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		ChangedFiles []string `json:"changed_files"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if len(p.ChangedFiles) == 0 {
		return nil, errors.InvalidArguments("changed_files is required")
	}

	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	idx, err := s.indexes.Get(ctx, pc.ProjectID)
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}

	// Invert DEPENDS_ON and TESTS once; both walks need dependents.
	dependents := make(map[string][]string)
	testedBy := make(map[string][]string)
	for _, n := range idx.NodesByLabel(graph.LabelFile) {
		for _, e := range idx.EdgesFrom(n.ID) {
			switch e.Type {
			case graph.EdgeDependsOn:
				dependents[e.ToID] = append(dependents[e.ToID], e.FromID)
			case graph.EdgeTests:
				testedBy[e.ToID] = append(testedBy[e.ToID], e.FromID)
			}
		}
	}

	changed := make(map[string]bool)
	var frontier []string
	for _, f := range p.ChangedFiles {
		id := build.FileID(pc.ProjectID, f)
		if idx.GetNode(id) == nil {
			continue
		}
		if !changed[id] {
			changed[id] = true
			frontier = append(frontier, id)
		}
	}

	// Transitive closure of reverse DEPENDS_ON.
	impacted := make(map[string]bool)
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				if !changed[dep] && !impacted[dep] {
					impacted[dep] = true
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	var dependentPaths, testPaths []string
	seenTests := make(map[string]bool)
	addTest := func(path string) {
		if path != "" && !seenTests[path] {
			seenTests[path] = true
			testPaths = append(testPaths, path)
		}
	}
	for id := range impacted {
		n := idx.GetNode(id)
		if n == nil {
			continue
		}
		path := n.Prop("path")
		dependentPaths = append(dependentPaths, path)
		if isTestPath(path) {
			addTest(path)
		}
	}
	// Explicit TESTS edges targeting changed or impacted files.
	for id := range changed {
		for _, t := range testedBy[id] {
			if n := idx.GetNode(t); n != nil {
				addTest(n.Prop("path"))
			}
		}
	}
	for id := range impacted {
		for _, t := range testedBy[id] {
			if n := idx.GetNode(t); n != nil {
				addTest(n.Prop("path"))
			}
		}
	}
	sort.Strings(dependentPaths)
	sort.Strings(testPaths)

	return map[string]any{
		"changed":        len(changed),
		"dependents":     dependentPaths,
		"affected_tests": testPaths,
	}, nil
}

// isTestPath recognizes common test layout conventions.
func isTestPath(p string) bool {
	base := p
	if i := strings.LastIndex(p, "/"); i >= 0 {
		base = p[i+1:]
	}
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasSuffix(base, "_test.py"),
		strings.HasPrefix(base, "test_"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."):
		return true
	}
	return strings.Contains(p, "/__tests__/") || strings.Contains(p, "/tests/") || strings.HasPrefix(p, "tests/")
}
