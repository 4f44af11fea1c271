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

// Package build turns parsed source files into graph mutations and runs
// the rebuild pipeline: discovery, parallel parsing, batched writes,
// and the ordered post-build hooks.
package build

import (
	"path"
	"sort"
	"strings"

	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/parser"
)

// Builder translates ParsedFile values into node and edge mutations for
// one project. It is stateless and safe for concurrent use.
type Builder struct {
	projectID string
}

// NewBuilder creates a builder scoped to the project.
func NewBuilder(projectID string) *Builder {
	return &Builder{projectID: projectID}
}

// FileMutations produces the mutation set for a single parsed file:
// the FILE node, FUNCTION and CLASS nodes with CONTAINS edges, and
// IMPORT nodes with IMPORTS edges. Every code node is stamped with the
// file's content hash so staleness checks can compare versions.
//
// Nodes are emitted before the edges that reference them, so the slice
// can be applied in order by a store that validates endpoints.
func (b *Builder) FileMutations(pf *parser.ParsedFile, now int64) []graph.Mutation {
	fileID := FileID(b.projectID, pf.Path)
	muts := make([]graph.Mutation, 0, 1+2*(len(pf.Functions)+len(pf.Classes)+len(pf.Imports)))

	muts = append(muts, graph.Mutation{Node: &graph.Node{
		ID:        fileID,
		Label:     graph.LabelFile,
		ProjectID: b.projectID,
		Props: map[string]any{
			"path":     NormalizePath(pf.Path),
			"name":     path.Base(NormalizePath(pf.Path)),
			"language": pf.Language,
			"loc":      pf.LOC,
		},
		ValidFrom:   now,
		ContentHash: pf.ContentHash,
	}})

	for _, fn := range pf.Functions {
		muts = append(muts, b.symbolMutations(pf, fileID, graph.LabelFunction, "func", fn, now)...)
	}
	for _, cls := range pf.Classes {
		muts = append(muts, b.symbolMutations(pf, fileID, graph.LabelClass, "class", cls, now)...)
	}

	for _, imp := range pf.Imports {
		impID := ImportID(b.projectID, imp.Path)
		muts = append(muts, graph.Mutation{Node: &graph.Node{
			ID:        impID,
			Label:     graph.LabelImport,
			ProjectID: b.projectID,
			Props: map[string]any{
				"path": imp.Path,
				"name": path.Base(imp.Path),
			},
			ValidFrom: now,
		}})
		edgeProps := map[string]any{"line": imp.Line}
		if imp.Alias != "" {
			edgeProps["alias"] = imp.Alias
		}
		muts = append(muts, graph.Mutation{Edge: &graph.Edge{
			FromID:    fileID,
			ToID:      impID,
			Type:      graph.EdgeImports,
			ProjectID: b.projectID,
			Props:     edgeProps,
		}})
	}

	return muts
}

func (b *Builder) symbolMutations(pf *parser.ParsedFile, fileID string, label graph.Label, kind string, sym parser.Symbol, now int64) []graph.Mutation {
	id := SymbolID(b.projectID, kind, pf.Path, sym.Name, sym.StartLine)
	props := map[string]any{
		"name":       sym.Name,
		"path":       NormalizePath(pf.Path),
		"start_line": sym.StartLine,
		"end_line":   sym.EndLine,
	}
	if sym.Signature != "" {
		props["signature"] = sym.Signature
	}
	if sym.ScopePath != "" {
		props["scope_path"] = sym.ScopePath
	}
	return []graph.Mutation{
		{Node: &graph.Node{
			ID:          id,
			Label:       label,
			ProjectID:   b.projectID,
			Props:       props,
			ValidFrom:   now,
			ContentHash: pf.ContentHash,
			SCIPID:      SCIPID(pf.Path, sym.ScopePath, sym.Name),
		}},
		{Edge: &graph.Edge{
			FromID:    fileID,
			ToID:      id,
			Type:      graph.EdgeContains,
			ProjectID: b.projectID,
		}},
	}
}

// DependencyMutations resolves import paths against the full file set
// and emits DEPENDS_ON edges between FILE nodes. Only unambiguous
// in-project resolutions produce an edge; external packages are left to
// their IMPORT nodes.
func (b *Builder) DependencyMutations(files []*parser.ParsedFile) []graph.Mutation {
	// Index candidate targets by path without extension and by directory.
	byStem := make(map[string]string, len(files))
	byDir := make(map[string][]string)
	for _, pf := range files {
		p := NormalizePath(pf.Path)
		stem := strings.TrimSuffix(p, path.Ext(p))
		byStem[stem] = p
		dir := path.Dir(p)
		byDir[dir] = append(byDir[dir], p)
	}

	type dep struct{ from, to string }
	seen := make(map[dep]bool)
	var muts []graph.Mutation

	for _, pf := range files {
		from := NormalizePath(pf.Path)
		for _, imp := range pf.Imports {
			target := resolveImport(from, imp.Path, byStem, byDir)
			if target == "" || target == from {
				continue
			}
			d := dep{from, target}
			if seen[d] {
				continue
			}
			seen[d] = true
			muts = append(muts, graph.Mutation{Edge: &graph.Edge{
				FromID:    FileID(b.projectID, from),
				ToID:      FileID(b.projectID, target),
				Type:      graph.EdgeDependsOn,
				ProjectID: b.projectID,
				Props:     map[string]any{"import_path": imp.Path},
			}})
		}
	}

	sort.Slice(muts, func(i, j int) bool {
		if muts[i].Edge.FromID != muts[j].Edge.FromID {
			return muts[i].Edge.FromID < muts[j].Edge.FromID
		}
		return muts[i].Edge.ToID < muts[j].Edge.ToID
	})
	return muts
}

// resolveImport maps an import path to an in-project file path, or ""
// when the import is external or ambiguous.
func resolveImport(fromPath, importPath string, byStem map[string]string, byDir map[string][]string) string {
	if strings.HasPrefix(importPath, "./") || strings.HasPrefix(importPath, "../") {
		resolved := path.Clean(path.Join(path.Dir(fromPath), importPath))
		if target, ok := byStem[resolved]; ok {
			return target
		}
		if target, ok := byStem[resolved+"/index"]; ok {
			return target
		}
		if files := byDir[resolved]; len(files) == 1 {
			return files[0]
		}
		return ""
	}

	// Package-style import: match a project directory whose path ends
	// with the import path (module prefixes vary by language).
	clean := strings.TrimPrefix(importPath, "/")
	var match string
	for dir, files := range byDir {
		if dir == clean || strings.HasSuffix(dir, "/"+clean) {
			if match != "" {
				return "" // ambiguous
			}
			if len(files) == 1 {
				match = files[0]
			} else {
				// Multi-file package: anchor the edge on a stable
				// representative, the lexicographically first file.
				sorted := append([]string(nil), files...)
				sort.Strings(sorted)
				match = sorted[0]
			}
		}
	}
	return match
}
