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

// Package graph defines the labeled-property-graph model shared by every
// engine in the code intelligence server, together with the narrow Store
// adapter contract that the underlying graph database must satisfy.
//
// The graph store is the source of truth. All reads and writes are scoped
// by project_id; a node or edge never crosses project boundaries.
package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Label identifies the semantic type of a graph node.
type Label string

// Node labels understood by the server.
const (
	LabelFile      Label = "FILE"
	LabelFunction  Label = "FUNCTION"
	LabelClass     Label = "CLASS"
	LabelImport    Label = "IMPORT"
	LabelEpisode   Label = "EPISODE"
	LabelClaim     Label = "CLAIM"
	LabelLearning  Label = "LEARNING"
	LabelCommunity Label = "COMMUNITY"
	LabelFeature   Label = "FEATURE"
	LabelTask      Label = "TASK"
	LabelSection   Label = "SECTION"
	LabelDocument  Label = "DOCUMENT"
	LabelRule      Label = "RULE"

	// LabelTransaction records rebuild transactions. It is an internal
	// bookkeeping label, never returned by retrieval tools.
	LabelTransaction Label = "TRANSACTION"
)

// EdgeType identifies the semantic type of a directed graph edge.
type EdgeType string

// Edge types understood by the server.
const (
	EdgeContains    EdgeType = "CONTAINS"
	EdgeImports     EdgeType = "IMPORTS"
	EdgeCalls       EdgeType = "CALLS"
	EdgeExtends     EdgeType = "EXTENDS"
	EdgeImplements  EdgeType = "IMPLEMENTS"
	EdgeTests       EdgeType = "TESTS"
	EdgeTargets     EdgeType = "TARGETS"
	EdgeInvolves    EdgeType = "INVOLVES"
	EdgeNextEpisode EdgeType = "NEXT_EPISODE"
	EdgeAppliesTo   EdgeType = "APPLIES_TO"
	EdgeBelongsTo   EdgeType = "BELONGS_TO"
	EdgeDependsOn   EdgeType = "DEPENDS_ON"
	EdgeDocDescribe EdgeType = "DOC_DESCRIBES"
	EdgeSectionOf   EdgeType = "SECTION_OF"
	EdgeViolates    EdgeType = "VIOLATES_RULE"
)

// Node is a labeled property-graph node.
//
// Every code node carries ProjectID. IDs for code nodes are of the form
// <project_id>:<kind>:<local>; non-code labels may use free-form ids.
type Node struct {
	ID        string         `json:"id"`
	Label     Label          `json:"label"`
	ProjectID string         `json:"project_id"`
	Props     map[string]any `json:"props,omitempty"`

	// ValidFrom is the epoch-millisecond timestamp of the last write.
	ValidFrom int64 `json:"valid_from"`

	// ContentHash is set on code nodes and stamps the content version the
	// node was built from.
	ContentHash string `json:"content_hash,omitempty"`

	// SCIPID is an optional structured symbol identifier (file::func).
	SCIPID string `json:"scip_id,omitempty"`
}

// Prop returns a string property, or "" when absent.
func (n *Node) Prop(key string) string {
	if n.Props == nil {
		return ""
	}
	if v, ok := n.Props[key]; ok {
		return AnyToString(v)
	}
	return ""
}

// PropInt64 returns an integer property with numeric narrowing, or 0.
func (n *Node) PropInt64(key string) int64 {
	if n.Props == nil {
		return 0
	}
	v, ok := n.Props[key]
	if !ok {
		return 0
	}
	i, _ := NarrowInt64(v)
	return i
}

// Edge is a directed, typed edge. From and To must share a project.
// At most one edge exists per (from, to, type) tuple.
type Edge struct {
	FromID    string         `json:"from_id"`
	ToID      string         `json:"to_id"`
	Type      EdgeType       `json:"type"`
	ProjectID string         `json:"project_id"`
	Props     map[string]any `json:"props,omitempty"`
}

// QueryResult is the row-oriented result of a raw store query.
type QueryResult struct {
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
}

// ScoredNode is a node paired with a retrieval score.
type ScoredNode struct {
	Node  *Node
	Score float64
}

// SymbolName extracts the symbol name from a code node id.
//
// Code ids commonly arrive as basename:name:lineNumber; when the final
// segment is purely numeric the name is the second-to-last segment,
// otherwise it is the last segment.
func SymbolName(id string) string {
	parts := strings.Split(id, ":")
	if len(parts) == 0 {
		return id
	}
	last := parts[len(parts)-1]
	if len(parts) >= 2 && isNumeric(last) {
		return parts[len(parts)-2]
	}
	return last
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NarrowInt64 narrows an integer-valued numeric returned by the graph
// store driver to int64 with explicit bounds checks. Float values are
// accepted only when they carry an exact integer.
func NarrowInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > 1<<62 {
			return 0, fmt.Errorf("integer out of range: %d", n)
		}
		return int64(n), nil
	case float64:
		i := int64(n)
		if float64(i) != n {
			return 0, fmt.Errorf("non-integral numeric: %v", n)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric string %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// AnyToString converts a driver value to a display string.
func AnyToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
