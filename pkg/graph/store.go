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

package graph

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by stores that do not implement an optional
// capability (raw query language, text search). Callers fall back to a
// local implementation.
var ErrUnsupported = errors.New("graph: capability unsupported by store")

// ErrNotFound is returned when a node addressed by id does not exist
// within the requested project scope.
var ErrNotFound = errors.New("graph: node not found")

// Mutation is a single batched write: either a node or an edge upsert.
// Exactly one of Node and Edge is set.
type Mutation struct {
	Node *Node
	Edge *Edge
}

// BatchResult reports per-statement outcomes of a batch execution.
type BatchResult struct {
	NodesWritten int
	EdgesWritten int
	Errors       []error
}

// Store is the adapter contract over the labeled-property-graph database.
//
// All reads filter by project id. Writes use MERGE semantics: nodes are
// keyed on (label, id) with properties set unconditionally, edges are
// keyed on (from, to, type). Implementations must be safe for use from
// many goroutines.
type Store interface {
	// UpsertNodes merges the given nodes, refreshing valid_from.
	UpsertNodes(ctx context.Context, nodes []*Node) error

	// UpsertEdges merges the given edges. Source and target must share
	// project id; edges referencing missing endpoints are rejected.
	UpsertEdges(ctx context.Context, edges []*Edge) error

	// ExecuteBatch applies mutations inside one transaction boundary.
	ExecuteBatch(ctx context.Context, muts []Mutation) (*BatchResult, error)

	// GetNode returns a node by id within the project scope, or
	// ErrNotFound.
	GetNode(ctx context.Context, projectID, id string) (*Node, error)

	// NodesByLabel returns all project nodes carrying the label.
	NodesByLabel(ctx context.Context, projectID string, label Label) ([]*Node, error)

	// FindNodes returns project nodes carrying the label whose properties
	// equal every entry in propEquals. A nil map matches all.
	FindNodes(ctx context.Context, projectID string, label Label, propEquals map[string]any) ([]*Node, error)

	// UpdateNodeProps merges props into an existing node without
	// touching valid_from. Returns ErrNotFound for unknown ids.
	UpdateNodeProps(ctx context.Context, projectID, id string, props map[string]any) error

	// EdgesFrom returns outgoing edges of a node within the project.
	EdgesFrom(ctx context.Context, projectID, id string) ([]*Edge, error)

	// EdgesTo returns incoming edges of a node within the project.
	EdgesTo(ctx context.Context, projectID, id string) ([]*Edge, error)

	// DeleteNodes removes the given nodes and their incident edges
	// within the project. Unknown ids are ignored.
	DeleteNodes(ctx context.Context, projectID string, ids []string) error

	// DeleteProject removes every node and edge belonging to the
	// project. Used only by explicit full rebuilds.
	DeleteProject(ctx context.Context, projectID string) error

	// TextSearch runs the store's lexical search primitive over the
	// project, or returns ErrUnsupported.
	TextSearch(ctx context.Context, projectID, query string, limit int) ([]ScoredNode, error)

	// ExecuteQuery runs a raw parameterized query in the store's native
	// language, or returns ErrUnsupported. Parameters are never
	// concatenated into the query text by callers.
	ExecuteQuery(ctx context.Context, query string, params map[string]any) (*QueryResult, error)

	// IsConnected reports connection health.
	IsConnected(ctx context.Context) bool
}
