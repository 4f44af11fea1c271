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

// Package vector defines the adapter contract over the vector database
// and owns the string-to-integer id bridge.
//
// Vector stores accept only unsigned integer point ids. String node ids
// are hashed with a stable FNV-1a variant folded to 32 bits; the original
// string id travels in the payload under "original_id" and is the value
// every higher layer sees. Nothing above this package handles hashed ids.
package vector

import "context"

// Collection is the single collection holding code node embeddings.
// Isolation is by payload filter, not by collection.
const Collection = "cis_nodes"

// PayloadOriginalID is the payload key preserving the string node id.
const PayloadOriginalID = "original_id"

// PayloadProjectID is the payload key carrying project scope.
const PayloadProjectID = "project_id"

// Point is one embedding with its payload.
type Point struct {
	// ID is the hashed point id. Computed by PointID; callers outside
	// this package should treat it as opaque.
	ID uint32

	Vector  []float32
	Payload map[string]any
}

// Filter is a conjunctive payload equality filter.
type Filter struct {
	Must map[string]any
}

// Hit is a search result mapped back to the original string id.
type Hit struct {
	OriginalID string
	Score      float64
	Payload    map[string]any
}

// Store is the adapter contract over the vector database. Implementations
// must be safe for concurrent use.
type Store interface {
	// Upsert writes points into the collection; same id replaces.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search runs cosine k-NN with a payload filter.
	Search(ctx context.Context, collection string, vec []float32, k int, filter Filter) ([]Hit, error)

	// DeleteByFilter removes every point matching the filter.
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error

	// CountByFilter counts points matching the filter.
	CountByFilter(ctx context.Context, collection string, filter Filter) (int, error)

	// IsConnected reports connection health.
	IsConnected(ctx context.Context) bool
}

// PointID hashes a string node id to a stable unsigned 32-bit point id
// (FNV-1a). The ~4e9 range against <=1e5 symbols per project makes the
// collision probability negligible.
func PointID(originalID string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(originalID); i++ {
		h ^= uint32(originalID[i])
		h *= prime32
	}
	return h
}

// ProjectFilter returns the filter scoping a search to one project.
func ProjectFilter(projectID string) Filter {
	return Filter{Must: map[string]any{PayloadProjectID: projectID}}
}
