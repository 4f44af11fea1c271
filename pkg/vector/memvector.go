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

package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemStore is the embedded in-memory vector store used by standalone
// deployments and tests. Brute-force cosine search; fine for the
// per-project symbol counts the server targets.
type MemStore struct {
	mu          sync.RWMutex
	collections map[string]map[uint32]Point
}

// NewMemStore creates an empty in-memory vector store.
func NewMemStore() *MemStore {
	return &MemStore{collections: make(map[string]map[uint32]Point)}
}

// Upsert writes points; same id replaces the previous point.
func (m *MemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collection]
	if !ok {
		col = make(map[uint32]Point, len(points))
		m.collections[collection] = col
	}
	for _, p := range points {
		if len(p.Vector) == 0 {
			return fmt.Errorf("vector: empty vector for point %d", p.ID)
		}
		col[p.ID] = clonePoint(p)
	}
	return nil
}

// Search performs filtered cosine k-NN, mapping hits back to original
// string ids from payload.
func (m *MemStore) Search(ctx context.Context, collection string, vec []float32, k int, filter Filter) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	col := m.collections[collection]
	var hits []Hit
	for _, p := range col {
		if !matches(p.Payload, filter) {
			continue
		}
		score := Cosine(vec, p.Vector)
		orig, _ := p.Payload[PayloadOriginalID].(string)
		hits = append(hits, Hit{OriginalID: orig, Score: score, Payload: clonePayload(p.Payload)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].OriginalID < hits[j].OriginalID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// DeleteByFilter removes matching points.
func (m *MemStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collections[collection]
	for id, p := range col {
		if matches(p.Payload, filter) {
			delete(col, id)
		}
	}
	return nil
}

// CountByFilter counts matching points.
func (m *MemStore) CountByFilter(ctx context.Context, collection string, filter Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.collections[collection] {
		if matches(p.Payload, filter) {
			n++
		}
	}
	return n, nil
}

// IsConnected always reports true for the embedded store.
func (m *MemStore) IsConnected(ctx context.Context) bool { return true }

func matches(payload map[string]any, f Filter) bool {
	for k, want := range f.Must {
		got, ok := payload[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// Cosine computes cosine similarity; 0 when either vector is zero or
// dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clonePoint(p Point) Point {
	cp := p
	cp.Vector = append([]float32(nil), p.Vector...)
	cp.Payload = clonePayload(p.Payload)
	return cp
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return cp
}
