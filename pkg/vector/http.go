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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPStore talks to a Qdrant-compatible vector database over its REST
// API. All requests carry the caller's context; the client itself is
// stateless and safe for concurrent use.
type HTTPStore struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPStore creates a client for the given base URL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (h *HTTPStore) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("api-key", h.APIKey)
	}
	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("vector store request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector store error (status %d): %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func filterJSON(f Filter) map[string]any {
	var must []map[string]any
	for k, v := range f.Must {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}

// Upsert writes points via PUT /collections/<c>/points.
func (h *HTTPStore) Upsert(ctx context.Context, collection string, points []Point) error {
	payload := make([]map[string]any, 0, len(points))
	for _, p := range points {
		payload = append(payload, map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}
	return h.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", collection),
		map[string]any{"points": payload}, nil)
}

// Search runs filtered cosine k-NN via POST /collections/<c>/points/search.
func (h *HTTPStore) Search(ctx context.Context, collection string, vec []float32, k int, filter Filter) ([]Hit, error) {
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	req := map[string]any{
		"vector":       vec,
		"limit":        k,
		"with_payload": true,
	}
	if len(filter.Must) > 0 {
		req["filter"] = filterJSON(filter)
	}
	err := h.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/search", collection), req, &resp)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		orig, _ := r.Payload[PayloadOriginalID].(string)
		hits = append(hits, Hit{OriginalID: orig, Score: r.Score, Payload: r.Payload})
	}
	return hits, nil
}

// DeleteByFilter removes matching points via the points/delete endpoint.
func (h *HTTPStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	return h.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/delete?wait=true", collection),
		map[string]any{"filter": filterJSON(filter)}, nil)
}

// CountByFilter counts matching points via the points/count endpoint.
func (h *HTTPStore) CountByFilter(ctx context.Context, collection string, filter Filter) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := h.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/count", collection),
		map[string]any{"filter": filterJSON(filter), "exact": true}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// IsConnected probes the service root with a short deadline.
func (h *HTTPStore) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/readyz", nil)
	if err != nil {
		return false
	}
	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
