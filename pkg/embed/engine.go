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

package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/session"
	"github.com/kraklabs/cis/pkg/vector"
)

// upsertBatchSize bounds points per vector store write.
const upsertBatchSize = 128

// maxEmbedChars truncates code text before embedding. Embedding models
// have token limits and code tokenizes poorly; 2000 chars is a safe
// bound.
const maxEmbedChars = 2000

// RetryConfig tunes retry/backoff for provider calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Engine generates embeddings for code nodes and maintains the vector
// collection. It also serves as the build's embedding hook.
type Engine struct {
	provider Provider
	vectors  vector.Store
	workers  int
	// sem bounds concurrent provider calls independently of the worker
	// count, so a slow provider cannot be swamped.
	sem    *semaphore.Weighted
	logger *slog.Logger
	retry  RetryConfig

	// cacheMu guards cache: per-project embeddings retained for cosine
	// fallback search when the vector store is empty or unreachable.
	cacheMu sync.RWMutex
	cache   map[string]map[string]cachedPoint
}

type cachedPoint struct {
	vec     []float32
	payload map[string]any
}

// NewEngine creates the embedding engine. maxInFlight <= 0 defaults to
// the worker count.
func NewEngine(provider Provider, vectors vector.Store, workers, maxInFlight int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if maxInFlight <= 0 {
		maxInFlight = workers
	}
	return &Engine{
		provider: provider,
		vectors:  vectors,
		workers:  workers,
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
		logger:   logger,
		retry:    RetryConfig{MaxRetries: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2.0},
		cache:    make(map[string]map[string]cachedPoint),
	}
}

// SetRetryConfig overrides retry behavior. Zero values get sane
// defaults to avoid busy loops.
func (e *Engine) SetRetryConfig(cfg RetryConfig) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.Multiplier <= 1.0 {
		cfg.Multiplier = 2.0
	}
	e.retry = cfg
}

// Provider exposes the configured provider (query embedding shares it).
func (e *Engine) Provider() Provider { return e.provider }

// Name implements build.Hook.
func (e *Engine) Name() string { return "embedding-generation" }

// AfterBuild implements build.Hook: embed the nodes the build changed.
// Embedding failures degrade to warnings; the graph is already
// committed by the time this runs.
func (e *Engine) AfterBuild(ctx context.Context, pc session.ProjectContext, out *build.Outcome) error {
	if e.vectors == nil || len(out.ChangedNodes) == 0 {
		return nil
	}
	res := e.EmbedNodes(ctx, pc.ProjectID, out.ChangedNodes)
	if res.Errors > 0 {
		return fmt.Errorf("%d of %d embeddings failed", res.Errors, len(out.ChangedNodes))
	}
	return nil
}

// EmbedResult summarizes one embedding pass.
type EmbedResult struct {
	// Embedded counts points written to the vector store.
	Embedded int

	// Errors counts nodes whose embedding failed after retries.
	Errors int

	// Truncated counts nodes whose text exceeded the embed cap.
	Truncated int
}

// EmbedNodes embeds the given nodes on a worker pool and upserts the
// points under the project payload. Per-node failures are counted, not
// fatal.
func (e *Engine) EmbedNodes(ctx context.Context, projectID string, nodes []*graph.Node) *EmbedResult {
	res := &EmbedResult{}
	if len(nodes) == 0 {
		return res
	}

	points := make([]*vector.Point, len(nodes))
	var errCount, truncCount int32

	jobs := make(chan int, len(nodes))
	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				pt, truncated, err := e.embedNode(ctx, projectID, nodes[i])
				if err != nil {
					atomic.AddInt32(&errCount, 1)
					continue
				}
				if truncated {
					atomic.AddInt32(&truncCount, 1)
				}
				points[i] = pt
			}
		}()
	}
	for i := range nodes {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var batch []vector.Point
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := e.vectors.Upsert(ctx, vector.Collection, batch); err != nil {
			e.logger.Error("embed.upsert.failed", "project_id", projectID, "points", len(batch), "err", err)
			atomic.AddInt32(&errCount, int32(len(batch)))
		} else {
			res.Embedded += len(batch)
		}
		batch = batch[:0]
	}
	for _, pt := range points {
		if pt == nil {
			continue
		}
		batch = append(batch, *pt)
		if len(batch) >= upsertBatchSize {
			flush()
		}
	}
	flush()

	res.Errors = int(errCount)
	res.Truncated = int(truncCount)
	if res.Errors > 0 || res.Truncated > 0 {
		e.logger.Info("embed.summary",
			"project_id", projectID,
			"total", len(nodes),
			"embedded", res.Embedded,
			"errors", res.Errors,
			"truncated", res.Truncated,
		)
	}
	return res
}

func (e *Engine) embedNode(ctx context.Context, projectID string, n *graph.Node) (*vector.Point, bool, error) {
	text := NodeText(n)
	truncated := false
	if len(text) > maxEmbedChars {
		text = text[:maxEmbedChars]
		truncated = true
	}

	vec, err := e.embedWithRetry(ctx, text)
	if err != nil {
		e.logger.Error("embed.node.failed", "node_id", n.ID, "err", err)
		return nil, truncated, err
	}

	payload := map[string]any{
		vector.PayloadOriginalID: n.ID,
		vector.PayloadProjectID:  projectID,
		"label":                  string(n.Label),
		"name":                   n.Prop("name"),
		"path":                   n.Prop("path"),
	}
	e.rememberPoint(projectID, n.ID, vec, payload)
	return &vector.Point{
		ID:      vector.PointID(n.ID),
		Vector:  vec,
		Payload: payload,
	}, truncated, nil
}

// rememberPoint retains the embedding for fallback search. Entries are
// kept even when the upsert later fails; that is the case the fallback
// exists for.
func (e *Engine) rememberPoint(projectID, id string, vec []float32, payload map[string]any) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	m, ok := e.cache[projectID]
	if !ok {
		m = make(map[string]cachedPoint)
		e.cache[projectID] = m
	}
	m[id] = cachedPoint{vec: vec, payload: payload}
}

// FindSimilar ranks the project's cached embeddings by cosine
// similarity. It answers retrieval when the vector store yields
// nothing: the cache holds every point this process embedded. Stale
// entries for vanished nodes are the caller's problem; the retriever
// drops ids the graph no longer knows.
func (e *Engine) FindSimilar(projectID string, vec []float32, k int) []vector.Hit {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	m := e.cache[projectID]
	if len(m) == 0 || k <= 0 {
		return nil
	}
	hits := make([]vector.Hit, 0, len(m))
	for id, cp := range m {
		hits = append(hits, vector.Hit{OriginalID: id, Score: cosine(vec, cp.vec), Payload: cp.payload})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].OriginalID < hits[j].OriginalID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
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

// EmbedQuery embeds a retrieval query with the provider's query
// formatting.
func (e *Engine) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return e.embedWithRetry(ctx, QueryText(e.provider, query))
}

func (e *Engine) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	var vec []float32
	var err error
	for attempt := 0; attempt < e.retry.MaxRetries; attempt++ {
		vec, err = e.provider.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if !isRetryableError(err) || attempt == e.retry.MaxRetries-1 {
			break
		}
		sleep := backoffWithJitter(e.retry.InitialBackoff, attempt, e.retry.Multiplier, e.retry.MaxBackoff)
		e.logger.Warn("embed.retry", "attempt", attempt+1, "sleep_ms", sleep.Milliseconds(), "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, err
}

// backoffWithJitter returns exponential backoff with full jitter.
func backoffWithJitter(base time.Duration, attempt int, mult float64, capDur time.Duration) time.Duration {
	exp := float64(base)
	for i := 0; i < attempt; i++ {
		exp *= mult
	}
	d := time.Duration(exp)
	if d > capDur {
		d = capDur
	}
	if d <= 0 {
		return base
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// NodeText builds the embedding text for a code node: name, signature,
// scope, and path joined in a stable order.
func NodeText(n *graph.Node) string {
	parts := make([]string, 0, 4)
	if v := n.Prop("name"); v != "" {
		parts = append(parts, v)
	}
	if v := n.Prop("signature"); v != "" {
		parts = append(parts, v)
	}
	if v := n.Prop("scope_path"); v != "" {
		parts = append(parts, v)
	}
	if v := n.Prop("path"); v != "" {
		parts = append(parts, v)
	}
	if len(parts) == 0 {
		return n.ID
	}
	return strings.Join(parts, "\n")
}
