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

// Package retrieve answers natural-language queries by fusing three
// project-scoped signals: vector k-NN, lexical scoring, and
// personalized-pagerank graph expansion, merged with reciprocal rank
// fusion.
package retrieve

import (
	"context"
	"sort"
	"strings"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/pkg/embed"
	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
	"github.com/kraklabs/cis/pkg/vector"
)

// rrfK is the standard reciprocal-rank-fusion constant.
const rrfK = 60.0

// Mode selects the expansion radius.
type Mode string

const (
	// ModeLocal expands two hops around the seeds.
	ModeLocal Mode = "local"

	// ModeGlobal expands three hops and follows community membership.
	ModeGlobal Mode = "global"
)

// Retrieval mode annotations on the response.
const (
	AnnotationHybrid          = "hybrid"
	AnnotationLexicalFallback = "lexical_fallback"
)

// Options is one retrieval request.
type Options struct {
	Query     string
	ProjectID string
	Mode      Mode
	Limit     int
}

// Candidate is a fused hit with its per-signal scores.
type Candidate struct {
	ID           string      `json:"id"`
	Score        float64     `json:"score"`
	VectorScore  float64     `json:"vector_score,omitempty"`
	LexicalScore float64     `json:"lexical_score,omitempty"`
	GraphScore   float64     `json:"graph_score,omitempty"`
	Node         *graph.Node `json:"-"`
}

// Response is the ranked answer plus the retrieval mode annotation.
type Response struct {
	Hits []Candidate `json:"hits"`

	// Mode is "hybrid", or "lexical_fallback" when the vector leg
	// contributed nothing.
	Mode string `json:"mode"`
}

// Retriever fuses the three retrieval legs. Stateless; per-call state
// comes from the index registry.
type Retriever struct {
	store    graph.Store
	vectors  vector.Store
	engine   *embed.Engine
	registry *index.Registry
	logger   *slog.Logger
}

// New creates a retriever. vectors and engine may be nil for
// deployments without a vector store; retrieval then runs lexical+graph
// only.
func New(store graph.Store, vectors vector.Store, engine *embed.Engine, registry *index.Registry, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, vectors: vectors, engine: engine, registry: registry, logger: logger}
}

// Query runs hybrid retrieval.
func (r *Retriever) Query(ctx context.Context, opts Options) (*Response, error) {
	terms := Tokenize(opts.Query)
	if !hasUsableTerm(terms) {
		return nil, errors.New(errors.KindQueryTooShort, "query has no token longer than 2 characters").
			WithData("query", opts.Query)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}

	idx, err := r.registry.Get(ctx, opts.ProjectID)
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}

	// Vector and lexical legs are independent; run them in parallel.
	// Leg failures degrade, they do not abort.
	var vRanked, bRanked []graph.ScoredNode
	var vErr, bErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vRanked, vErr = r.vectorLeg(gctx, opts, idx)
		return nil
	})
	g.Go(func() error {
		bRanked, bErr = r.lexicalLeg(gctx, opts, idx)
		return nil
	})
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, errors.Wrap(errors.KindTimeout, "retrieval deadline exceeded", ctx.Err())
	}

	if vErr != nil {
		r.logger.Warn("retrieve.vector.failed", "project_id", opts.ProjectID, "err", vErr)
	}
	if bErr != nil {
		r.logger.Warn("retrieve.lexical.failed", "project_id", opts.ProjectID, "err", bErr)
	}

	// Graph expansion seeds on the union of the first two legs.
	seeds := seedIDs(vRanked, bRanked, 8)
	gRanked := r.graphLeg(idx, seeds, opts.Mode)

	if vErr != nil && bErr != nil && len(gRanked) == 0 {
		return nil, errors.New(errors.KindRetrievalUnavailable, "all retrieval signals failed").
			WithData("vector_error", vErr.Error()).
			WithData("lexical_error", bErr.Error())
	}

	hits := fuse(vRanked, bRanked, gRanked, opts.Limit, idx)

	mode := AnnotationHybrid
	if len(vRanked) == 0 {
		mode = AnnotationLexicalFallback
	}
	return &Response{Hits: hits, Mode: mode}, nil
}

// SemanticSearch is the vector-only leg exposed as its own tool.
func (r *Retriever) SemanticSearch(ctx context.Context, opts Options) (*Response, error) {
	terms := Tokenize(opts.Query)
	if !hasUsableTerm(terms) {
		return nil, errors.New(errors.KindQueryTooShort, "query has no token longer than 2 characters")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	idx, err := r.registry.Get(ctx, opts.ProjectID)
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}
	ranked, err := r.vectorLeg(ctx, opts, idx)
	if err != nil {
		return nil, errors.Wrap(errors.KindRetrievalUnavailable, "vector search failed", err)
	}
	var hits []Candidate
	for _, sn := range ranked {
		if len(hits) >= opts.Limit {
			break
		}
		hits = append(hits, Candidate{ID: sn.Node.ID, Score: sn.Score, VectorScore: sn.Score, Node: sn.Node})
	}
	return &Response{Hits: hits, Mode: "vector"}, nil
}

func (r *Retriever) vectorLeg(ctx context.Context, opts Options, idx *index.InMemoryIndex) ([]graph.ScoredNode, error) {
	if r.vectors == nil || r.engine == nil {
		return nil, nil
	}
	qv, err := r.engine.EmbedQuery(ctx, opts.Query)
	if err != nil {
		return nil, err
	}
	k := opts.Limit * 3
	if k < 10 {
		k = 10
	}
	hits, err := r.vectors.Search(ctx, vector.Collection, qv, k, vector.ProjectFilter(opts.ProjectID))
	if err != nil || len(hits) == 0 {
		// Store empty or unreachable: cosine search over the engine's
		// per-project embedding cache.
		if cached := r.engine.FindSimilar(opts.ProjectID, qv, k); len(cached) > 0 {
			if err != nil {
				r.logger.Warn("retrieve.vector.fallback", "project_id", opts.ProjectID, "err", err)
			}
			hits, err = cached, nil
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]graph.ScoredNode, 0, len(hits))
	for _, h := range hits {
		n := idx.GetNode(h.OriginalID)
		if n == nil {
			// Vector hit for a node the graph no longer has; skip.
			continue
		}
		out = append(out, graph.ScoredNode{Node: n, Score: h.Score})
	}
	return out, nil
}

func (r *Retriever) lexicalLeg(ctx context.Context, opts Options, idx *index.InMemoryIndex) ([]graph.ScoredNode, error) {
	k := opts.Limit * 3
	if k < 10 {
		k = 10
	}
	ranked, err := r.store.TextSearch(ctx, opts.ProjectID, opts.Query, k)
	if err == nil {
		return filterLexical(ranked), nil
	}
	if err != graph.ErrUnsupported {
		return nil, err
	}
	// Deterministic local IDF scorer over the project index.
	return LexicalScore(idx, opts.Query, k), nil
}

func (r *Retriever) graphLeg(idx *index.InMemoryIndex, seeds []string, mode Mode) []graph.ScoredNode {
	if len(seeds) == 0 {
		return nil
	}
	hops := 2
	if mode == ModeGlobal {
		hops = 3
	}
	return PersonalizedPageRank(idx, seeds, hops, mode == ModeGlobal)
}

func seedIDs(v, b []graph.ScoredNode, m int) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(list []graph.ScoredNode) {
		for _, sn := range list {
			if len(out) >= m {
				return
			}
			if !seen[sn.Node.ID] {
				seen[sn.Node.ID] = true
				out = append(out, sn.Node.ID)
			}
		}
	}
	add(v)
	add(b)
	return out
}

// fuse merges the three ranked lists with RRF. Ties break on vector
// score, then lexical score, then id.
func fuse(v, b, g []graph.ScoredNode, limit int, idx *index.InMemoryIndex) []Candidate {
	byID := make(map[string]*Candidate)
	get := func(id string) *Candidate {
		c, ok := byID[id]
		if !ok {
			c = &Candidate{ID: id, Node: idx.GetNode(id)}
			byID[id] = c
		}
		return c
	}

	for rank, sn := range v {
		c := get(sn.Node.ID)
		c.Score += 1.0 / (rrfK + float64(rank+1))
		c.VectorScore = sn.Score
	}
	for rank, sn := range b {
		c := get(sn.Node.ID)
		c.Score += 1.0 / (rrfK + float64(rank+1))
		c.LexicalScore = sn.Score
	}
	for rank, sn := range g {
		c := get(sn.Node.ID)
		c.Score += 1.0 / (rrfK + float64(rank+1))
		c.GraphScore = sn.Score
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		if c.Node == nil {
			continue
		}
		// Transaction bookkeeping never surfaces in retrieval.
		if c.Node.Label == graph.LabelTransaction {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].VectorScore != out[j].VectorScore {
			return out[i].VectorScore > out[j].VectorScore
		}
		if out[i].LexicalScore != out[j].LexicalScore {
			return out[i].LexicalScore > out[j].LexicalScore
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Tokenize lowercases and splits on non-identifier runes.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
}

func hasUsableTerm(terms []string) bool {
	for _, t := range terms {
		if len(t) > 2 {
			return true
		}
	}
	return false
}
