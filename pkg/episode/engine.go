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

// Package episode implements append-only agent memory: episodes with
// entity linkage and temporal chaining, ranked recall, and reflection
// synthesis into LEARNING nodes.
package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/pkg/graph"
)

const (
	// maxEntities caps entity links per episode.
	maxEntities = 100

	// maxCandidates bounds the recall candidate set.
	maxCandidates = 200

	// maxRecallLimit bounds the recall result size.
	maxRecallLimit = 50

	// Recall score weights: lexical, temporal, entity overlap.
	weightLexical = 0.5
	weightAge     = 0.3
	weightEntity  = 0.2

	// ageDecayPerDay is the exponent factor of the temporal score
	// exp(-ageDecayPerDay * age_days).
	ageDecayPerDay = 0.05
)

// TypeReflection marks synthesized reflection episodes.
const TypeReflection = "REFLECTION"

// AddInput is one new episode.
type AddInput struct {
	AgentID   string   `json:"agent_id"`
	SessionID string   `json:"session_id,omitempty"`
	Type      string   `json:"type,omitempty"`
	Content   string   `json:"content"`
	TaskID    string   `json:"task_id,omitempty"`
	Entities  []string `json:"entities,omitempty"`
	Sensitive bool     `json:"sensitive,omitempty"`

	// Timestamp defaults to now when zero (epoch millis).
	Timestamp int64 `json:"timestamp,omitempty"`
}

// RecallQuery filters and ranks episodes.
type RecallQuery struct {
	Query   string   `json:"query"`
	AgentID string   `json:"agent_id,omitempty"`
	TaskID  string   `json:"task_id,omitempty"`
	Types   []string `json:"types,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Episode is the engine's view of an EPISODE node.
type Episode struct {
	ID        string   `json:"id"`
	AgentID   string   `json:"agent_id"`
	SessionID string   `json:"session_id,omitempty"`
	Type      string   `json:"type,omitempty"`
	Content   string   `json:"content"`
	TaskID    string   `json:"task_id,omitempty"`
	Entities  []string `json:"entities,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Score     float64  `json:"score,omitempty"`
}

// EntityPattern is one dominant entity in a reflection.
type EntityPattern struct {
	Entity string `json:"entity"`
	Count  int    `json:"count"`
}

// Reflection is the outcome of Reflect.
type Reflection struct {
	EpisodeID   string          `json:"episode_id"`
	Content     string          `json:"content"`
	Patterns    []EntityPattern `json:"patterns"`
	LearningIDs []string        `json:"learning_ids,omitempty"`
}

// Engine implements episode memory over the graph store.
type Engine struct {
	store  graph.Store
	logger *slog.Logger
}

// New creates the episode engine.
func New(store graph.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Add appends an episode: INVOLVES edges to entities that exist in the
// project, NEXT_EPISODE from the previous episode of the same
// (agent_id, session_id).
func (e *Engine) Add(ctx context.Context, projectID string, in AddInput) (string, error) {
	if in.AgentID == "" {
		return "", errors.InvalidArguments("agent_id is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return "", errors.InvalidArguments("content is required")
	}
	entities := in.Entities
	if len(entities) > maxEntities {
		entities = entities[:maxEntities]
	}
	ts := in.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	// Find the chain predecessor before writing, so the new episode
	// cannot be its own predecessor.
	prev, err := e.latestInChain(ctx, projectID, in.AgentID, in.SessionID)
	if err != nil {
		return "", errors.StoreUnavailable("graph", err)
	}

	id := fmt.Sprintf("%s:episode:%s", projectID, uuid.NewString())
	node := &graph.Node{
		ID:        id,
		Label:     graph.LabelEpisode,
		ProjectID: projectID,
		Props: map[string]any{
			"agent_id":   in.AgentID,
			"session_id": in.SessionID,
			"type":       in.Type,
			"content":    in.Content,
			"task_id":    in.TaskID,
			"entities":   encodeEntities(entities),
			"sensitive":  fmt.Sprintf("%t", in.Sensitive),
			"timestamp":  ts,
		},
		ValidFrom: ts,
	}
	if err := e.store.UpsertNodes(ctx, []*graph.Node{node}); err != nil {
		return "", errors.StoreUnavailable("graph", err)
	}

	var edges []*graph.Edge
	for _, entity := range entities {
		if _, err := e.store.GetNode(ctx, projectID, entity); err != nil {
			continue // entity ids that are not project nodes stay as text
		}
		edges = append(edges, &graph.Edge{FromID: id, ToID: entity, Type: graph.EdgeInvolves, ProjectID: projectID})
	}
	if prev != nil && prev.PropInt64("timestamp") <= ts {
		edges = append(edges, &graph.Edge{FromID: prev.ID, ToID: id, Type: graph.EdgeNextEpisode, ProjectID: projectID})
	}
	if len(edges) > 0 {
		if err := e.store.UpsertEdges(ctx, edges); err != nil {
			e.logger.Warn("episode.edges.failed", "episode_id", id, "err", err)
		}
	}

	e.logger.Debug("episode.added", "project_id", projectID, "episode_id", id, "agent_id", in.AgentID)
	return id, nil
}

// Recall ranks matching episodes by 0.5·lexical + 0.3·temporal +
// 0.2·entity overlap. Sensitive episodes are never returned.
func (e *Engine) Recall(ctx context.Context, projectID string, q RecallQuery) ([]Episode, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > maxRecallLimit {
		limit = maxRecallLimit
	}

	filter := map[string]any{}
	if q.AgentID != "" {
		filter["agent_id"] = q.AgentID
	}
	if q.TaskID != "" {
		filter["task_id"] = q.TaskID
	}
	nodes, err := e.store.FindNodes(ctx, projectID, graph.LabelEpisode, filter)
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}

	typeSet := make(map[string]bool, len(q.Types))
	for _, t := range q.Types {
		typeSet[t] = true
	}

	var candidates []*graph.Node
	for _, n := range nodes {
		if n.Prop("sensitive") == "true" {
			continue
		}
		if q.Since > 0 && n.PropInt64("timestamp") < q.Since {
			continue
		}
		if len(typeSet) > 0 && !typeSet[n.Prop("type")] {
			continue
		}
		candidates = append(candidates, n)
	}
	// Newest first, then cap the candidate set.
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := candidates[i].PropInt64("timestamp"), candidates[j].PropInt64("timestamp")
		if ti != tj {
			return ti > tj
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	queryTokens := tokenSet(q.Query)
	now := time.Now().UnixMilli()

	out := make([]Episode, 0, len(candidates))
	for _, n := range candidates {
		ep := fromNode(n)
		lexical := jaccard(queryTokens, tokenSet(ep.Content))
		entity := jaccard(queryTokens, tokenSet(strings.Join(ep.Entities, " ")))
		ageDays := float64(now-ep.Timestamp) / float64(24*time.Hour/time.Millisecond)
		if ageDays < 0 {
			ageDays = 0
		}
		temporal := math.Exp(-ageDecayPerDay * ageDays)
		ep.Score = weightLexical*lexical + weightAge*temporal + weightEntity*entity
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reflect synthesizes recent episodes into a REFLECTION episode and up
// to three LEARNING nodes linked to their dominant entities.
func (e *Engine) Reflect(ctx context.Context, projectID, agentID string) (*Reflection, error) {
	recent, err := e.Recall(ctx, projectID, RecallQuery{Query: "", AgentID: agentID, Limit: 20})
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, errors.NotFound("episode", agentID).
			WithFix("Add episodes for this agent before reflecting")
	}

	freq := make(map[string]int)
	for _, ep := range recent {
		for _, entity := range ep.Entities {
			if entity != "" {
				freq[entity]++
			}
		}
	}
	patterns := make([]EntityPattern, 0, len(freq))
	for entity, count := range freq {
		patterns = append(patterns, EntityPattern{Entity: entity, Count: count})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Entity < patterns[j].Entity
	})
	if len(patterns) > 5 {
		patterns = patterns[:5]
	}

	var desc strings.Builder
	fmt.Fprintf(&desc, "Reflection over %d episodes for %s.", len(recent), agentID)
	for _, p := range patterns {
		fmt.Fprintf(&desc, " %s appeared %d times.", p.Entity, p.Count)
	}

	reflectionID, err := e.Add(ctx, projectID, AddInput{
		AgentID: agentID,
		Type:    TypeReflection,
		Content: desc.String(),
	})
	if err != nil {
		return nil, err
	}

	refl := &Reflection{EpisodeID: reflectionID, Content: desc.String(), Patterns: patterns}
	now := time.Now().UnixMilli()
	for i, p := range patterns {
		if i >= 3 {
			break
		}
		learningID := fmt.Sprintf("%s:learning:%s", projectID, uuid.NewString())
		node := &graph.Node{
			ID:        learningID,
			Label:     graph.LabelLearning,
			ProjectID: projectID,
			Props: map[string]any{
				"agent_id": agentID,
				"content":  fmt.Sprintf("Work for %s concentrates on %s (%d mentions)", agentID, p.Entity, p.Count),
				"entity":   p.Entity,
			},
			ValidFrom: now,
		}
		if err := e.store.UpsertNodes(ctx, []*graph.Node{node}); err != nil {
			e.logger.Warn("episode.learning.failed", "agent_id", agentID, "err", err)
			continue
		}
		if _, err := e.store.GetNode(ctx, projectID, p.Entity); err == nil {
			edge := &graph.Edge{FromID: learningID, ToID: p.Entity, Type: graph.EdgeAppliesTo, ProjectID: projectID}
			if err := e.store.UpsertEdges(ctx, []*graph.Edge{edge}); err != nil {
				e.logger.Warn("episode.learning.edge.failed", "learning_id", learningID, "err", err)
			}
		}
		refl.LearningIDs = append(refl.LearningIDs, learningID)
	}

	e.logger.Info("episode.reflected",
		"project_id", projectID,
		"agent_id", agentID,
		"episodes", len(recent),
		"learnings", len(refl.LearningIDs),
	)
	return refl, nil
}

func (e *Engine) latestInChain(ctx context.Context, projectID, agentID, sessionID string) (*graph.Node, error) {
	nodes, err := e.store.FindNodes(ctx, projectID, graph.LabelEpisode, map[string]any{
		"agent_id":   agentID,
		"session_id": sessionID,
	})
	if err != nil {
		return nil, err
	}
	var latest *graph.Node
	for _, n := range nodes {
		if latest == nil || n.PropInt64("timestamp") > latest.PropInt64("timestamp") {
			latest = n
		}
	}
	return latest, nil
}

func fromNode(n *graph.Node) Episode {
	ep := Episode{
		ID:        n.ID,
		AgentID:   n.Prop("agent_id"),
		SessionID: n.Prop("session_id"),
		Type:      n.Prop("type"),
		Content:   n.Prop("content"),
		TaskID:    n.Prop("task_id"),
		Timestamp: n.PropInt64("timestamp"),
	}
	ep.Entities = decodeEntities(n.Prop("entities"))
	return ep
}

// Entities persist as a JSON array so ids containing the old comma
// separator survive the round trip.
func encodeEntities(entities []string) string {
	if len(entities) == 0 {
		return ""
	}
	b, err := json.Marshal(entities)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeEntities(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out
	}
	// Nodes written before the JSON encoding carry a comma-joined list.
	return strings.Split(raw, ",")
}

func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_' || r == '.')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f != "" {
			set[f] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
