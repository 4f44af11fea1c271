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

// Package coord implements the agent claim lifecycle: acquisition with
// conflict detection, idempotent release, staleness invalidation, and
// coordination overviews. All state lives in the graph store; the
// engine is stateless and safe for concurrent use.
package coord

import (
	"context"
	"fmt"
	"sort"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/pkg/graph"
)

// Claim statuses returned by Acquire. A conflict is a successful
// return, not an error.
const (
	StatusOK       = "ok"
	StatusConflict = "CONFLICT"
)

// Close reasons recorded on a claim's invalidation_reason property.
const (
	ReasonReleased      = "released"
	ReasonCodeChanged   = "code_changed"
	ReasonTaskCompleted = "task_completed"
	ReasonExpired       = "expired"
)

// unknownVersion marks a claim on a target the graph does not know yet.
// Forward claims are allowed; staleness never fires for them.
const unknownVersion = "unknown"

// ClaimInput is an acquisition request.
type ClaimInput struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
	TargetID  string `json:"target_id"`
	ClaimType string `json:"claim_type,omitempty"`
	Intent    string `json:"intent,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// Conflict describes the holder blocking an acquisition.
type Conflict struct {
	AgentID string `json:"agent_id"`
	Intent  string `json:"intent,omitempty"`
	Since   int64  `json:"since"`
}

// ClaimResult is the outcome of Acquire.
type ClaimResult struct {
	Status           string    `json:"status"`
	ClaimID          string    `json:"claim_id,omitempty"`
	TargetVersionSHA string    `json:"target_version_sha,omitempty"`
	Conflict         *Conflict `json:"conflict,omitempty"`
}

// ReleaseResult is the outcome of Release.
type ReleaseResult struct {
	Found         bool `json:"found"`
	AlreadyClosed bool `json:"already_closed"`
}

// Claim is the engine's view of a CLAIM node.
type Claim struct {
	ID                 string `json:"id"`
	AgentID            string `json:"agent_id"`
	TargetID           string `json:"target_id"`
	ClaimType          string `json:"claim_type,omitempty"`
	Intent             string `json:"intent,omitempty"`
	TaskID             string `json:"task_id,omitempty"`
	TargetVersionSHA   string `json:"target_version_sha,omitempty"`
	ValidFrom          int64  `json:"valid_from"`
	ValidTo            int64  `json:"valid_to,omitempty"`
	InvalidationReason string `json:"invalidation_reason,omitempty"`
}

// Open reports whether the claim is still held.
func (c Claim) Open() bool { return c.ValidTo == 0 }

// AgentStatus is the per-agent coordination view.
type AgentStatus struct {
	AgentID        string        `json:"agent_id"`
	ActiveClaims   []Claim       `json:"active_claims"`
	RecentEpisodes []*graph.Node `json:"recent_episodes"`
	CurrentTask    string        `json:"current_task,omitempty"`
}

// Overview is the project-wide coordination summary.
type Overview struct {
	Active       int            `json:"active"`
	Stale        int            `json:"stale"`
	Total        int            `json:"total"`
	ByAgent      map[string]int `json:"by_agent"`
	StaleTargets []string       `json:"stale_targets,omitempty"`
}

// Engine implements the claim lifecycle over the graph store.
type Engine struct {
	store  graph.Store
	logger *slog.Logger
}

// New creates the coordination engine.
func New(store graph.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Acquire opens a claim on the target. An OPEN claim by a different
// agent yields a CONFLICT result; re-claiming one's own target yields a
// fresh claim alongside the old one's closure.
func (e *Engine) Acquire(ctx context.Context, projectID string, in ClaimInput) (*ClaimResult, error) {
	if in.AgentID == "" || in.TargetID == "" {
		return nil, errors.InvalidArguments("agent_id and target_id are required")
	}

	open, err := e.openClaims(ctx, projectID, map[string]any{"target_id": in.TargetID})
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}
	for _, c := range open {
		if c.AgentID != in.AgentID {
			return &ClaimResult{
				Status: StatusConflict,
				Conflict: &Conflict{
					AgentID: c.AgentID,
					Intent:  c.Intent,
					Since:   c.ValidFrom,
				},
			}, nil
		}
	}
	// Re-claim by the holder: close the prior claim first so the
	// (target_id, agent_id) pair never carries two open claims.
	for _, c := range open {
		if err := e.closeClaim(ctx, projectID, c.ID, ReasonReleased); err != nil {
			return nil, err
		}
	}

	versionSHA := unknownVersion
	target, err := e.store.GetNode(ctx, projectID, in.TargetID)
	if err == nil {
		versionSHA = targetVersion(target)
	} else if err != graph.ErrNotFound {
		return nil, errors.StoreUnavailable("graph", err)
	}

	now := time.Now().UnixMilli()
	claimID := fmt.Sprintf("%s:claim:%s", projectID, uuid.NewString())
	node := &graph.Node{
		ID:        claimID,
		Label:     graph.LabelClaim,
		ProjectID: projectID,
		Props: map[string]any{
			"agent_id":           in.AgentID,
			"session_id":         in.SessionID,
			"target_id":          in.TargetID,
			"claim_type":         in.ClaimType,
			"intent":             in.Intent,
			"task_id":            in.TaskID,
			"target_version_sha": versionSHA,
		},
		ValidFrom: now,
	}
	if err := e.store.UpsertNodes(ctx, []*graph.Node{node}); err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}
	if target != nil {
		edge := &graph.Edge{FromID: claimID, ToID: in.TargetID, Type: graph.EdgeTargets, ProjectID: projectID}
		if err := e.store.UpsertEdges(ctx, []*graph.Edge{edge}); err != nil {
			e.logger.Warn("coord.claim.edge.failed", "claim_id", claimID, "err", err)
		}
	}

	e.logger.Info("coord.claim.acquired",
		"project_id", projectID,
		"claim_id", claimID,
		"agent_id", in.AgentID,
		"target_id", in.TargetID,
	)
	return &ClaimResult{Status: StatusOK, ClaimID: claimID, TargetVersionSHA: versionSHA}, nil
}

// Release closes a claim. Idempotent: a second release reports
// already_closed without mutating valid_to.
func (e *Engine) Release(ctx context.Context, projectID, claimID, outcome string) (*ReleaseResult, error) {
	node, err := e.store.GetNode(ctx, projectID, claimID)
	if err == graph.ErrNotFound {
		return &ReleaseResult{Found: false}, nil
	}
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}
	c := claimFromNode(node)
	if !c.Open() {
		return &ReleaseResult{Found: true, AlreadyClosed: true}, nil
	}

	props := map[string]any{
		"valid_to":            time.Now().UnixMilli(),
		"invalidation_reason": ReasonReleased,
	}
	if outcome != "" {
		props["outcome"] = outcome
	}
	if err := e.store.UpdateNodeProps(ctx, projectID, claimID, props); err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}
	e.logger.Info("coord.claim.released", "project_id", projectID, "claim_id", claimID)
	return &ReleaseResult{Found: true, AlreadyClosed: false}, nil
}

// InvalidateStale closes every open claim whose target changed after
// the claim opened, with reason code_changed. Runs as a post-build
// hook.
func (e *Engine) InvalidateStale(ctx context.Context, projectID string) (int, error) {
	open, err := e.openClaims(ctx, projectID, nil)
	if err != nil {
		return 0, errors.StoreUnavailable("graph", err)
	}
	count := 0
	for _, c := range open {
		target, err := e.store.GetNode(ctx, projectID, c.TargetID)
		if err == graph.ErrNotFound {
			continue // forward claim, nothing to compare against
		}
		if err != nil {
			return count, errors.StoreUnavailable("graph", err)
		}
		if target.ValidFrom <= c.ValidFrom {
			continue
		}
		if err := e.closeClaim(ctx, projectID, c.ID, ReasonCodeChanged); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		e.logger.Info("coord.claims.invalidated", "project_id", projectID, "count", count, "reason", ReasonCodeChanged)
	}
	return count, nil
}

// ExpireOld closes open claims older than maxAge with reason expired.
func (e *Engine) ExpireOld(ctx context.Context, projectID string, maxAge time.Duration) (int, error) {
	open, err := e.openClaims(ctx, projectID, nil)
	if err != nil {
		return 0, errors.StoreUnavailable("graph", err)
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	count := 0
	for _, c := range open {
		if c.ValidFrom >= cutoff {
			continue
		}
		if err := e.closeClaim(ctx, projectID, c.ID, ReasonExpired); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// OnTaskCompleted closes the agent's open claims bound to the task.
func (e *Engine) OnTaskCompleted(ctx context.Context, projectID, taskID, agentID string) (int, error) {
	open, err := e.openClaims(ctx, projectID, map[string]any{"task_id": taskID, "agent_id": agentID})
	if err != nil {
		return 0, errors.StoreUnavailable("graph", err)
	}
	count := 0
	for _, c := range open {
		if err := e.closeClaim(ctx, projectID, c.ID, ReasonTaskCompleted); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Status returns the agent's active claims, its ten most recent
// episodes, and the derived current task.
func (e *Engine) Status(ctx context.Context, projectID, agentID string) (*AgentStatus, error) {
	open, err := e.openClaims(ctx, projectID, map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}

	episodes, err := e.store.FindNodes(ctx, projectID, graph.LabelEpisode, map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}
	sort.Slice(episodes, func(i, j int) bool {
		ti, tj := episodes[i].PropInt64("timestamp"), episodes[j].PropInt64("timestamp")
		if ti != tj {
			return ti > tj
		}
		return episodes[i].ID < episodes[j].ID
	})
	if len(episodes) > 10 {
		episodes = episodes[:10]
	}

	status := &AgentStatus{AgentID: agentID, ActiveClaims: open, RecentEpisodes: episodes}
	for _, c := range open {
		if c.TaskID != "" {
			status.CurrentTask = c.TaskID
			break
		}
	}
	if status.CurrentTask == "" && len(episodes) > 0 {
		status.CurrentTask = episodes[0].Prop("task_id")
	}
	return status, nil
}

// ProjectOverview summarizes coordination state across agents.
func (e *Engine) ProjectOverview(ctx context.Context, projectID string) (*Overview, error) {
	all, err := e.store.NodesByLabel(ctx, projectID, graph.LabelClaim)
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}

	ov := &Overview{ByAgent: make(map[string]int), Total: len(all)}
	for _, n := range all {
		c := claimFromNode(n)
		if !c.Open() {
			continue
		}
		ov.Active++
		ov.ByAgent[c.AgentID]++

		target, err := e.store.GetNode(ctx, projectID, c.TargetID)
		if err == graph.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, errors.StoreUnavailable("graph", err)
		}
		if target.ValidFrom > c.ValidFrom {
			ov.Stale++
			ov.StaleTargets = append(ov.StaleTargets, c.TargetID)
		}
	}
	sort.Strings(ov.StaleTargets)
	return ov, nil
}

func (e *Engine) closeClaim(ctx context.Context, projectID, claimID, reason string) error {
	err := e.store.UpdateNodeProps(ctx, projectID, claimID, map[string]any{
		"valid_to":            time.Now().UnixMilli(),
		"invalidation_reason": reason,
	})
	if err != nil {
		return errors.StoreUnavailable("graph", err)
	}
	return nil
}

func (e *Engine) openClaims(ctx context.Context, projectID string, propEquals map[string]any) ([]Claim, error) {
	nodes, err := e.store.FindNodes(ctx, projectID, graph.LabelClaim, propEquals)
	if err != nil {
		return nil, err
	}
	var out []Claim
	for _, n := range nodes {
		c := claimFromNode(n)
		if c.Open() {
			out = append(out, c)
		}
	}
	return out, nil
}

func claimFromNode(n *graph.Node) Claim {
	return Claim{
		ID:                 n.ID,
		AgentID:            n.Prop("agent_id"),
		TargetID:           n.Prop("target_id"),
		ClaimType:          n.Prop("claim_type"),
		Intent:             n.Prop("intent"),
		TaskID:             n.Prop("task_id"),
		TargetVersionSHA:   n.Prop("target_version_sha"),
		ValidFrom:          n.ValidFrom,
		ValidTo:            n.PropInt64("valid_to"),
		InvalidationReason: n.Prop("invalidation_reason"),
	}
}

// targetVersion reads the best available version marker of a target.
func targetVersion(n *graph.Node) string {
	if n.ContentHash != "" {
		return n.ContentHash
	}
	if h := n.Prop("hash"); h != "" {
		return h
	}
	return fmt.Sprintf("%d", n.ValidFrom)
}
