// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kraklabs/cis/internal/contract"
	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/internal/output"
	"github.com/kraklabs/cis/pkg/arch"
	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/coord"
	"github.com/kraklabs/cis/pkg/episode"
	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
	"github.com/kraklabs/cis/pkg/retrieve"
	"github.com/kraklabs/cis/pkg/session"
)

func (s *Server) handleSetWorkspace(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		WorkspaceRoot string `json:"workspace_root"`
		SourceDir     string `json:"source_dir,omitempty"`
		ProjectID     string `json:"project_id,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	pc, err := session.NewProjectContext(p.WorkspaceRoot, p.SourceDir, p.ProjectID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidArguments, "invalid workspace", err)
	}
	if _, err := s.registry.SetWorkspace(sessionID, pc); err != nil {
		return nil, err
	}
	return map[string]any{
		"project_context": pc,
		"status":          "ok",
	}, nil
}

func (s *Server) handleRebuild(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		Mode string `json:"mode,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	mode := build.ModeIncremental
	switch p.Mode {
	case "", "incremental":
	case "full":
		mode = build.ModeFull
	default:
		return nil, errors.InvalidArguments(fmt.Sprintf("unknown mode %q (want full or incremental)", p.Mode))
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	return s.orch.Request(ctx, pc, mode), nil
}

func (s *Server) handleHealth(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	idx, err := s.indexes.Get(ctx, pc.ProjectID)
	if err != nil {
		return nil, errors.StoreUnavailable("graph", err)
	}

	vectorConnected := false
	if s.vectors != nil {
		vectorConnected = s.vectors.IsConnected(ctx)
	}

	health := map[string]any{
		"graph_connected":  s.store.IsConnected(ctx),
		"vector_connected": vectorConnected,
		"index_stats":      idx.Statistics(),
		"drift_detected":   s.driftDetected(pc, idx),
	}

	if tx := s.lastTransaction(ctx, pc.ProjectID); tx != nil {
		health["last_tx"] = map[string]any{
			"tx_id":       tx.ID,
			"status":      tx.Prop("status"),
			"started_at":  tx.PropInt64("started_at"),
			"finished_at": tx.PropInt64("finished_at"),
		}
	}
	return health, nil
}

// driftDetected compares the advisory manifest against the index. A
// missing or unreadable manifest is not drift.
func (s *Server) driftDetected(pc session.ProjectContext, idx *index.InMemoryIndex) bool {
	m, err := build.LoadManifest(pc.WorkspaceRoot)
	if err != nil || m == nil {
		return false
	}
	current := build.ManifestFromIndex(idx)
	if len(m.Files) != len(current.Files) {
		return true
	}
	for p, h := range current.Files {
		if m.Files[p] != h {
			return true
		}
	}
	return false
}

func (s *Server) lastTransaction(ctx context.Context, projectID string) *graph.Node {
	nodes, err := s.store.NodesByLabel(ctx, projectID, graph.LabelTransaction)
	if err != nil || len(nodes) == 0 {
		return nil
	}
	latest := nodes[0]
	for _, n := range nodes[1:] {
		if n.PropInt64("started_at") > latest.PropInt64("started_at") {
			latest = n
		}
	}
	return latest
}

func (s *Server) handleQuery(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		Query    string         `json:"query"`
		Language string         `json:"language,omitempty"`
		Mode     string         `json:"mode,omitempty"`
		Limit    int            `json:"limit,omitempty"`
		Params   map[string]any `json:"params,omitempty"`
		Profile  string         `json:"profile,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := contract.ValidateQuery(p.Query); err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	profile, err := output.ParseProfile(p.Profile)
	if err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}

	if p.Language == "cypher" {
		qr, err := s.store.ExecuteQuery(ctx, p.Query, p.Params)
		if err == graph.ErrUnsupported {
			return nil, errors.InvalidArguments("this store has no raw query language").
				WithFix("Use language: natural")
		}
		if err != nil {
			return nil, errors.StoreUnavailable("graph", err)
		}
		return qr, nil
	}

	resp, err := s.retriever.Query(ctx, retrieve.Options{
		Query:     p.Query,
		ProjectID: pc.ProjectID,
		Mode:      retrieve.Mode(p.Mode),
		Limit:     contract.ClampLimit(p.Limit, 10),
	})
	if err != nil {
		return nil, err
	}
	return shapeResponse(profile, resp), nil
}

func (s *Server) handleSemanticSearch(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		Query   string `json:"query"`
		Limit   int    `json:"limit,omitempty"`
		Profile string `json:"profile,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := contract.ValidateQuery(p.Query); err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	profile, err := output.ParseProfile(p.Profile)
	if err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	resp, err := s.retriever.SemanticSearch(ctx, retrieve.Options{
		Query:     p.Query,
		ProjectID: pc.ProjectID,
		Limit:     contract.ClampLimit(p.Limit, 10),
	})
	if err != nil {
		return nil, err
	}
	return shapeResponse(profile, resp), nil
}

func shapeResponse(profile output.Profile, resp *retrieve.Response) map[string]any {
	hits := make([]output.Hit, 0, len(resp.Hits))
	for _, c := range resp.Hits {
		hits = append(hits, output.ShapeHit(profile, c.Node, output.Scores{
			Fused:   c.Score,
			Vector:  c.VectorScore,
			Lexical: c.LexicalScore,
			Graph:   c.GraphScore,
		}))
	}
	return map[string]any{"hits": hits, "mode": resp.Mode}
}

func (s *Server) handleAgentClaim(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p coord.ClaimInput
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := contract.ValidateID("agent_id", p.AgentID); err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	if err := contract.ValidateID("target_id", p.TargetID); err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	return s.coord.Acquire(ctx, pc.ProjectID, p)
}

func (s *Server) handleAgentRelease(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		ClaimID string `json:"claim_id"`
		Outcome string `json:"outcome,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := contract.ValidateID("claim_id", p.ClaimID); err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	return s.coord.Release(ctx, pc.ProjectID, p.ClaimID, p.Outcome)
}

func (s *Server) handleAgentStatus(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return s.coord.ProjectOverview(ctx, pc.ProjectID)
	}
	return s.coord.Status(ctx, pc.ProjectID, p.AgentID)
}

func (s *Server) handleEpisodeAdd(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p episode.AddInput
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	id, err := s.episodes.Add(ctx, pc.ProjectID, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"episode_id": id}, nil
}

func (s *Server) handleEpisodeRecall(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p episode.RecallQuery
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	eps, err := s.episodes.Recall(ctx, pc.ProjectID, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"episodes": eps}, nil
}

func (s *Server) handleEpisodeReflect(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := contract.ValidateID("agent_id", p.AgentID); err != nil {
		return nil, errors.InvalidArguments(err.Error())
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	return s.episodes.Reflect(ctx, pc.ProjectID, p.AgentID)
}

func (s *Server) handleArchValidate(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		Files []string `json:"files,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	return s.arch.Validate(ctx, pc.WorkspaceRoot, p.Files)
}

func (s *Server) handleArchSuggest(ctx context.Context, sessionID string, raw json.RawMessage) (any, error) {
	var p struct {
		CodeName string   `json:"code_name"`
		CodeType string   `json:"code_type,omitempty"`
		Deps     []string `json:"deps,omitempty"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	pc, err := s.projectContext(sessionID)
	if err != nil {
		return nil, err
	}
	rules, err := arch.LoadRules(pc.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	return s.arch.Suggest(rules, p.CodeName, p.CodeType, p.Deps)
}
