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

// Package server dispatches framed RPC requests to the engines. It owns
// the tool surface: parameter decoding and validation, session
// resolution, per-call deadlines, profile shaping, and the mapping of
// the error taxonomy onto RPC error objects.
package server

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/pkg/arch"
	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/coord"
	"github.com/kraklabs/cis/pkg/episode"
	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
	"github.com/kraklabs/cis/pkg/retrieve"
	"github.com/kraklabs/cis/pkg/session"
	"github.com/kraklabs/cis/pkg/vector"
)

// Request is one framed RPC call. A nil SessionID addresses the
// process-wide default context.
type Request struct {
	SessionID *string         `json:"session_id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
}

// RPCError is the error half of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is the result-or-error answer to one request.
type Response struct {
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// Server wires the engines behind the tool surface.
type Server struct {
	store     graph.Store
	vectors   vector.Store
	registry  *session.Registry
	indexes   *index.Registry
	orch      *build.Orchestrator
	retriever *retrieve.Retriever
	coord     *coord.Engine
	episodes  *episode.Engine
	arch      *arch.Engine
	logger    *slog.Logger

	handlers map[string]handler
}

type handler func(ctx context.Context, sessionID string, params json.RawMessage) (any, error)

// Deps carries the constructor dependencies. vectors may be nil for
// deployments without a vector store.
type Deps struct {
	Store     graph.Store
	Vectors   vector.Store
	Sessions  *session.Registry
	Indexes   *index.Registry
	Orch      *build.Orchestrator
	Retriever *retrieve.Retriever
	Coord     *coord.Engine
	Episodes  *episode.Engine
	Arch      *arch.Engine
	Logger    *slog.Logger
}

// New creates the server and registers the tool table.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		store:     d.Store,
		vectors:   d.Vectors,
		registry:  d.Sessions,
		indexes:   d.Indexes,
		orch:      d.Orch,
		retriever: d.Retriever,
		coord:     d.Coord,
		episodes:  d.Episodes,
		arch:      d.Arch,
		logger:    d.Logger,
	}
	s.handlers = map[string]handler{
		"set_workspace":   s.handleSetWorkspace,
		"rebuild":         s.handleRebuild,
		"health":          s.handleHealth,
		"query":           s.handleQuery,
		"semantic_search": s.handleSemanticSearch,
		"code_explain":    s.handleCodeExplain,
		"impact_analyze":  s.handleImpactAnalyze,
		"agent_claim":     s.handleAgentClaim,
		"agent_release":   s.handleAgentRelease,
		"agent_status":    s.handleAgentStatus,
		"episode_add":     s.handleEpisodeAdd,
		"episode_recall":  s.handleEpisodeRecall,
		"episode_reflect": s.handleEpisodeReflect,
		"arch_validate":   s.handleArchValidate,
		"arch_suggest":    s.handleArchSuggest,
	}
	return s
}

// commonParams are accepted by every tool alongside its own fields.
type commonParams struct {
	Profile    string `json:"profile,omitempty"`
	DeadlineMS int64  `json:"deadline_ms,omitempty"`
}

// Dispatch runs one request to completion and never panics outward.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	h, ok := s.handlers[req.Method]
	if !ok {
		return errResponse(errors.InvalidArguments("unknown method: " + req.Method))
	}

	sessionID := ""
	if req.SessionID != nil {
		sessionID = *req.SessionID
	}

	var common commonParams
	if len(req.Params) > 0 {
		// Unknown fields are the tool's own params; ignore them here.
		_ = json.Unmarshal(req.Params, &common)
	}
	if common.DeadlineMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(common.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	result, err := h(ctx, sessionID, req.Params)
	if err == nil && ctx.Err() != nil {
		err = errors.Wrap(errors.KindTimeout, "deadline exceeded", ctx.Err())
	}
	if err != nil {
		te := errors.AsTool(err)
		s.logger.Warn("rpc.failed",
			"method", req.Method,
			"kind", string(te.Kind),
			"duration_ms", time.Since(started).Milliseconds(),
		)
		return errResponse(te)
	}
	s.logger.Debug("rpc.ok", "method", req.Method, "duration_ms", time.Since(started).Milliseconds())
	return Response{Result: result}
}

func errResponse(te *errors.ToolError) Response {
	data := map[string]any{"kind": string(te.Kind)}
	if te.Cause != "" {
		data["cause"] = te.Cause
	}
	if te.Fix != "" {
		data["fix"] = te.Fix
	}
	for k, v := range te.Data {
		data[k] = v
	}
	return Response{Error: &RPCError{Code: te.RPCCode(), Message: te.Message, Data: data}}
}

// projectContext resolves the session's workspace or fails with the
// canonical error.
func (s *Server) projectContext(sessionID string) (session.ProjectContext, error) {
	pc := s.registry.Context(sessionID)
	if pc.Zero() {
		return pc, errors.InvalidArguments("no workspace set for this session").
			WithFix("Call set_workspace with a workspace_root first")
	}
	return pc, nil
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.Wrap(errors.KindInvalidArguments, "malformed params", err)
	}
	return nil
}
