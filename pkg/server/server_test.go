// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cis/pkg/arch"
	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/coord"
	"github.com/kraklabs/cis/pkg/episode"
	"github.com/kraklabs/cis/pkg/graph/memstore"
	"github.com/kraklabs/cis/pkg/index"
	"github.com/kraklabs/cis/pkg/parser"
	"github.com/kraklabs/cis/pkg/retrieve"
	"github.com/kraklabs/cis/pkg/session"
)

type fixture struct {
	srv   *Server
	store *memstore.Store
	orch  *build.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store := memstore.New()
	indexes := index.NewRegistry(store, 5)
	sessions := session.NewRegistry(logger, session.Hooks{})
	t.Cleanup(sessions.Close)

	parsers := parser.NewRegistry()
	parsers.Register(parser.NewTreeSitter(nil))

	orch := build.NewOrchestrator(store, nil, indexes, parsers, logger, build.Config{})
	retriever := retrieve.New(store, nil, nil, indexes, logger)

	srv := New(Deps{
		Store:     store,
		Sessions:  sessions,
		Indexes:   indexes,
		Orch:      orch,
		Retriever: retriever,
		Coord:     coord.New(store, logger),
		Episodes:  episode.New(store, logger),
		Arch:      arch.New(logger),
		Logger:    logger,
	})
	return &fixture{srv: srv, store: store, orch: orch}
}

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// seedWorkspace builds a small TS project and indexes it synchronously.
func seedWorkspace(t *testing.T, f *fixture, sessionID, projectID string) string {
	t.Helper()
	root := t.TempDir()
	writeSource(t, root, "src/auth.ts", "import { hash } from \"./util\";\nfunction login(user: string) { return hash(user); }\n")
	writeSource(t, root, "src/util.ts", "export function hash(s: string) { return s; }\n")
	writeSource(t, root, "src/auth.test.ts", "import { login } from \"./auth\";\n")

	resp := f.dispatch(t, sessionID, "set_workspace", map[string]any{
		"workspace_root": root,
		"project_id":     projectID,
	})
	require.Nil(t, resp.Error)

	pc, err := session.NewProjectContext(root, "", projectID)
	require.NoError(t, err)
	_, err = f.orch.Run(context.Background(), pc, build.ModeFull, "tx-seed-"+projectID)
	require.NoError(t, err)
	return root
}

func (f *fixture) dispatch(t *testing.T, sessionID, method string, params any) Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	var sid *string
	if sessionID != "" {
		sid = &sessionID
	}
	return f.srv.Dispatch(context.Background(), Request{SessionID: sid, Method: method, Params: raw})
}

func resultMap(t *testing.T, resp Response) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, "", "no_such_tool", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

func TestQueryWithoutWorkspace(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatch(t, "s1", "query", map[string]any{"query": "anything goes"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "workspace")
}

func TestRebuildAck(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeSource(t, root, "main.ts", "export const x = 1;\n")

	resp := f.dispatch(t, "s1", "set_workspace", map[string]any{"workspace_root": root, "project_id": "ack"})
	require.Nil(t, resp.Error)

	m := resultMap(t, f.dispatch(t, "s1", "rebuild", map[string]any{"mode": "full"}))
	assert.Equal(t, "QUEUED", m["status"])
	assert.NotEmpty(t, m["tx_id"])

	// Wait for the queued build to finish so the TempDir cleanup does
	// not race with the workspace manifest write.
	txID := m["tx_id"].(string)
	require.Eventually(t, func() bool {
		n, err := f.orch.Transaction(context.Background(), "ack", txID)
		return err == nil && n != nil && n.Prop("status") != "RUNNING"
	}, 10*time.Second, 10*time.Millisecond)
}

func TestQueryReturnsHits(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")

	m := resultMap(t, f.dispatch(t, "s1", "query", map[string]any{"query": "login hash", "limit": 5}))
	hits := m["hits"].([]any)
	require.NotEmpty(t, hits)
	// No vector store configured, so the retrieval degrades to lexical.
	assert.Equal(t, "lexical_fallback", m["mode"])
}

func TestQueryTooShortMapsToInvalidArguments(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")
	resp := f.dispatch(t, "s1", "query", map[string]any{"query": "ab"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
	assert.Equal(t, "QueryTooShort", resp.Error.Data.(map[string]any)["kind"])
}

func TestQueryProfileCompact(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")

	m := resultMap(t, f.dispatch(t, "s1", "query", map[string]any{"query": "login", "profile": "compact"}))
	hits := m["hits"].([]any)
	require.NotEmpty(t, hits)
	first := hits[0].(map[string]any)
	assert.NotContains(t, first, "label")
	assert.NotContains(t, first, "props")

	m = resultMap(t, f.dispatch(t, "s1", "query", map[string]any{"query": "login", "profile": "debug"}))
	first = m["hits"].([]any)[0].(map[string]any)
	assert.Contains(t, first, "props")
}

func TestProjectIsolationAcrossSessions(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "sa", "proja")
	seedWorkspace(t, f, "sb", "projb")

	m := resultMap(t, f.dispatch(t, "sa", "query", map[string]any{"query": "login hash util"}))
	for _, h := range m["hits"].([]any) {
		id := h.(map[string]any)["id"].(string)
		assert.Contains(t, id, "proja:")
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")

	m := resultMap(t, f.dispatch(t, "s1", "health", nil))
	assert.Equal(t, true, m["graph_connected"])
	assert.Equal(t, false, m["vector_connected"])
	assert.Equal(t, false, m["drift_detected"])

	stats := m["index_stats"].(map[string]any)
	assert.Greater(t, stats["nodes"].(float64), 0.0)

	last := m["last_tx"].(map[string]any)
	assert.Equal(t, "COMPLETE", last["status"])
}

func TestCodeExplain(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")

	m := resultMap(t, f.dispatch(t, "s1", "code_explain", map[string]any{"symbol": "src/auth.ts", "depth": 1}))
	sym := m["symbol"].(map[string]any)
	assert.Equal(t, "FILE", sym["label"])

	outgoing := m["outgoing"].([]any)
	require.NotEmpty(t, outgoing)
	types := make(map[string]bool)
	for _, e := range outgoing {
		types[e.(map[string]any)["type"].(string)] = true
	}
	assert.True(t, types["CONTAINS"] || types["IMPORTS"] || types["DEPENDS_ON"])
}

func TestCodeExplainResolvesQualifiedSymbolID(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")

	// basename:name:line ids resolve by the inferred name segment.
	m := resultMap(t, f.dispatch(t, "s1", "code_explain", map[string]any{"symbol": "auth.ts:login:42"}))
	sym := m["symbol"].(map[string]any)
	assert.Equal(t, "FUNCTION", sym["label"])
	assert.Equal(t, "login", sym["name"])
}

func TestCodeExplainUnknownSymbol(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")
	resp := f.dispatch(t, "s1", "code_explain", map[string]any{"symbol": "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32002, resp.Error.Code)
}

func TestImpactAnalyze(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")

	m := resultMap(t, f.dispatch(t, "s1", "impact_analyze", map[string]any{"changed_files": []string{"src/util.ts"}}))
	dependents := m["dependents"].([]any)
	require.NotEmpty(t, dependents)
	assert.Contains(t, dependents, "src/auth.ts")

	tests := m["affected_tests"].([]any)
	assert.Contains(t, tests, "src/auth.test.ts")
}

func TestAgentClaimConflictIsResultNotError(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")

	m := resultMap(t, f.dispatch(t, "s1", "agent_claim", map[string]any{
		"agent_id": "X", "target_id": "demo:file:src/auth.ts", "intent": "refactor",
	}))
	assert.Equal(t, "ok", m["status"])
	claimID := m["claim_id"].(string)

	m = resultMap(t, f.dispatch(t, "s1", "agent_claim", map[string]any{
		"agent_id": "Y", "target_id": "demo:file:src/auth.ts",
	}))
	assert.Equal(t, "CONFLICT", m["status"])

	m = resultMap(t, f.dispatch(t, "s1", "agent_release", map[string]any{"claim_id": claimID}))
	assert.Equal(t, true, m["found"])
}

func TestEpisodeRoundTrip(t *testing.T) {
	f := newFixture(t)
	seedWorkspace(t, f, "s1", "demo")

	m := resultMap(t, f.dispatch(t, "s1", "episode_add", map[string]any{
		"agent_id": "X", "content": "refactored auth login flow",
	}))
	assert.NotEmpty(t, m["episode_id"])

	m = resultMap(t, f.dispatch(t, "s1", "episode_recall", map[string]any{"query": "auth login"}))
	eps := m["episodes"].([]any)
	require.Len(t, eps, 1)
}

func TestArchValidateTool(t *testing.T) {
	f := newFixture(t)
	root := seedWorkspace(t, f, "s1", "demo")
	writeSource(t, root, ".cis/layers.yaml", `version: "1"
layers:
  - name: app
    globs: ["src/**"]
`)

	m := resultMap(t, f.dispatch(t, "s1", "arch_validate", nil))
	stats := m["stats"].(map[string]any)
	assert.Greater(t, stats["files_scanned"].(float64), 0.0)
}

func TestDefaultSessionIsShared(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeSource(t, root, "main.ts", "export const x = 1;\n")

	// nil session id and empty session id hit the same default context.
	raw, _ := json.Marshal(map[string]any{"workspace_root": root, "project_id": "shared"})
	resp := f.srv.Dispatch(context.Background(), Request{SessionID: nil, Method: "set_workspace", Params: raw})
	require.Nil(t, resp.Error)

	resp = f.dispatch(t, "", "rebuild", map[string]any{})
	require.Nil(t, resp.Error)

	// Wait for the queued build to finish so the TempDir cleanup does
	// not race with the workspace manifest write.
	txID := resultMap(t, resp)["tx_id"].(string)
	require.Eventually(t, func() bool {
		n, err := f.orch.Transaction(context.Background(), "shared", txID)
		return err == nil && n != nil && n.Prop("status") != "RUNNING"
	}, 10*time.Second, 10*time.Millisecond)
}
