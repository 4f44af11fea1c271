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

package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
	"github.com/kraklabs/cis/pkg/parser"
	"github.com/kraklabs/cis/pkg/session"
	"github.com/kraklabs/cis/pkg/vector"
)

// Mode selects between a from-scratch rebuild and a changed-files-only
// pass.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Ack statuses returned by Request.
const (
	StatusQueued = "QUEUED"
	StatusBusy   = "BUSY"
)

// Ack is the immediate response to a rebuild request. Builds run in the
// background; callers poll the transaction node for completion.
type Ack struct {
	Status string `json:"status"`
	TxID   string `json:"tx_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Result summarizes one completed build run.
type Result struct {
	// TxID identifies the transaction node recording this run.
	TxID string `json:"tx_id"`

	// Mode is the mode the run actually executed in.
	Mode Mode `json:"mode"`

	// FilesDiscovered counts candidate files seen by the walk.
	FilesDiscovered int `json:"files_discovered"`

	// FilesProcessed counts files parsed and written this run.
	FilesProcessed int `json:"files_processed"`

	// FilesSkipped counts files left untouched because their content
	// hash matched the stored version.
	FilesSkipped int `json:"files_skipped"`

	// FilesDeleted counts files removed from the graph because they
	// vanished from the workspace.
	FilesDeleted int `json:"files_deleted"`

	// NodesCreated and EdgesCreated count graph writes.
	NodesCreated int `json:"nodes_created"`
	EdgesCreated int `json:"edges_created"`

	// DurationMS is wall time of the whole run including hooks.
	DurationMS int64 `json:"duration_ms"`

	// Errors holds per-file parse failures and store write errors. A
	// build with errors still commits the files that succeeded.
	Errors []string `json:"errors,omitempty"`

	// Warnings holds non-fatal conditions (hook failures, oversized
	// files degraded to FILE-only records).
	Warnings []string `json:"warnings,omitempty"`
}

// Outcome is what post-build hooks observe: the run summary plus the
// nodes the run touched.
type Outcome struct {
	Result *Result

	// ChangedNodes are the FILE, FUNCTION, and CLASS nodes written this
	// run, in write order.
	ChangedNodes []*graph.Node

	// ChangedPaths are source-relative paths of files written this run.
	ChangedPaths []string

	// DeletedPaths are paths removed from the graph this run.
	DeletedPaths []string
}

// Hook runs after a successful batch commit. Hooks execute in
// registration order; a hook failure downgrades to a build warning.
type Hook interface {
	Name() string
	AfterBuild(ctx context.Context, pc session.ProjectContext, out *Outcome) error
}

// Config tunes the orchestrator.
type Config struct {
	// ExcludeDirs are directory names skipped during discovery, in
	// addition to DefaultExcludeDirs.
	ExcludeDirs []string

	// MaxFileSize caps symbol extraction; larger files degrade to
	// FILE-only records. Zero selects DefaultMaxFileSize.
	MaxFileSize int64

	// Workers sets parse parallelism. Zero selects NumCPU capped at 8.
	Workers int

	// OnProgress, when set, receives per-file completion ticks.
	OnProgress func(done, total int)
}

type projectState struct {
	inFlight  bool
	pending   bool
	runningTx string
}

// Orchestrator runs builds: one at a time per project, write-through to
// the project index, transaction records in the graph.
type Orchestrator struct {
	store    graph.Store
	vectors  vector.Store
	registry *index.Registry
	parsers  *parser.Registry
	logger   *slog.Logger
	cfg      Config
	hooks    []Hook

	mu     sync.Mutex
	states map[string]*projectState
}

// NewOrchestrator creates the build orchestrator. vectors may be nil
// when no vector store is configured.
func NewOrchestrator(store graph.Store, vectors vector.Store, registry *index.Registry, parsers *parser.Registry, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
		if cfg.Workers > 8 {
			cfg.Workers = 8
		}
	}
	buildMetrics.init()
	return &Orchestrator{
		store:    store,
		vectors:  vectors,
		registry: registry,
		parsers:  parsers,
		logger:   logger,
		cfg:      cfg,
		states:   make(map[string]*projectState),
	}
}

// AddHook appends a post-build hook. Hooks run in the order added.
func (o *Orchestrator) AddHook(h Hook) {
	o.hooks = append(o.hooks, h)
}

// Request enqueues a build without blocking. At most one build runs per
// project; a request while one is in flight answers BUSY with the
// running transaction id. One follow-up incremental pass is coalesced
// so workspace changes during a build are not lost.
func (o *Orchestrator) Request(ctx context.Context, pc session.ProjectContext, mode Mode) Ack {
	if pc.Zero() {
		return Ack{Status: StatusBusy, Reason: "no workspace set"}
	}

	txID := TxID(pc.ProjectID, uuid.NewString())

	o.mu.Lock()
	st, ok := o.states[pc.ProjectID]
	if !ok {
		st = &projectState{}
		o.states[pc.ProjectID] = st
	}
	if st.inFlight {
		st.pending = true
		running := st.runningTx
		o.mu.Unlock()
		buildMetrics.buildsRejected.Inc()
		return Ack{Status: StatusBusy, TxID: running, Reason: "build already in flight"}
	}
	st.inFlight = true
	st.runningTx = txID
	o.mu.Unlock()

	buildMetrics.buildsQueued.Inc()

	go func() {
		// Detach from the request's cancellation: the caller got its ack.
		runCtx := context.WithoutCancel(ctx)
		o.runAndDrain(runCtx, pc, mode, txID)
	}()

	return Ack{Status: StatusQueued, TxID: txID}
}

func (o *Orchestrator) runAndDrain(ctx context.Context, pc session.ProjectContext, mode Mode, txID string) {
	if _, err := o.Run(ctx, pc, mode, txID); err != nil {
		o.logger.Error("build.run.failed", "project_id", pc.ProjectID, "tx_id", txID, "err", err)
	}

	for {
		o.mu.Lock()
		st := o.states[pc.ProjectID]
		if !st.pending {
			st.inFlight = false
			st.runningTx = ""
			o.mu.Unlock()
			return
		}
		st.pending = false
		nextTx := TxID(pc.ProjectID, uuid.NewString())
		st.runningTx = nextTx
		o.mu.Unlock()

		// Coalesced follow-ups are always incremental; the completed
		// run already established a baseline.
		if _, err := o.Run(ctx, pc, ModeIncremental, nextTx); err != nil {
			o.logger.Error("build.run.failed", "project_id", pc.ProjectID, "tx_id", nextTx, "err", err)
		}
	}
}

// Run executes a build synchronously. CLI callers use this directly;
// Request uses it on a background goroutine. txID may be empty.
func (o *Orchestrator) Run(ctx context.Context, pc session.ProjectContext, mode Mode, txID string) (*Result, error) {
	if txID == "" {
		txID = TxID(pc.ProjectID, uuid.NewString())
	}
	started := time.Now()
	res := &Result{TxID: txID, Mode: mode}

	o.logger.Info("build.start", "project_id", pc.ProjectID, "mode", string(mode), "tx_id", txID)
	o.openTransaction(ctx, pc.ProjectID, txID, mode)

	out, err := o.execute(ctx, pc, mode, res)
	res.DurationMS = time.Since(started).Milliseconds()
	buildMetrics.totalDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		buildMetrics.buildsFailed.Inc()
		o.closeTransaction(ctx, pc.ProjectID, txID, "FAILED", res, err.Error())
		return res, err
	}

	o.runHooks(ctx, pc, out)
	res.DurationMS = time.Since(started).Milliseconds()
	o.closeTransaction(ctx, pc.ProjectID, txID, "COMPLETE", res, "")

	o.logger.Info("build.complete",
		"project_id", pc.ProjectID,
		"tx_id", txID,
		"mode", string(mode),
		"files_processed", res.FilesProcessed,
		"files_skipped", res.FilesSkipped,
		"nodes_created", res.NodesCreated,
		"edges_created", res.EdgesCreated,
		"errors", len(res.Errors),
		"duration_ms", res.DurationMS,
	)
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, pc session.ProjectContext, mode Mode, res *Result) (*Outcome, error) {
	idx, err := o.registry.Get(ctx, pc.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project index: %w", err)
	}

	// Full rebuild starts from a clean slate: code nodes and their
	// vectors go, agent memory (episodes, claims, learnings) stays.
	if mode == ModeFull {
		if err := o.purgeCode(ctx, pc.ProjectID, idx); err != nil {
			return nil, fmt.Errorf("purge project code: %w", err)
		}
	}

	discoverStart := time.Now()
	paths, err := Discover(pc.SourcePath(), o.cfg.ExcludeDirs)
	if err != nil {
		return nil, fmt.Errorf("discover sources: %w", err)
	}
	buildMetrics.discoverDuration.Observe(time.Since(discoverStart).Seconds())
	buildMetrics.filesDiscovered.Add(float64(len(paths)))
	res.FilesDiscovered = len(paths)
	o.logger.Debug("build.discover.complete", "project_id", pc.ProjectID, "files", len(paths))

	prevHashes := fileHashesByPath(idx)

	parseStart := time.Now()
	parsed, skipped := o.parseAll(ctx, pc, paths, mode, prevHashes, res)
	buildMetrics.parseDuration.Observe(time.Since(parseStart).Seconds())
	res.FilesSkipped = skipped
	res.FilesProcessed = len(parsed)

	out := &Outcome{Result: res}

	writeStart := time.Now()
	if len(parsed) > 0 {
		if err := o.writeFiles(ctx, pc, idx, parsed, prevHashes, out, res); err != nil {
			return nil, err
		}
	}
	if mode == ModeIncremental {
		o.removeVanished(ctx, pc, idx, paths, out, res)
	}
	buildMetrics.writeDuration.Observe(time.Since(writeStart).Seconds())

	// Advisory snapshot; failure never fails the build.
	if err := ManifestFromIndex(idx).Save(pc.WorkspaceRoot); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("write manifest: %v", err))
	}

	return out, nil
}

type parseJob struct {
	pf   *parser.ParsedFile
	err  error
	warn string
}

// parseAll reads and parses candidate files on a worker pool. Files
// whose hash matches the stored version are skipped in incremental
// mode. Parse failures degrade to FILE-only records and are recorded
// as errors.
func (o *Orchestrator) parseAll(ctx context.Context, pc session.ProjectContext, paths []string, mode Mode, prevHashes map[string]string, res *Result) ([]*parser.ParsedFile, int) {
	root := pc.SourcePath()
	results := make([]parseJob, len(paths))

	jobs := make(chan int, len(paths))
	var wg sync.WaitGroup
	var doneCount int64
	var doneMu sync.Mutex

	for w := 0; w < o.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				results[i] = o.parseOne(root, paths[i], mode, prevHashes)
				if o.cfg.OnProgress != nil {
					doneMu.Lock()
					doneCount++
					o.cfg.OnProgress(int(doneCount), len(paths))
					doneMu.Unlock()
				}
			}
		}()
	}
	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var parsed []*parser.ParsedFile
	skipped := 0
	for _, r := range results {
		if r.err != nil {
			res.Errors = append(res.Errors, r.err.Error())
			buildMetrics.parseErrors.Inc()
		}
		if r.warn != "" {
			res.Warnings = append(res.Warnings, r.warn)
		}
		if r.pf == nil {
			if r.err == nil {
				skipped++
				buildMetrics.filesSkipped.Inc()
			}
			continue
		}
		parsed = append(parsed, r.pf)
		buildMetrics.filesParsed.Inc()
	}
	o.logger.Debug("build.parse.complete",
		"project_id", pc.ProjectID,
		"parsed", len(parsed),
		"skipped", skipped,
		"errors", len(res.Errors),
	)
	return parsed, skipped
}

func (o *Orchestrator) parseOne(root, relPath string, mode Mode, prevHashes map[string]string) parseJob {
	abs := filepath.Join(root, filepath.FromSlash(relPath))
	content, err := os.ReadFile(abs)
	if err != nil {
		return parseJob{err: fmt.Errorf("read %s: %w", relPath, err)}
	}

	hash := parser.ContentHash(content)
	if mode == ModeIncremental {
		if prev, ok := prevHashes[NormalizePath(relPath)]; ok && prev == hash {
			return parseJob{} // unchanged
		}
	}

	if int64(len(content)) > o.cfg.MaxFileSize {
		return parseJob{
			pf:   parser.FileOnly(content, relPath),
			warn: fmt.Sprintf("%s exceeds size cap, indexed without symbols", relPath),
		}
	}

	p := o.parsers.ForPath(relPath)
	if p == nil {
		return parseJob{pf: parser.FileOnly(content, relPath)}
	}

	pf, err := p.Parse(content, relPath)
	if err != nil {
		// A broken file still gets a FILE node so the tree stays
		// navigable; the error surfaces in the build result.
		return parseJob{
			pf:  parser.FileOnly(content, relPath),
			err: &parser.ParseError{Path: relPath, Err: err},
		}
	}
	return parseJob{pf: pf}
}

// writeFiles batches the mutations for the parsed files plus resolved
// dependency edges, then mirrors them into the project index.
func (o *Orchestrator) writeFiles(ctx context.Context, pc session.ProjectContext, idx *index.InMemoryIndex, parsed []*parser.ParsedFile, prevHashes map[string]string, out *Outcome, res *Result) error {
	builder := NewBuilder(pc.ProjectID)
	now := time.Now().UnixMilli()

	var muts []graph.Mutation
	for _, pf := range parsed {
		muts = append(muts, builder.FileMutations(pf, now)...)
		out.ChangedPaths = append(out.ChangedPaths, NormalizePath(pf.Path))
	}

	// Dependency targets include unchanged files known to the graph so
	// an incremental run can still resolve cross-file imports.
	depSet := parsed
	changed := make(map[string]bool, len(parsed))
	for _, pf := range parsed {
		changed[NormalizePath(pf.Path)] = true
	}
	for p := range prevHashes {
		if !changed[p] {
			depSet = append(depSet, &parser.ParsedFile{Path: p})
		}
	}
	muts = append(muts, builder.DependencyMutations(depSet)...)

	br, err := o.store.ExecuteBatch(ctx, muts)
	if err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}
	buildMetrics.batchesSent.Inc()
	buildMetrics.nodesWritten.Add(float64(br.NodesWritten))
	buildMetrics.edgesWritten.Add(float64(br.EdgesWritten))
	res.NodesCreated = br.NodesWritten
	res.EdgesCreated = br.EdgesWritten
	for _, e := range br.Errors {
		res.Errors = append(res.Errors, e.Error())
	}

	for _, m := range muts {
		switch {
		case m.Node != nil:
			idx.AddNode(m.Node)
			if m.Node.Label == graph.LabelFile || m.Node.Label == graph.LabelFunction || m.Node.Label == graph.LabelClass {
				out.ChangedNodes = append(out.ChangedNodes, m.Node)
			}
		case m.Edge != nil:
			idx.AddEdge(m.Edge)
		}
	}
	return nil
}

// removeVanished drops graph nodes for files no longer present in the
// workspace, including their contained symbols and vectors.
func (o *Orchestrator) removeVanished(ctx context.Context, pc session.ProjectContext, idx *index.InMemoryIndex, paths []string, out *Outcome, res *Result) {
	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		present[NormalizePath(p)] = true
	}

	var doomed []string
	for _, fn := range idx.NodesByLabel(graph.LabelFile) {
		p := fn.Prop("path")
		if p == "" || present[p] {
			continue
		}
		out.DeletedPaths = append(out.DeletedPaths, p)
		doomed = append(doomed, fn.ID)
		for _, e := range idx.EdgesFrom(fn.ID) {
			if e.Type == graph.EdgeContains {
				doomed = append(doomed, e.ToID)
			}
		}
	}
	if len(doomed) == 0 {
		return
	}

	if err := o.store.DeleteNodes(ctx, pc.ProjectID, doomed); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("delete vanished nodes: %v", err))
		return
	}
	for _, id := range doomed {
		idx.RemoveNode(id)
	}
	if o.vectors != nil {
		for _, id := range doomed {
			f := vector.Filter{Must: map[string]any{
				vector.PayloadProjectID:  pc.ProjectID,
				vector.PayloadOriginalID: id,
			}}
			if err := o.vectors.DeleteByFilter(ctx, vector.Collection, f); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("delete vector %s: %v", id, err))
				break
			}
		}
	}
	res.FilesDeleted = len(out.DeletedPaths)
	o.logger.Info("build.vanished.removed", "project_id", pc.ProjectID, "files", res.FilesDeleted, "nodes", len(doomed))
}

// purgeCode removes code nodes and their vectors ahead of a full
// rebuild. Agent memory labels are untouched.
func (o *Orchestrator) purgeCode(ctx context.Context, projectID string, idx *index.InMemoryIndex) error {
	codeLabels := []graph.Label{
		graph.LabelFile, graph.LabelFunction, graph.LabelClass,
		graph.LabelImport, graph.LabelCommunity,
	}
	var ids []string
	for _, label := range codeLabels {
		nodes, err := o.store.NodesByLabel(ctx, projectID, label)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) > 0 {
		if err := o.store.DeleteNodes(ctx, projectID, ids); err != nil {
			return err
		}
	}
	for _, id := range ids {
		idx.RemoveNode(id)
	}
	if o.vectors != nil {
		if err := o.vectors.DeleteByFilter(ctx, vector.Collection, vector.ProjectFilter(projectID)); err != nil {
			o.logger.Warn("build.vector.purge.failed", "project_id", projectID, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) runHooks(ctx context.Context, pc session.ProjectContext, out *Outcome) {
	hookStart := time.Now()
	for _, h := range o.hooks {
		if err := h.AfterBuild(ctx, pc, out); err != nil {
			out.Result.Warnings = append(out.Result.Warnings, fmt.Sprintf("hook %s: %v", h.Name(), err))
			o.logger.Warn("build.hook.failed", "project_id", pc.ProjectID, "hook", h.Name(), "err", err)
			continue
		}
		o.logger.Debug("build.hook.complete", "project_id", pc.ProjectID, "hook", h.Name())
	}
	buildMetrics.hookDuration.Observe(time.Since(hookStart).Seconds())
}

func (o *Orchestrator) openTransaction(ctx context.Context, projectID, txID string, mode Mode) {
	n := &graph.Node{
		ID:        txID,
		Label:     graph.LabelTransaction,
		ProjectID: projectID,
		Props: map[string]any{
			"mode":       string(mode),
			"status":     "RUNNING",
			"started_at": time.Now().UnixMilli(),
		},
		ValidFrom: time.Now().UnixMilli(),
	}
	if err := o.store.UpsertNodes(ctx, []*graph.Node{n}); err != nil {
		o.logger.Warn("build.tx.open.failed", "tx_id", txID, "err", err)
	}
}

func (o *Orchestrator) closeTransaction(ctx context.Context, projectID, txID, status string, res *Result, errMsg string) {
	props := map[string]any{
		"status":          status,
		"finished_at":     time.Now().UnixMilli(),
		"files_processed": res.FilesProcessed,
		"files_skipped":   res.FilesSkipped,
		"nodes_created":   res.NodesCreated,
		"edges_created":   res.EdgesCreated,
		"duration_ms":     res.DurationMS,
		"error_count":     len(res.Errors),
	}
	if errMsg != "" {
		props["error_message"] = errMsg
	}
	if err := o.store.UpdateNodeProps(ctx, projectID, txID, props); err != nil {
		o.logger.Warn("build.tx.close.failed", "tx_id", txID, "err", err)
	}
}

// Transaction fetches a transaction record for status polling.
func (o *Orchestrator) Transaction(ctx context.Context, projectID, txID string) (*graph.Node, error) {
	return o.store.GetNode(ctx, projectID, txID)
}

func fileHashesByPath(idx *index.InMemoryIndex) map[string]string {
	out := make(map[string]string)
	for _, n := range idx.NodesByLabel(graph.LabelFile) {
		if p := n.Prop("path"); p != "" {
			out[p] = n.ContentHash
		}
	}
	return out
}
