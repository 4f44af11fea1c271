// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package arch

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"log/slog"

	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/pkg/build"
)

// maxCycles bounds the number of unique cycles reported per run.
const maxCycles = 10

// Violation is one forbidden layer edge.
type Violation struct {
	FromFile  string `json:"from_file"`
	FromLayer string `json:"from_layer"`
	ToFile    string `json:"to_file"`
	ToLayer   string `json:"to_layer"`
	Import    string `json:"import"`
	Rule      string `json:"rule"`
}

// Stats summarizes one validation run.
type Stats struct {
	FilesScanned  int `json:"files_scanned"`
	FilesAssigned int `json:"files_assigned"`
	Unassigned    int `json:"unassigned"`
	ImportsTraced int `json:"imports_traced"`
}

// Report is the outcome of Validate.
type Report struct {
	Violations []Violation `json:"violations"`
	Cycles     [][]string  `json:"cycles,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
	Stats      Stats       `json:"stats"`
}

// Suggestion is the outcome of Suggest.
type Suggestion struct {
	Layer     string `json:"layer"`
	Path      string `json:"path"`
	Reasoning string `json:"reasoning"`
}

// Engine validates a workspace against its layer rules.
type Engine struct {
	logger *slog.Logger
}

// New creates the architecture engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Validate checks the workspace's import graph against the layer rules.
// files, when non-empty, restricts the scan to those source-relative
// paths; otherwise the whole workspace is walked.
func (e *Engine) Validate(ctx context.Context, workspaceRoot string, files []string) (*Report, error) {
	rules, err := LoadRules(workspaceRoot)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		files, err = build.Discover(workspaceRoot, nil)
		if err != nil {
			return nil, err
		}
		if len(rules.SourceGlobs) > 0 {
			files = filterByGlobs(files, rules.SourceGlobs)
		}
	}
	sort.Strings(files)

	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f] = true
	}

	report := &Report{Violations: []Violation{}}
	report.Stats.FilesScanned = len(files)

	layerOf := make(map[string]string, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.KindTimeout, "validation canceled", err)
		}
		layer := rules.LayerFor(f)
		layerOf[f] = layer
		if layer == "" {
			report.Stats.Unassigned++
			report.Warnings = append(report.Warnings, fmt.Sprintf("unassigned layer: %s", f))
		} else {
			report.Stats.FilesAssigned++
		}
	}

	// File-level import graph restricted to project-internal targets.
	graph := make(map[string][]string, len(files))
	for _, f := range files {
		content, err := os.ReadFile(filepath.Join(workspaceRoot, filepath.FromSlash(f))) //nolint:gosec // G304: paths come from the workspace walk
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("unreadable: %s", f))
			continue
		}
		seen := make(map[string]bool)
		for _, spec := range extractImports(f, content) {
			target := resolveImport(spec, f, known)
			if target == "" || target == f || seen[target] {
				continue
			}
			seen[target] = true
			graph[f] = append(graph[f], target)
			report.Stats.ImportsTraced++

			fromLayer, toLayer := layerOf[f], layerOf[target]
			if fromLayer == "" || toLayer == "" {
				continue
			}
			if !rules.Allowed(fromLayer, toLayer) {
				report.Violations = append(report.Violations, Violation{
					FromFile:  f,
					FromLayer: fromLayer,
					ToFile:    target,
					ToLayer:   toLayer,
					Import:    spec,
					Rule:      fmt.Sprintf("%s cannot import %s", fromLayer, toLayer),
				})
			}
		}
		sort.Strings(graph[f])
	}

	report.Cycles = findCycles(graph, maxCycles)

	e.logger.Info("arch.validated",
		"files", report.Stats.FilesScanned,
		"violations", len(report.Violations),
		"cycles", len(report.Cycles),
	)
	return report, nil
}

// findCycles runs a DFS over the file import graph and returns up to
// limit unique cycles, each rotated to start at its smallest member.
func findCycles(graph map[string][]string, limit int) [][]string {
	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))
	var stack []string
	onStack := make(map[string]int)
	seenCycles := make(map[string]bool)
	var cycles [][]string

	var dfs func(string)
	dfs = func(n string) {
		if len(cycles) >= limit {
			return
		}
		color[n] = gray
		onStack[n] = len(stack)
		stack = append(stack, n)
		for _, next := range graph[n] {
			switch color[next] {
			case white:
				dfs(next)
			case gray:
				cycle := append([]string(nil), stack[onStack[next]:]...)
				cycle = canonicalCycle(cycle)
				key := strings.Join(cycle, "→")
				if !seenCycles[key] {
					seenCycles[key] = true
					cycles = append(cycles, cycle)
				}
			}
			if len(cycles) >= limit {
				break
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, n)
		color[n] = black
	}
	for _, n := range nodes {
		if color[n] == white {
			dfs(n)
		}
	}
	return cycles
}

// canonicalCycle rotates a cycle to start at its lexicographically
// smallest member so the same loop dedupes regardless of entry point.
func canonicalCycle(cycle []string) []string {
	min := 0
	for i := range cycle {
		if cycle[i] < cycle[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[min:]...)
	out = append(out, cycle[:min]...)
	return out
}

// affinity maps a code type to preferred layer-name substrings, best
// first.
var affinity = map[string][]string{
	"service":    {"service", "core", "domain", "app"},
	"handler":    {"api", "http", "transport", "handler", "web"},
	"controller": {"api", "http", "transport", "controller", "web"},
	"repository": {"storage", "repo", "data", "infra", "persistence"},
	"store":      {"storage", "store", "data", "infra"},
	"model":      {"domain", "model", "core", "entity"},
	"entity":     {"domain", "model", "core", "entity"},
	"util":       {"util", "shared", "common", "lib"},
	"helper":     {"util", "shared", "common", "lib"},
	"middleware": {"api", "http", "middleware", "transport"},
	"client":     {"client", "infra", "adapter", "external"},
	"config":     {"config", "core", "shared"},
	"test":       {"test"},
}

// Suggest picks a layer and file path for a new symbol. deps naming
// known layers constrain eligibility; external package names are
// ignored.
func (e *Engine) Suggest(rules *Rules, codeName, codeType string, deps []string) (*Suggestion, error) {
	if codeName == "" {
		return nil, errors.InvalidArguments("code_name is required")
	}

	known := make(map[string]bool, len(rules.Layers))
	for _, l := range rules.Layers {
		known[l.Name] = true
	}
	var layerDeps []string
	for _, d := range deps {
		if known[d] {
			layerDeps = append(layerDeps, d)
		}
	}

	var eligible []Layer
	for _, l := range rules.Layers {
		ok := true
		for _, d := range layerDeps {
			if !rules.Allowed(l.Name, d) {
				ok = false
				break
			}
		}
		if ok {
			eligible = append(eligible, l)
		}
	}
	if len(eligible) == 0 {
		return nil, errors.New(errors.KindInvalidArguments,
			fmt.Sprintf("no layer may import all of %s", strings.Join(layerDeps, ", "))).
			WithFix("Relax can_import rules or split the symbol across layers")
	}

	typ := strings.ToLower(codeType)
	chosen := eligible[0]
	reason := "first eligible layer in rule order"
	if prefs, ok := affinity[typ]; ok {
	rank:
		for _, pref := range prefs {
			for _, l := range eligible {
				if strings.Contains(strings.ToLower(l.Name), pref) {
					chosen = l
					reason = fmt.Sprintf("layer name matches %q affinity for %s", pref, typ)
					break rank
				}
			}
		}
	}

	file := suggestFileName(codeName, typ, extFromGlobs(chosen.Globs))
	dir := dirFromGlobs(chosen.Globs)
	sug := &Suggestion{
		Layer:     chosen.Name,
		Path:      path.Join(dir, file),
		Reasoning: reason,
	}
	if len(layerDeps) > 0 {
		sug.Reasoning += fmt.Sprintf("; may import %s", strings.Join(layerDeps, ", "))
	}
	return sug, nil
}

// suggestFileName converts CamelCase to snake_case and appends the code
// type once. A name already carrying the suffix is not re-suffixed.
func suggestFileName(codeName, codeType, ext string) string {
	name := toSnake(codeName)
	if codeType != "" && !strings.HasSuffix(name, "_"+codeType) && !strings.HasSuffix(name, codeType) {
		name += "_" + codeType
	}
	return name + ext
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if 'A' <= r && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// extFromGlobs infers the layer's file extension from its glob
// patterns, defaulting to .go.
func extFromGlobs(globs []string) string {
	for _, g := range globs {
		if i := strings.LastIndex(g, "*."); i >= 0 {
			ext := g[i+1:]
			if !strings.ContainsAny(ext, "*?[") {
				return ext
			}
		}
	}
	return ".go"
}

// dirFromGlobs takes the literal directory prefix of the layer's first
// glob.
func dirFromGlobs(globs []string) string {
	if len(globs) == 0 {
		return "."
	}
	g := globs[0]
	if i := strings.IndexAny(g, "*?["); i >= 0 {
		g = g[:i]
	}
	g = strings.TrimSuffix(g, "/")
	if g == "" {
		return "."
	}
	return g
}

func filterByGlobs(files, globs []string) []string {
	var out []string
	for _, f := range files {
		for _, g := range globs {
			if globMatch(g, f) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
