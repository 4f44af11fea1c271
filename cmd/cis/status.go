// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/internal/output"
	"github.com/kraklabs/cis/internal/ui"
	"github.com/kraklabs/cis/pkg/arch"
	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/parser"
	"github.com/kraklabs/cis/pkg/session"
)

// statusReport compares the workspace manifest against the tree on disk.
type statusReport struct {
	ProjectID   string   `json:"project_id"`
	GeneratedAt int64    `json:"generated_at"`
	Tracked     int      `json:"tracked"`
	Changed     []string `json:"changed,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	New         []string `json:"new,omitempty"`
	ArchRules   bool     `json:"arch_rules"`
}

// runStatus reports index staleness without touching the graph store:
// the advisory manifest is enough to tell which files drifted since the
// last build.
func runStatus(args []string) {
	fs := pflag.NewFlagSet("status", pflag.ExitOnError)
	root := fs.String("root", "", "Workspace root (default: current directory)")
	sourceDir := fs.String("source-dir", "", "Source directory relative to the root")
	jsonOut := fs.Bool("json", false, "Output the status as JSON")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cis status [options]

Compares the last build manifest against the working tree and reports
changed, missing and new source files.

Options:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	workspace := *root
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			errors.FatalError(errors.Wrap(errors.KindInternal, "cannot resolve working directory", err), *jsonOut)
		}
		workspace = cwd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		errors.FatalError(errors.InvalidArguments("invalid --root: "+err.Error()), *jsonOut)
	}

	pc, err := session.NewProjectContext(workspace, *sourceDir, "")
	if err != nil {
		errors.FatalError(errors.Wrap(errors.KindInvalidArguments, "invalid workspace", err), *jsonOut)
	}

	manifest, err := build.LoadManifest(workspace)
	if err != nil {
		errors.FatalError(errors.Wrap(errors.KindInternal, "read manifest", err), *jsonOut)
	}
	if manifest == nil {
		errors.FatalError(errors.NotFound("manifest", workspace).
			WithFix("Run 'cis index' to build the workspace first"), *jsonOut)
	}

	report, err := compareManifest(pc, manifest)
	if err != nil {
		errors.FatalError(err, *jsonOut)
	}
	if _, err := os.Stat(arch.RulesPath(workspace)); err == nil {
		report.ArchRules = true
	}

	if *jsonOut {
		if err := output.JSON(report); err != nil {
			errors.FatalError(err, true)
		}
		return
	}
	printStatus(report)
}

// compareManifest hashes the current tree and diffs it against the
// manifest snapshot. Only files a registered parser handles count as
// new; tracked files are re-checked regardless of extension.
func compareManifest(pc session.ProjectContext, m *build.Manifest) (*statusReport, error) {
	parsers := parser.NewRegistry()
	parsers.Register(parser.NewTreeSitter(nil))

	sourceRoot := pc.SourcePath()
	onDisk, err := build.Discover(sourceRoot, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "scan workspace", err)
	}

	report := &statusReport{
		ProjectID:   m.ProjectID,
		GeneratedAt: m.GeneratedAt,
		Tracked:     len(m.Files),
	}

	present := make(map[string]bool, len(onDisk))
	for _, rel := range onDisk {
		present[rel] = true
		want, tracked := m.Files[rel]
		if !tracked {
			if parsers.ForPath(rel) != nil {
				report.New = append(report.New, rel)
			}
			continue
		}
		content, err := os.ReadFile(filepath.Join(sourceRoot, filepath.FromSlash(rel)))
		if err != nil {
			report.Missing = append(report.Missing, rel)
			continue
		}
		if parser.ContentHash(content) != want {
			report.Changed = append(report.Changed, rel)
		}
	}
	for rel := range m.Files {
		if !present[rel] {
			report.Missing = append(report.Missing, rel)
		}
	}
	sort.Strings(report.Changed)
	sort.Strings(report.Missing)
	sort.Strings(report.New)
	return report, nil
}

func printStatus(r *statusReport) {
	ui.Header("Workspace Status")
	fmt.Printf("  %s %s\n", ui.Label("Project:"), r.ProjectID)
	fmt.Printf("  %s %s\n", ui.Label("Last build:"),
		time.UnixMilli(r.GeneratedAt).Format(time.RFC3339))
	fmt.Printf("  %s %s\n", ui.Label("Tracked files:"), ui.CountText(r.Tracked))
	if r.ArchRules {
		fmt.Printf("  %s present\n", ui.Label("Layer rules:"))
	}

	if len(r.Changed)+len(r.Missing)+len(r.New) == 0 {
		ui.Success("Index is up to date")
		return
	}
	printFileList("Changed", r.Changed)
	printFileList("Missing", r.Missing)
	printFileList("New", r.New)
	ui.Warningf("Index is stale: run 'cis index' to refresh")
}

func printFileList(label string, files []string) {
	if len(files) == 0 {
		return
	}
	fmt.Printf("  %s %s\n", ui.Label(label+":"), ui.CountText(len(files)))
	for _, f := range files {
		fmt.Printf("    %s\n", ui.DimText(f))
	}
}
