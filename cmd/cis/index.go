// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"log/slog"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"github.com/kraklabs/cis/internal/bootstrap"
	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/internal/output"
	"github.com/kraklabs/cis/internal/ui"
	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/session"
)

// runIndex indexes one repository synchronously.
func runIndex(args []string) {
	fs := pflag.NewFlagSet("index", pflag.ExitOnError)
	root := fs.String("root", "", "Workspace root (default: current directory)")
	sourceDir := fs.String("source-dir", "", "Source directory relative to the root")
	project := fs.String("project", "", "Project id (default: root basename)")
	full := fs.Bool("full", false, "Force a full rebuild instead of incremental")
	jsonOut := fs.Bool("json", false, "Output the build result as JSON")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cis index [options]

Indexes the repository into the code graph: files, symbols, imports and
dependencies, then runs the post-build hooks (claim staleness,
community detection, embeddings).

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

	pc, err := session.NewProjectContext(workspace, *sourceDir, *project)
	if err != nil {
		errors.FatalError(errors.Wrap(errors.KindInvalidArguments, "invalid workspace", err), *jsonOut)
	}

	// A progress bar only when stderr is a terminal and output is human.
	var (
		barOnce sync.Once
		bar     *progressbar.ProgressBar
	)
	showBar := !*jsonOut && isatty.IsTerminal(os.Stderr.Fd())

	cfg := bootstrap.FromEnv()
	if showBar {
		cfg.OnProgress = func(done, total int) {
			barOnce.Do(func() {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("indexing"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			})
			_ = bar.Set(done)
		}
	}

	sys, err := bootstrap.New(cfg, newLogger(slog.LevelWarn))
	if err != nil {
		errors.FatalError(err, *jsonOut)
	}
	defer sys.Close()

	mode := build.ModeIncremental
	if *full {
		mode = build.ModeFull
	}

	txID := build.TxID(pc.ProjectID, uuid.NewString())
	res, err := sys.Orch.Run(context.Background(), pc, mode, txID)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		errors.FatalError(err, *jsonOut)
	}

	if *jsonOut {
		if err := output.JSON(res); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	ui.Successf("Indexed %d files (%d nodes, %d edges) in %dms",
		res.FilesProcessed, res.NodesCreated, res.EdgesCreated, res.DurationMS)
	if res.FilesSkipped > 0 {
		fmt.Printf("  Skipped (unchanged): %s\n", ui.CountText(res.FilesSkipped))
	}
	for _, w := range res.Warnings {
		ui.Warning(w)
	}
	for _, e := range res.Errors {
		ui.Error(e)
	}
	if len(res.Errors) > 0 {
		os.Exit(errors.ExitInternal)
	}
}
