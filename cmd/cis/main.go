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

// Package main implements the CIS CLI: indexing source repositories and
// serving the code intelligence tool surface over stdio.
//
// Usage:
//
//	cis index [--root DIR]        Index a repository
//	cis status [--json]           Show workspace index status
//	cis serve                     Serve framed JSON-RPC over stdio
package main

import (
	"fmt"
	"os"

	"log/slog"

	"github.com/spf13/pflag"

	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `CIS - Code Intelligence Server

CIS indexes source repositories into a code graph with vector and
lexical retrieval, and exposes query, coordination and memory tools to
AI agents over a framed JSON-RPC surface.

Usage:
  cis <command> [options]

Commands:
  index    Index a repository into the code graph
  status   Show workspace index status
  serve    Serve the tool surface over stdio

Global Options:
  --no-color   Disable colored output
  --version    Show version and exit

Environment Variables:
  CIS_VECTOR_URL       Vector store HTTP endpoint (default: embedded)
  CIS_EMBED_PROVIDER   Embedding provider: local|ollama (default: local)
  CIS_BUILD_WORKERS    Parse worker count (default: CPU count)
  OLLAMA_HOST          Ollama URL for the ollama provider

For detailed command help: cis <command> --help
`)
}

func main() {
	var (
		showVersion bool
		noColor     bool
	)
	pflag.BoolVar(&showVersion, "version", false, "Show version and exit")
	pflag.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pflag.Usage = usage
	pflag.Parse()

	ui.InitColors(noColor)

	if showVersion {
		fmt.Printf("cis %s (%s)\n", version, commit)
		return
	}

	args := pflag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(errors.ExitInput)
	}

	switch args[0] {
	case "index":
		runIndex(args[1:])
	case "status":
		runStatus(args[1:])
	case "serve":
		runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(errors.ExitInput)
	}
}

// newLogger builds the process logger. Interactive commands keep logs
// quiet on stderr; serve logs at info.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
