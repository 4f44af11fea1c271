// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/spf13/pflag"

	"github.com/kraklabs/cis/internal/bootstrap"
	"github.com/kraklabs/cis/internal/errors"
	"github.com/kraklabs/cis/pkg/server"
)

// maxFrameBytes bounds one request line on stdin.
const maxFrameBytes = 16 << 20

// wireRequest is one framed request line. The optional id is echoed
// back so callers can multiplex.
type wireRequest struct {
	ID        any             `json:"id,omitempty"`
	SessionID *string         `json:"session_id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type wireResponse struct {
	ID     any              `json:"id,omitempty"`
	Result any              `json:"result,omitempty"`
	Error  *server.RPCError `json:"error,omitempty"`
}

// runServe reads newline-delimited JSON requests from stdin and writes
// one response line per request to stdout. Logs go to stderr only.
func runServe(args []string) {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Log at debug level")
	configPath := fs.String("config", "", "Server config yaml (env vars override it)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cis serve [options]

Serves the tool surface as framed JSON-RPC over stdio. Each request is
one JSON object per line:

  {"id": 1, "session_id": "s1", "method": "set_workspace", "params": {...}}

and each response echoes the id with either a result or an error.

Options:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		errors.FatalError(errors.Wrap(errors.KindInvalidArguments, "load config", err), false)
	}
	sys, err := bootstrap.New(cfg, logger)
	if err != nil {
		errors.FatalError(err, false)
	}
	defer sys.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("serve.start", "version", version)

	enc := json.NewEncoder(os.Stdout)
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(wireResponse{Error: &server.RPCError{
				Code:    -32700,
				Message: "parse error: " + err.Error(),
			}})
			continue
		}

		resp := sys.Server.Dispatch(ctx, server.Request{
			SessionID: req.SessionID,
			Method:    req.Method,
			Params:    req.Params,
		})
		if err := enc.Encode(wireResponse{ID: req.ID, Result: resp.Result, Error: resp.Error}); err != nil {
			logger.Error("serve.write.failed", "err", err)
			break
		}
	}
	if err := sc.Err(); err != nil {
		logger.Error("serve.read.failed", "err", err)
	}
	logger.Info("serve.stop")
}
