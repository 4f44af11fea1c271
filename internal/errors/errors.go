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

// Package errors provides the structured error taxonomy of the code
// intelligence server.
//
// Every error surfaced to an RPC caller is a *ToolError carrying a
// machine-readable Kind, a user-facing message, and optional diagnostic
// data. Raw store errors are never leaked; they are wrapped as the
// cause and available through errors.Unwrap.
//
// The CLI renders ToolErrors with colored Error/Cause/Fix sections and
// maps kinds to semantic exit codes, following Unix conventions.
package errors

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Kind classifies an error for machine consumption.
type Kind string

// Error kinds surfaced by the server. Conflict and Busy are normal tool
// results, not errors, and deliberately have no Kind here.
const (
	KindStoreUnavailable     Kind = "StoreUnavailable"
	KindParseFailure         Kind = "ParseFailure"
	KindNotFound             Kind = "NotFound"
	KindProjectScopeMismatch Kind = "ProjectScopeMismatch"
	KindTimeout              Kind = "Timeout"
	KindQueryTooShort        Kind = "QueryTooShort"
	KindInvalidArguments     Kind = "InvalidArguments"
	KindBuildFailed          Kind = "BuildFailed"
	KindRetrievalUnavailable Kind = "RetrievalUnavailable"
	KindInternal             Kind = "Internal"
)

// Exit codes for CLI termination, by error category.
const (
	ExitSuccess  = 0
	ExitConfig   = 1
	ExitStore    = 2
	ExitNetwork  = 3
	ExitInput    = 4
	ExitNotFound = 6
	ExitInternal = 10
)

// RPC error codes, JSON-RPC application range.
const (
	codeInvalidArguments = -32602
	codeInternal         = -32603
	codeStoreUnavailable = -32001
	codeNotFound         = -32002
	codeTimeout          = -32003
	codeScopeMismatch    = -32004
	codeRetrieval        = -32005
	codeBuildFailed      = -32006
)

// ToolError is the structured error type for all user-visible failures.
type ToolError struct {
	// Kind is the machine-readable category.
	Kind Kind

	// Message describes what went wrong.
	Message string

	// Cause explains why (diagnostic detail, safe to show).
	Cause string

	// Fix is an optional actionable suggestion, used by the CLI.
	Fix string

	// Data carries structured detail for RPC callers (entity kind,
	// offending id, ...).
	Data map[string]any

	// Err is the wrapped underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap supports errors.Is / errors.As chains.
func (e *ToolError) Unwrap() error { return e.Err }

// RPCCode maps the kind to a JSON-RPC error code.
func (e *ToolError) RPCCode() int {
	switch e.Kind {
	case KindInvalidArguments, KindQueryTooShort, KindParseFailure:
		return codeInvalidArguments
	case KindStoreUnavailable:
		return codeStoreUnavailable
	case KindNotFound:
		return codeNotFound
	case KindTimeout:
		return codeTimeout
	case KindProjectScopeMismatch:
		return codeScopeMismatch
	case KindRetrievalUnavailable:
		return codeRetrieval
	case KindBuildFailed:
		return codeBuildFailed
	default:
		return codeInternal
	}
}

// ExitCode maps the kind to a CLI exit code.
func (e *ToolError) ExitCode() int {
	switch e.Kind {
	case KindInvalidArguments, KindQueryTooShort:
		return ExitInput
	case KindStoreUnavailable:
		return ExitStore
	case KindTimeout, KindRetrievalUnavailable:
		return ExitNetwork
	case KindNotFound:
		return ExitNotFound
	default:
		return ExitInternal
	}
}

// New creates a ToolError of the given kind.
func New(kind Kind, msg string) *ToolError {
	return &ToolError{Kind: kind, Message: msg}
}

// Wrap creates a ToolError wrapping an underlying error.
func Wrap(kind Kind, msg string, err error) *ToolError {
	te := &ToolError{Kind: kind, Message: msg, Err: err}
	if err != nil {
		te.Cause = err.Error()
	}
	return te
}

// WithData attaches structured detail.
func (e *ToolError) WithData(key string, value any) *ToolError {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// WithFix attaches an actionable suggestion for CLI rendering.
func (e *ToolError) WithFix(fix string) *ToolError {
	e.Fix = fix
	return e
}

// NotFound creates the canonical not-found error for an entity kind.
func NotFound(entity, id string) *ToolError {
	return New(KindNotFound, fmt.Sprintf("%s not found", entity)).
		WithData("entity", entity).
		WithData("id", id)
}

// InvalidArguments creates an argument validation error.
func InvalidArguments(msg string) *ToolError {
	return New(KindInvalidArguments, msg)
}

// StoreUnavailable wraps a store connectivity failure.
func StoreUnavailable(store string, err error) *ToolError {
	return Wrap(KindStoreUnavailable, fmt.Sprintf("%s store unavailable", store), err).
		WithFix("Check that the backing store is running and reachable")
}

// AsTool returns err as a *ToolError, wrapping unknown errors as
// Internal so raw errors never reach a caller unclassified.
func AsTool(err error) *ToolError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*ToolError); ok {
		return te
	}
	return Wrap(KindInternal, "internal error", err)
}

// Color definitions for error formatting.
var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format returns a colored terminal rendering with Error/Cause/Fix
// sections. Respects NO_COLOR and the noColor parameter.
func (e *ToolError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")

	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}

	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}

	return out.String()
}

// ErrorJSON is the machine-readable rendering for --json mode and RPC
// error objects.
type ErrorJSON struct {
	Kind    string         `json:"kind"`
	Error   string         `json:"error"`
	Cause   string         `json:"cause,omitempty"`
	Fix     string         `json:"fix,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	RPCCode int            `json:"rpc_code"`
}

// ToJSON converts the error to its JSON form.
func (e *ToolError) ToJSON() ErrorJSON {
	return ErrorJSON{
		Kind:    string(e.Kind),
		Error:   e.Message,
		Cause:   e.Cause,
		Fix:     e.Fix,
		Data:    e.Data,
		RPCCode: e.RPCCode(),
	}
}

// FatalError prints the error and exits with the kind's exit code.
// Never returns.
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}

	te := AsTool(err)
	if jsonOutput {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(te.ToJSON())
	} else {
		fmt.Fprint(os.Stderr, te.Format(false))
	}
	os.Exit(te.ExitCode())
}
