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

// Package parser turns source bytes into the neutral ParsedFile value the
// build pipeline consumes. Parsers are registered per extension; files
// with no registered parser degrade to FILE-only records upstream.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Symbol is a function, method, class, or type extracted from a file.
type Symbol struct {
	Name      string `json:"name"`
	Signature string `json:"signature,omitempty"`

	// ScopePath is the enclosing scope (receiver type, class name, or
	// empty for top-level symbols).
	ScopePath string `json:"scope_path,omitempty"`

	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Import is a single import/require statement.
type Import struct {
	Path  string `json:"path"`
	Alias string `json:"alias,omitempty"`
	Line  int    `json:"line"`
}

// ParsedFile is the parser-neutral view of one source file. It is a
// deterministic function of the file bytes and the parser version.
type ParsedFile struct {
	Path        string   `json:"path"`
	Language    string   `json:"language"`
	Functions   []Symbol `json:"functions,omitempty"`
	Classes     []Symbol `json:"classes,omitempty"`
	Imports     []Import `json:"imports,omitempty"`
	ContentHash string   `json:"content_hash"`
	LOC         int      `json:"loc"`
}

// Parser is the capability contract a language parser provides.
type Parser interface {
	// Parse extracts symbols and imports from the file bytes.
	Parse(content []byte, path string) (*ParsedFile, error)

	// Extensions lists the file extensions this parser handles,
	// with leading dot (".go", ".ts").
	Extensions() []string
}

// Registry dispatches files to parsers by extension. Registration
// happens at startup; lookups are lock-free afterwards but the registry
// tolerates concurrent use throughout.
type Registry struct {
	mu      sync.RWMutex
	byExt   map[string]Parser
	langExt map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byExt:   make(map[string]Parser),
		langExt: make(map[string]string),
	}
}

// Register binds a parser to its extensions. Later registrations win.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// ForPath returns the parser handling the file, or nil when the
// extension has no registered parser.
func (r *Registry) ForPath(path string) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byExt[strings.ToLower(filepath.Ext(path))]
}

// Extensions returns the sorted set of registered extensions.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// LanguageForPath maps a file extension to its language name, or "" for
// unknown extensions.
func LanguageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	default:
		return ""
	}
}

// ContentHash returns the hex sha256 of the file bytes.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CountLines counts newline-terminated lines, counting a trailing
// partial line.
func CountLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte{'\n'})
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

// FileOnly builds the degraded ParsedFile for files without a parser.
func FileOnly(content []byte, path string) *ParsedFile {
	return &ParsedFile{
		Path:        path,
		Language:    LanguageForPath(path),
		ContentHash: ContentHash(content),
		LOC:         CountLines(content),
	}
}

// ParseError wraps a parser failure with its file path so the build can
// aggregate per-file errors without aborting.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
