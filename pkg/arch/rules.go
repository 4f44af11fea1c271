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

// Package arch validates workspace dependencies against configured layer
// rules and suggests placement for new symbols.
package arch

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/cis/internal/errors"
)

const (
	rulesDir     = ".cis"
	rulesFile    = "layers.yaml"
	rulesVersion = "1"
)

// Layer is one architectural layer: the globs that assign files to it
// and the import rules it lives under.
type Layer struct {
	Name         string   `yaml:"name"`
	Globs        []string `yaml:"globs"`
	CanImport    []string `yaml:"can_import,omitempty"`
	CannotImport []string `yaml:"cannot_import,omitempty"`
}

// Rules is the .cis/layers.yaml configuration.
type Rules struct {
	Version     string   `yaml:"version"`
	SourceGlobs []string `yaml:"source_globs,omitempty"`
	Layers      []Layer  `yaml:"layers"`
}

// RulesPath returns <root>/.cis/layers.yaml.
func RulesPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, rulesDir, rulesFile)
}

// LoadRules reads and validates the layer rules for a workspace.
func LoadRules(workspaceRoot string) (*Rules, error) {
	p := RulesPath(workspaceRoot)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is derived from the session workspace
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("layer rules", p).
				WithFix(fmt.Sprintf("Create %s with a 'layers' list to enable architecture validation", p))
		}
		return nil, errors.Wrap(errors.KindInvalidArguments, "cannot read layer rules", err)
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(errors.KindInvalidArguments, "layer rules are not valid YAML", err).
			WithFix(fmt.Sprintf("Fix syntax errors in %s", p))
	}
	if r.Version != "" && r.Version != rulesVersion {
		return nil, errors.InvalidArguments(fmt.Sprintf("unsupported layer rules version %q (expected %q)", r.Version, rulesVersion))
	}
	if len(r.Layers) == 0 {
		return nil, errors.InvalidArguments("layer rules define no layers").
			WithFix("Add at least one entry under 'layers' with a name and globs")
	}
	seen := make(map[string]bool, len(r.Layers))
	for _, l := range r.Layers {
		if l.Name == "" {
			return nil, errors.InvalidArguments("layer with empty name")
		}
		if seen[l.Name] {
			return nil, errors.InvalidArguments(fmt.Sprintf("duplicate layer %q", l.Name))
		}
		seen[l.Name] = true
	}
	return &r, nil
}

// LayerFor returns the layer a source-relative path belongs to, or ""
// when no glob matches.
func (r *Rules) LayerFor(relPath string) string {
	for _, l := range r.Layers {
		for _, g := range l.Globs {
			if globMatch(g, relPath) {
				return l.Name
			}
		}
	}
	return ""
}

// Allowed reports whether fromLayer may import toLayer. A layer always
// imports itself, and "*" in can_import opens everything not explicitly
// forbidden.
func (r *Rules) Allowed(fromLayer, toLayer string) bool {
	var from *Layer
	for i := range r.Layers {
		if r.Layers[i].Name == fromLayer {
			from = &r.Layers[i]
			break
		}
	}
	if from == nil {
		return true
	}
	for _, f := range from.CannotImport {
		if f == toLayer {
			return false
		}
	}
	if toLayer == fromLayer {
		return true
	}
	for _, c := range from.CanImport {
		if c == toLayer || c == "*" {
			return true
		}
	}
	return false
}

// globMatch matches source-relative slash paths. "dir/**" matches the
// whole subtree; other patterns go through path.Match against the full
// path and, for bare patterns like "*.ts", against the basename.
func globMatch(pattern, relPath string) bool {
	if rest, ok := strings.CutSuffix(pattern, "/**"); ok {
		return relPath == rest || strings.HasPrefix(relPath, rest+"/")
	}
	if idx := strings.Index(pattern, "/**/"); idx >= 0 {
		prefix, leaf := pattern[:idx], pattern[idx+4:]
		if relPath == prefix || strings.HasPrefix(relPath, prefix+"/") {
			ok, _ := path.Match(leaf, path.Base(relPath))
			return ok
		}
		return false
	}
	if ok, _ := path.Match(pattern, relPath); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(relPath))
		return ok
	}
	return false
}
