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

// Package session owns per-session project contexts: the workspace
// triple that scopes every operation, the registry mapping sessions to
// contexts, and the file watcher that turns workspace changes into
// incremental rebuilds.
package session

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ProjectContext is the triple scoping all operations in a session.
// Contexts are immutable values; mutation is by replacement.
type ProjectContext struct {
	// ProjectID is normalized lowercase.
	ProjectID string `json:"project_id"`

	// WorkspaceRoot is an absolute path.
	WorkspaceRoot string `json:"workspace_root"`

	// SourceDir is relative to WorkspaceRoot ("" means the root).
	SourceDir string `json:"source_dir,omitempty"`
}

var projectIDPattern = regexp.MustCompile(`[^a-z0-9._-]+`)

// NewProjectContext builds a validated, normalized context. When
// projectID is empty it derives from the workspace root basename.
func NewProjectContext(workspaceRoot, sourceDir, projectID string) (ProjectContext, error) {
	if workspaceRoot == "" {
		return ProjectContext{}, fmt.Errorf("workspace_root is required")
	}
	if !filepath.IsAbs(workspaceRoot) {
		return ProjectContext{}, fmt.Errorf("workspace_root must be absolute, got %q", workspaceRoot)
	}
	workspaceRoot = filepath.Clean(workspaceRoot)

	if projectID == "" {
		projectID = filepath.Base(workspaceRoot)
	}
	projectID = NormalizeProjectID(projectID)
	if projectID == "" {
		return ProjectContext{}, fmt.Errorf("project_id is empty after normalization")
	}

	sourceDir = filepath.ToSlash(filepath.Clean(sourceDir))
	if sourceDir == "." || sourceDir == "/" {
		sourceDir = ""
	}
	if strings.HasPrefix(sourceDir, "..") || filepath.IsAbs(sourceDir) {
		return ProjectContext{}, fmt.Errorf("source_dir must be relative to workspace_root, got %q", sourceDir)
	}

	return ProjectContext{
		ProjectID:     projectID,
		WorkspaceRoot: workspaceRoot,
		SourceDir:     sourceDir,
	}, nil
}

// NormalizeProjectID lowercases and strips characters outside
// [a-z0-9._-].
func NormalizeProjectID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return projectIDPattern.ReplaceAllString(id, "-")
}

// SourcePath returns the absolute directory the build walks.
func (c ProjectContext) SourcePath() string {
	if c.SourceDir == "" {
		return c.WorkspaceRoot
	}
	return filepath.Join(c.WorkspaceRoot, filepath.FromSlash(c.SourceDir))
}

// Equal reports full-triple equality.
func (c ProjectContext) Equal(other ProjectContext) bool {
	return c.ProjectID == other.ProjectID &&
		c.WorkspaceRoot == other.WorkspaceRoot &&
		c.SourceDir == other.SourceDir
}

// Zero reports whether the context is unset.
func (c ProjectContext) Zero() bool { return c.ProjectID == "" }
