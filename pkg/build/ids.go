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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Node ids are deterministic functions of project, kind, and location:
// <project_id>:<kind>:<local>. Deterministic ids are what make rebuilds
// idempotent: re-running the builder on unchanged inputs merges onto
// the same nodes.

// FileID returns the id of a FILE node.
func FileID(projectID, path string) string {
	return fmt.Sprintf("%s:file:%s", projectID, NormalizePath(path))
}

// SymbolID returns the id of a FUNCTION or CLASS node.
// Long locals are hashed to keep ids manageable.
func SymbolID(projectID, kind, path, name string, startLine int) string {
	local := fmt.Sprintf("%s#%s@%d", NormalizePath(path), name, startLine)
	if len(local) > 200 {
		sum := sha256.Sum256([]byte(local))
		local = hex.EncodeToString(sum[:16])
	}
	return fmt.Sprintf("%s:%s:%s", projectID, kind, local)
}

// ImportID returns the id of an IMPORT node. Imports are deduplicated
// per project by import path.
func ImportID(projectID, importPath string) string {
	return fmt.Sprintf("%s:import:%s", projectID, importPath)
}

// TxID returns the id of a TRANSACTION node.
func TxID(projectID, runID string) string {
	return fmt.Sprintf("%s:tx:%s", projectID, runID)
}

// SCIPID returns the structured symbol identifier for cross-tool
// references: path::Name for top-level symbols, path::Scope#Name for
// members.
func SCIPID(path, scope, name string) string {
	if scope != "" {
		return fmt.Sprintf("%s::%s#%s", NormalizePath(path), scope, name)
	}
	return fmt.Sprintf("%s::%s", NormalizePath(path), name)
}

// NormalizePath makes paths stable across platforms: forward slashes,
// no leading ./ or /.
func NormalizePath(path string) string {
	if strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	path = filepath.ToSlash(filepath.Clean(path))
	return strings.TrimPrefix(path, "/")
}
