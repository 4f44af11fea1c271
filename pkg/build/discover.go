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
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExcludeDirs are directory names skipped during discovery in
// addition to any configured excludes.
var DefaultExcludeDirs = []string{
	".git", "node_modules", "vendor", "dist", "build", "target",
	"__pycache__", ".venv", "venv", ".cis",
}

// DefaultMaxFileSize caps the file size read during a build. Larger
// files get a FILE node with no symbol extraction.
const DefaultMaxFileSize = 2 << 20 // 2 MiB

// Discover walks the source tree and returns source-relative paths of
// candidate files, sorted for deterministic processing order. Hidden
// directories and the exclude set are skipped; symlinks are not
// followed.
func Discover(root string, extraExcludes []string) ([]string, error) {
	excluded := make(map[string]bool, len(DefaultExcludeDirs)+len(extraExcludes))
	for _, d := range DefaultExcludeDirs {
		excluded[d] = true
	}
	for _, d := range extraExcludes {
		excluded[strings.TrimSpace(d)] = true
	}

	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if p == root {
				return nil
			}
			if excluded[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(name, ".") {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
