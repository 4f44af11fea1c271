// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package build

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
)

// manifestDir is the workspace-local state directory.
const manifestDir = ".cis"

// Manifest is the advisory path-to-hash snapshot written after a build.
// The graph store remains authoritative; the manifest only lets a fresh
// process report staleness without a store round trip, and can always
// be rebuilt from node content hashes.
type Manifest struct {
	ProjectID   string            `json:"project_id"`
	GeneratedAt int64             `json:"generated_at"`
	Files       map[string]string `json:"files"`
}

// ManifestFromIndex snapshots the current FILE node hashes.
func ManifestFromIndex(idx *index.InMemoryIndex) *Manifest {
	m := &Manifest{
		ProjectID:   idx.ProjectID(),
		GeneratedAt: time.Now().UnixMilli(),
		Files:       make(map[string]string),
	}
	for _, n := range idx.NodesByLabel(graph.LabelFile) {
		if p := n.Prop("path"); p != "" {
			m.Files[p] = n.ContentHash
		}
	}
	return m
}

func manifestPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, manifestDir, "manifest.json")
}

// LoadManifest reads the workspace manifest. A missing file returns
// (nil, nil): absence is not an error for an advisory artifact.
func LoadManifest(workspaceRoot string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(workspaceRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the manifest atomically (write then rename).
func (m *Manifest) Save(workspaceRoot string) error {
	dir := filepath.Join(workspaceRoot, manifestDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "manifest.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, manifestPath(workspaceRoot))
}
