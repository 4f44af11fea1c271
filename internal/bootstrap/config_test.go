// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigEmptyPath(t *testing.T) {
	t.Setenv("CIS_VECTOR_URL", "")
	t.Setenv("CIS_EMBED_PROVIDER", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.VectorURL)
	assert.Empty(t, cfg.EmbedProvider)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"vector_url: http://localhost:6333\nembed_provider: ollama\nworkers: 3\nindex_cache_size: 2\n",
	), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:6333", cfg.VectorURL)
	assert.Equal(t, "ollama", cfg.EmbedProvider)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 2, cfg.IndexCacheSize)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embed_provider: ollama\n"), 0o644))

	t.Setenv("CIS_EMBED_PROVIDER", "local")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.EmbedProvider)
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [not a number\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
