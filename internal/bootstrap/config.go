// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bootstrap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk server configuration. Every field is
// optional; the environment overrides the file.
type fileConfig struct {
	VectorURL      string `yaml:"vector_url"`
	EmbedProvider  string `yaml:"embed_provider"`
	Workers        int    `yaml:"workers"`
	IndexCacheSize int    `yaml:"index_cache_size"`
}

// LoadConfig reads a yaml config file and applies environment
// overrides on top. A missing file is not an error when path is empty;
// an explicit path must exist.
func LoadConfig(path string) (Config, error) {
	cfg := fileConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	merged := Config{
		VectorURL:      cfg.VectorURL,
		EmbedProvider:  cfg.EmbedProvider,
		Workers:        cfg.Workers,
		IndexCacheSize: cfg.IndexCacheSize,
	}
	env := FromEnv()
	if env.VectorURL != "" {
		merged.VectorURL = env.VectorURL
	}
	if env.EmbedProvider != "" {
		merged.EmbedProvider = env.EmbedProvider
	}
	if env.Workers > 0 {
		merged.Workers = env.Workers
	}
	return merged, nil
}
