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

package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"log/slog"

	"github.com/kraklabs/cis/pkg/arch"
	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/coord"
	"github.com/kraklabs/cis/pkg/embed"
	"github.com/kraklabs/cis/pkg/episode"
	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/graph/memstore"
	"github.com/kraklabs/cis/pkg/index"
	"github.com/kraklabs/cis/pkg/parser"
	"github.com/kraklabs/cis/pkg/retrieve"
	"github.com/kraklabs/cis/pkg/server"
	"github.com/kraklabs/cis/pkg/session"
	"github.com/kraklabs/cis/pkg/vector"
)

// Config selects the backing services. Zero values mean embedded,
// dependency-free defaults.
type Config struct {
	// VectorURL is the qdrant-style HTTP endpoint. Empty selects the
	// in-memory vector store.
	VectorURL string

	// EmbedProvider is "local" or "ollama".
	EmbedProvider string

	// Workers sets build parse parallelism. Zero selects NumCPU.
	Workers int

	// IndexCacheSize bounds the number of per-project indexes held in
	// memory. Zero selects 5.
	IndexCacheSize int

	// OnProgress receives per-file build ticks for CLI progress bars.
	OnProgress func(done, total int)
}

// FromEnv fills the config from the environment.
//
// Supported variables:
//   - CIS_VECTOR_URL: qdrant-style HTTP endpoint
//   - CIS_EMBED_PROVIDER: local or ollama
//   - CIS_BUILD_WORKERS: parse worker count
func FromEnv() Config {
	cfg := Config{
		VectorURL:     os.Getenv("CIS_VECTOR_URL"),
		EmbedProvider: os.Getenv("CIS_EMBED_PROVIDER"),
	}
	if v := os.Getenv("CIS_BUILD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	return cfg
}

// System is the wired object graph behind the server and the CLI.
type System struct {
	Store     graph.Store
	Vectors   vector.Store
	Sessions  *session.Registry
	Indexes   *index.Registry
	Parsers   *parser.Registry
	Orch      *build.Orchestrator
	Embedder  *embed.Engine
	Retriever *retrieve.Retriever
	Coord     *coord.Engine
	Episodes  *episode.Engine
	Arch      *arch.Engine
	Server    *server.Server
	Logger    *slog.Logger
}

// New wires every engine: store and vector adapters, the build
// orchestrator with its post-build hook chain (claim staleness, then
// community detection, then embeddings), the retriever, and the RPC
// server. Session workspace changes invalidate the project index; file
// watcher events queue incremental builds.
func New(cfg Config, logger *slog.Logger) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IndexCacheSize <= 0 {
		cfg.IndexCacheSize = 5
	}

	store := memstore.New()

	var vectors vector.Store
	if cfg.VectorURL != "" {
		vectors = vector.NewHTTPStore(cfg.VectorURL)
	} else {
		vectors = vector.NewMemStore()
	}

	providerName := cfg.EmbedProvider
	if providerName == "" {
		providerName = "local"
	}
	provider, err := embed.NewProvider(providerName, logger)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	indexes := index.NewRegistry(store, cfg.IndexCacheSize)

	parsers := parser.NewRegistry()
	parsers.Register(parser.NewTreeSitter(logger))

	orch := build.NewOrchestrator(store, vectors, indexes, parsers, logger, build.Config{
		Workers:    cfg.Workers,
		OnProgress: cfg.OnProgress,
	})

	coordEngine := coord.New(store, logger)
	embedder := embed.NewEngine(provider, vectors, 0, 0, logger)

	// Hook order is observable: agents see staleness before communities
	// and embeddings land.
	orch.AddHook(coord.NewStalenessHook(coordEngine))
	orch.AddHook(build.NewCommunityHook(store, indexes, logger))
	orch.AddHook(embedder)

	sessions := session.NewRegistry(logger, session.Hooks{
		OnProjectChange: func(prev, next session.ProjectContext) {
			if !prev.Zero() && prev.ProjectID != next.ProjectID {
				indexes.Drop(prev.ProjectID)
			}
		},
		OnSourceChange: func(pc session.ProjectContext) {
			orch.Request(context.Background(), pc, build.ModeIncremental)
		},
	})

	retriever := retrieve.New(store, vectors, embedder, indexes, logger)
	episodes := episode.New(store, logger)
	archEngine := arch.New(logger)

	srv := server.New(server.Deps{
		Store:     store,
		Vectors:   vectors,
		Sessions:  sessions,
		Indexes:   indexes,
		Orch:      orch,
		Retriever: retriever,
		Coord:     coordEngine,
		Episodes:  episodes,
		Arch:      archEngine,
		Logger:    logger,
	})

	return &System{
		Store:     store,
		Vectors:   vectors,
		Sessions:  sessions,
		Indexes:   indexes,
		Parsers:   parsers,
		Orch:      orch,
		Embedder:  embedder,
		Retriever: retriever,
		Coord:     coordEngine,
		Episodes:  episodes,
		Arch:      archEngine,
		Server:    srv,
		Logger:    logger,
	}, nil
}

// Close releases session watchers. Stores are in-process and need no
// teardown.
func (s *System) Close() {
	s.Sessions.Close()
}
