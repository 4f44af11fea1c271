// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package coord

import (
	"context"

	"github.com/kraklabs/cis/pkg/build"
	"github.com/kraklabs/cis/pkg/session"
)

// StalenessHook closes claims invalidated by a rebuild. Registered
// first among post-build hooks so agents observe staleness before new
// embeddings land.
type StalenessHook struct {
	engine *Engine
}

// NewStalenessHook wraps the engine as a build hook.
func NewStalenessHook(engine *Engine) *StalenessHook {
	return &StalenessHook{engine: engine}
}

func (h *StalenessHook) Name() string { return "claim-staleness" }

// AfterBuild implements build.Hook.
func (h *StalenessHook) AfterBuild(ctx context.Context, pc session.ProjectContext, out *build.Outcome) error {
	if len(out.ChangedNodes) == 0 && len(out.DeletedPaths) == 0 {
		return nil
	}
	_, err := h.engine.InvalidateStale(ctx, pc.ProjectID)
	return err
}
