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

package session

import (
	"log/slog"
	"sync"
)

// DefaultSessionID is the process-wide default context used when a
// request arrives without a session id. It has set_workspace semantics
// identical to named sessions, just without isolation.
const DefaultSessionID = "__default__"

// Hooks are the registry's outward effects, wired by the server at
// startup. Both may be nil.
type Hooks struct {
	// OnProjectChange fires when a session's context switches to a
	// different project (the server clears the project index).
	OnProjectChange func(prev, next ProjectContext)

	// OnSourceChange fires after the watcher debounce when files under
	// the workspace change (the server enqueues an incremental build).
	OnSourceChange func(pc ProjectContext)
}

type entry struct {
	mu      sync.Mutex
	ctx     ProjectContext
	watcher *Watcher
}

// Registry maps session ids to project contexts. The map itself is
// guarded by a registry lock; each entry serializes its own mutation so
// a workspace switch is linearizable with subsequent calls of the same
// session.
type Registry struct {
	logger *slog.Logger
	hooks  Hooks

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger, hooks Hooks) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		hooks:   hooks,
		entries: make(map[string]*entry),
	}
}

func normalizeSession(sessionID string) string {
	if sessionID == "" {
		return DefaultSessionID
	}
	return sessionID
}

func (r *Registry) entryFor(sessionID string) *entry {
	sessionID = normalizeSession(sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{}
		r.entries[sessionID] = e
	}
	return e
}

// SetWorkspace replaces the session's project context, restarting the
// session watcher. Returns the previous context.
func (r *Registry) SetWorkspace(sessionID string, pc ProjectContext) (ProjectContext, error) {
	e := r.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.ctx
	if prev.Equal(pc) {
		return prev, nil
	}

	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}

	e.ctx = pc
	r.logger.Info("session.workspace.set",
		"session_id", normalizeSession(sessionID),
		"project_id", pc.ProjectID,
		"workspace_root", pc.WorkspaceRoot,
	)

	if r.hooks.OnProjectChange != nil && prev.ProjectID != pc.ProjectID {
		r.hooks.OnProjectChange(prev, pc)
	}

	if r.hooks.OnSourceChange != nil {
		w, err := NewWatcher(pc, r.logger, func() {
			r.hooks.OnSourceChange(pc)
		})
		if err != nil {
			// Watching is best-effort: incremental rebuilds still work
			// on demand without it.
			r.logger.Warn("session.watcher.failed", "project_id", pc.ProjectID, "err", err)
		} else {
			e.watcher = w
		}
	}

	return prev, nil
}

// Context returns the session's current project context. Zero when the
// session has no workspace set.
func (r *Registry) Context(sessionID string) ProjectContext {
	sessionID = normalizeSession(sessionID)
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ProjectContext{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Terminate destroys a session's context and stops its watcher.
func (r *Registry) Terminate(sessionID string) {
	sessionID = normalizeSession(sessionID)
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}
	r.logger.Info("session.terminated", "session_id", sessionID)
}

// ActiveSessions returns the ids of sessions with a workspace set.
func (r *Registry) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Close terminates every session.
func (r *Registry) Close() {
	for _, id := range r.ActiveSessions() {
		r.Terminate(id)
	}
}
