// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Directories never watched (descriptor economy and noise).
var watchSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, "target": true, "bin": true,
	"__pycache__": true, ".cis": true,
}

const watchDebounce = 2 * time.Second

// Watcher observes a workspace tree and fires onChange once per quiet
// period after file events.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger *slog.Logger
	done   chan struct{}
}

// NewWatcher starts watching the context's source tree recursively,
// skipping dependency and hidden directories.
func NewWatcher(pc ProjectContext, logger *slog.Logger, onChange func()) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := 0
	root := pc.SourcePath()
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if watchSkipDirs[base] || (strings.HasPrefix(base, ".") && path != root) {
			return filepath.SkipDir
		}
		if err := fs.Add(path); err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		watched++
		return nil
	})
	logger.Debug("session.watcher.started", "project_id", pc.ProjectID, "dirs", watched)

	w := &Watcher{fs: fs, logger: logger, done: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func()) {
	var debounce *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case _, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(watchDebounce)
			timerCh = debounce.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("session.watcher.error", "err", err)
		case <-timerCh:
			timerCh = nil
			onChange()
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	_ = w.fs.Close()
}
