// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a Source when its catalog file changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file itself, since
// editors commonly replace files by rename. Events for other files in the
// directory are ignored. Bursts of events are collapsed into one reload
// after the debounce window.
//
// # Thread Safety
//
// Start and Stop may be called from different goroutines. Stop is
// idempotent.
type Watcher struct {
	source   *Source
	watcher  *fsnotify.Watcher
	debounce time.Duration
	target   string

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for source. Call Start to begin watching.
func NewWatcher(source *Source, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create catalog watcher: %w", err)
	}
	target, err := filepath.Abs(source.Path())
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	return &Watcher{
		source:   source,
		watcher:  fw,
		debounce: debounce,
		target:   target,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the catalog directory until ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.target)); err != nil {
		return fmt.Errorf("watch catalog directory: %w", err)
	}
	go w.loop(ctx)
	slog.Info("Watching prompt catalog", "path", w.target)
	return nil
}

// Stop ends watching and releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Prompt catalog watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := w.source.Reload(); err != nil {
				slog.Warn("Prompt catalog reload failed, keeping previous catalog", "path", w.target, "error", err)
				continue
			}
			slog.Info("Prompt catalog reloaded", "path", w.target)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	path, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return path == w.target
}
