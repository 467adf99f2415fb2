// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package watch turns file system changes under the plugin search paths
// into queued hot reloads.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/plughost/plughost/internal/observability"
)

// Target receives changed paths. plugin.Reloader implements it.
type Target interface {
	// EnqueuePath queues reloads for the plugins owning path and returns
	// their identities.
	EnqueuePath(path string) []string
}

// Watcher is a debounced, recursive file watcher. Changes are collected
// until no event arrived for the debounce interval, then handed to the
// target one path at a time in sorted order.
type Watcher struct {
	fsw      *fsnotify.Watcher
	target   Target
	patterns []string
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	roots []string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPatterns sets the doublestar patterns, relative to a watched root,
// that trigger reloads. An empty list matches every file.
func WithPatterns(patterns ...string) Option {
	return func(w *Watcher) {
		w.patterns = slices.Clone(patterns)
	}
}

// WithDebounce sets the quiet period before changes are flushed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher feeding target.
func New(target Target, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("watch").Wrapf(err, "failed to create file watcher")
	}
	w := &Watcher{
		fsw:      fsw,
		target:   target,
		debounce: 250 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, p := range w.patterns {
		if !doublestar.ValidatePattern(p) {
			_ = fsw.Close()
			return nil, oops.In("watch").With("pattern", p).Errorf("invalid watch pattern %q", p)
		}
	}
	return w, nil
}

// Add watches root and every directory below it. A missing root is not an
// error; it is simply not watched.
func (w *Watcher) Add(root string) error {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		w.logger.Debug("watch root does not exist", "root", root)
		return nil
	}
	if err := w.addTree(root); err != nil {
		return err
	}
	w.mu.Lock()
	if !slices.Contains(w.roots, root) {
		w.roots = append(w.roots, root)
	}
	w.mu.Unlock()
	return nil
}

func (w *Watcher) addTree(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
	if err != nil {
		return oops.In("watch").With("dir", dir).Wrapf(err, "failed to watch directory")
	}
	return nil
}

// Matches reports whether path, below one of the watched roots, matches a
// configured pattern.
func (w *Watcher) Matches(path string) bool {
	w.mu.Lock()
	roots := slices.Clone(w.roots)
	w.mu.Unlock()

	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(w.patterns) == 0 {
			return true
		}
		rel = filepath.ToSlash(rel)
		for _, p := range w.patterns {
			if ok, _ := doublestar.Match(p, rel); ok {
				return true
			}
		}
	}
	return false
}

// Run processes events until ctx ends. It closes the underlying watcher on
// return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev, pending)
			if len(pending) > 0 {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-timer.C:
			w.flush(pending)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, pending map[string]struct{}) {
	observability.RecordWatchEvent(opName(ev.Op))

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	if !w.Matches(ev.Name) {
		return
	}
	pending[filepath.Clean(ev.Name)] = struct{}{}
}

func (w *Watcher) flush(pending map[string]struct{}) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
		delete(pending, p)
	}
	slices.Sort(paths)
	for _, p := range paths {
		if ids := w.target.EnqueuePath(p); len(ids) > 0 {
			w.logger.Info("queued reload for changed file", "path", p, "plugins", ids)
		}
	}
}

// Close stops watching without waiting for Run. Run closes the watcher
// itself; Close is for watchers that never ran.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "chmod"
	}
}
