// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// ErrReloaderStopped is returned for reloads queued after Stop.
var ErrReloaderStopped = errors.New("reloader stopped")

// Reloader funnels reload requests through a single goroutine so that
// file-triggered reloads are applied one at a time, in arrival order. Each
// request still goes through Manager.Reload and its operation lock, so it
// never interleaves with an API-driven operation on the same plugin.
type Reloader struct {
	m      *Manager
	logger *slog.Logger

	mu      sync.Mutex
	queue   []string
	waiters map[string][]chan error
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewReloader creates a reloader for m. Call Run to start processing.
func NewReloader(m *Manager) *Reloader {
	return &Reloader{
		m:       m,
		logger:  m.logger,
		waiters: make(map[string][]chan error),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue queues a reload of id. A request for an id that is already queued
// joins it instead of queueing twice. The returned channel receives the
// result of Manager.Reload.
func (r *Reloader) Enqueue(id string) <-chan error {
	result := make(chan error, 1)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		result <- ErrReloaderStopped
		return result
	}
	if _, queued := r.waiters[id]; !queued {
		r.queue = append(r.queue, id)
	}
	r.waiters[id] = append(r.waiters[id], result)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return result
}

// EnqueuePath queues a reload of every Running or Paused plugin whose
// descriptor or module entry is path, or whose descriptor directory
// contains path. Plugins whose module content is unchanged are skipped. It
// returns the queued identities.
func (r *Reloader) EnqueuePath(path string) []string {
	path = filepath.Clean(path)
	var ids []string
	for _, e := range r.m.List() {
		if e.State != StateRunning && e.State != StatePaused {
			continue
		}
		d := e.Descriptor
		if !owns(d, path) {
			continue
		}
		if path == d.Entry && !r.changed(d) {
			r.logger.Debug("module unchanged, skipping reload", "plugin", d.ID, "path", path)
			continue
		}
		ids = append(ids, d.ID)
		r.Enqueue(d.ID)
	}
	return ids
}

func owns(d *Descriptor, path string) bool {
	if path == filepath.Clean(d.Path) || path == filepath.Clean(d.Entry) {
		return true
	}
	dir := filepath.Dir(d.Path)
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// changed compares the entry's current content with the open handle.
func (r *Reloader) changed(d *Descriptor) bool {
	h := r.m.reg.handle(d.ID)
	if h == nil {
		return true
	}
	sum, err := Fingerprint(d.Entry)
	if err != nil {
		return true
	}
	return sum != h.Fingerprint()
}

// Run processes the queue until ctx ends or Stop is called.
func (r *Reloader) Run(ctx context.Context) {
	defer close(r.done)
	for {
		if ctx.Err() != nil {
			r.Stop()
			r.drain()
			return
		}
		id, waiters, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				r.Stop()
				r.drain()
				return
			case <-r.wake:
				if r.isStopped() {
					r.drain()
					return
				}
				continue
			}
		}

		err := r.m.Reload(ctx, id)
		if err != nil {
			r.logger.WarnContext(ctx, "queued reload failed", "plugin", id, "error", err)
		} else {
			r.logger.InfoContext(ctx, "plugin reloaded", "plugin", id)
		}
		for _, w := range waiters {
			w <- err
		}
	}
}

// Stop refuses further requests. Queued requests fail with
// ErrReloaderStopped once Run notices.
func (r *Reloader) Stop() {
	r.once.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		select {
		case r.wake <- struct{}{}:
		default:
		}
	})
}

// Done is closed when Run returns.
func (r *Reloader) Done() <-chan struct{} { return r.done }

// next dequeues the oldest request together with its waiters. Requests for
// the same id arriving after this point queue a fresh reload.
func (r *Reloader) next() (string, []chan error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || len(r.queue) == 0 {
		return "", nil, false
	}
	id := r.queue[0]
	r.queue = r.queue[1:]
	waiters := r.waiters[id]
	delete(r.waiters, id)
	return id, waiters, true
}

func (r *Reloader) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Reloader) drain() {
	r.mu.Lock()
	waiters := r.waiters
	r.queue = nil
	r.waiters = make(map[string][]chan error)
	r.mu.Unlock()
	for _, list := range waiters {
		for _, w := range list {
			w <- ErrReloaderStopped
		}
	}
}
