// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"sync/atomic"
	"time"

	"github.com/plughost/plughost/pkg/pluginsdk"
)

// Handle owns one opened module plus its instance. It is created by
// Loader.Open, owned by exactly one registry entry, and destroyed only by
// Loader.Close. Handles are always passed by pointer.
type Handle struct {
	id          string
	path        string
	module      Module
	instance    pluginsdk.Plugin
	caps        []string
	openedAt    time.Time
	fingerprint string
	closed      atomic.Bool
}

// ID returns the plugin identity the handle was opened for.
func (h *Handle) ID() string { return h.id }

// Path returns the module entry path.
func (h *Handle) Path() string { return h.path }

// Fingerprint returns the content hash of the module entry at open time.
func (h *Handle) Fingerprint() string { return h.fingerprint }

// OpenedAt returns when the module was opened.
func (h *Handle) OpenedAt() time.Time { return h.openedAt }

// Closed reports whether the handle has been released.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Instance returns the plugin instance.
func (h *Handle) Instance() pluginsdk.Plugin { return h.instance }

// Pausable returns the instance's pause interface, if it has one.
func (h *Handle) Pausable() (pluginsdk.Pausable, bool) {
	return pluginsdk.AsPausable(h.instance)
}

// Snapshotter returns the instance's snapshot interface, if it has one.
func (h *Handle) Snapshotter() (pluginsdk.Snapshotter, bool) {
	return pluginsdk.AsSnapshotter(h.instance)
}

// QueryInterface returns the typed view the instance provides for a
// capability tag. Instances implementing pluginsdk.InterfaceProvider decide
// for themselves; otherwise the instance itself is the view of every tag
// its descriptor advertises.
func (h *Handle) QueryInterface(tag string) (any, bool) {
	if p, ok := h.instance.(pluginsdk.InterfaceProvider); ok {
		return p.QueryInterface(tag)
	}
	for _, c := range h.caps {
		if c == tag {
			return h.instance, true
		}
	}
	return nil, false
}
