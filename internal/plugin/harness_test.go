// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin_test

import (
	"context"
	"log/slog"
	"time"

	"github.com/stretchr/testify/require"

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/plugintest"
	"github.com/plughost/plughost/pkg/pluginsdk"
)

// testingT is satisfied by *testing.T and GinkgoT().
type testingT interface {
	plugintest.TestingT
	TempDir() string
	Cleanup(func())
}

// harness wires a Manager to an in-memory runtime rooted in a temp dir.
type harness struct {
	t      testingT
	root   string
	rt     *plugintest.Runtime
	mgr    *plugins.Manager
	events *plugintest.Events
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newHarness(t testingT, opts ...plugins.ManagerOption) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		root:   t.TempDir(),
		rt:     plugintest.NewRuntime(),
		events: &plugintest.Events{},
	}
	loader := plugins.NewLoader(
		plugins.WithRuntime(h.rt),
		plugins.WithLoaderLogger(discardLogger()),
	)
	base := []plugins.ManagerOption{
		plugins.WithLoader(loader),
		plugins.WithLogger(discardLogger()),
		plugins.WithCallTimeout(2 * time.Second),
		plugins.WithDependencyWait(500 * time.Millisecond),
	}
	h.mgr = plugins.NewManager(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.mgr.Close(ctx)
	})
	return h
}

// write creates the fixture under root and makes its entry openable with
// mod. It returns the plugin directory.
func (h *harness) write(root string, f plugintest.Fixture, mod plugintest.Module) string {
	h.t.Helper()
	dir, entry := plugintest.Write(h.t, root, f)
	h.rt.Provide(entry, mod)
	return dir
}

// add writes a fixture whose module always returns inst.
func (h *harness) add(f plugintest.Fixture, inst pluginsdk.Plugin) string {
	h.t.Helper()
	return h.write(h.root, f, plugintest.Module{New: func() pluginsdk.Plugin { return inst }})
}

// simple adds a tracked plugin with the given dependencies.
func (h *harness) simple(id string, deps ...plugins.DependencyDoc) (string, *plugintest.Plugin) {
	h.t.Helper()
	p := (&plugintest.Plugin{}).Track(h.events, id)
	return h.add(plugintest.Fixture{ID: id, Dependencies: deps}, p), p
}

// pausable adds a tracked plugin that supports pause and snapshots.
func (h *harness) pausable(id string, deps ...plugins.DependencyDoc) (string, *plugintest.PausablePlugin) {
	h.t.Helper()
	p := &plugintest.PausablePlugin{}
	p.Track(h.events, id)
	return h.add(plugintest.Fixture{ID: id, Dependencies: deps}, p), p
}

func (h *harness) load(path string) string {
	h.t.Helper()
	id, err := h.mgr.Load(context.Background(), path, plugins.LoadOptions{})
	require.NoError(h.t, err)
	return id
}
