// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/audit"
	"github.com/plughost/plughost/internal/plugin/capability"
	"github.com/plughost/plughost/internal/plugin/hostfunc"
	"github.com/plughost/plughost/internal/plugin/lua"
	"github.com/plughost/plughost/internal/plugin/plugintest"
	"github.com/plughost/plughost/internal/watch"
)

const counterScript = `
local counter = {}

function counter:initialize(config)
  local value, err = plughost.kv_get("starts")
  if err then return nil, err end
  local n = tonumber(value or "0") + 1
  local _, err = plughost.kv_set("starts", tostring(n))
  if err then return nil, err end
end

function counter:shutdown() end

function plugin_factory()
  return 1, counter
end
`

// host is one assembled plugin host.
type host struct {
	manager  *plugins.Manager
	reloader *plugins.Reloader
	journal  *audit.Journal
	kv       *hostfunc.MemoryStore
	cancel   context.CancelFunc
	done     chan struct{}
	flushed  chan struct{}
	closeErr error
}

func startHost(root string, grants map[string][]string) *host {
	ctx, cancel := context.WithCancel(context.Background())

	enforcer := capability.NewEnforcer()
	for selector, caps := range grants {
		Expect(enforcer.SetGrants(selector, caps)).To(Succeed())
	}
	kv := hostfunc.NewMemoryStore()

	pool, err := audit.Connect(ctx, databaseURL)
	Expect(err).NotTo(HaveOccurred())
	journal := audit.New(pool, audit.WithFlushInterval(20*time.Millisecond))

	loader := plugins.NewLoader(plugins.WithRuntime(
		lua.NewRuntime(lua.WithHostFunctions(hostfunc.New(kv, enforcer))),
	))
	m := plugins.NewManager(
		plugins.WithLoader(loader),
		plugins.WithSearchPaths(root),
		plugins.WithAuthorizer(enforcer),
		plugins.WithObserver(journal),
		plugins.WithCallTimeout(2*time.Second),
	)
	reloader := plugins.NewReloader(m)

	w, err := watch.New(reloader, watch.WithPatterns("**/*.lua", "**/plugin.yaml"), watch.WithDebounce(20*time.Millisecond))
	Expect(err).NotTo(HaveOccurred())
	Expect(w.Add(root)).To(Succeed())

	h := &host{
		manager:  m,
		reloader: reloader,
		journal:  journal,
		kv:       kv,
		cancel:   cancel,
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
	}
	journalCtx, stopJournal := context.WithCancel(context.Background())
	go func() {
		defer close(h.flushed)
		_ = journal.Run(journalCtx)
	}()
	go reloader.Run(ctx)
	go func() { _ = w.Run(ctx) }()
	go func() {
		defer close(h.done)
		defer stopJournal()
		<-ctx.Done()
		<-reloader.Done()
		h.closeErr = m.Close(context.Background())
	}()
	DeferCleanup(journal.Close)
	return h
}

// stop shuts the host down and waits for the final journal flush.
func (h *host) stop() {
	h.cancel()
	Eventually(h.done).WithTimeout(10 * time.Second).Should(BeClosed())
	Expect(h.closeErr).NotTo(HaveOccurred())
	Eventually(h.flushed).WithTimeout(10 * time.Second).Should(BeClosed())
}

var _ = Describe("Plugin host", func() {
	var root string

	BeforeEach(func() {
		root = GinkgoT().TempDir()
	})

	It("hot reloads a Lua plugin whose script changes and journals every transition", func() {
		_, entry := plugintest.Write(GinkgoT(), root, plugintest.Fixture{
			ID:           "counter",
			Runtime:      plugins.RuntimeLua,
			Entry:        "main.lua",
			Content:      []byte(counterScript),
			Capabilities: []string{hostfunc.CapKVRead, hostfunc.CapKVWrite},
		})
		h := startHost(root, map[string][]string{"counter": {hostfunc.CapKVRead, hostfunc.CapKVWrite}})

		result, err := h.manager.LoadAll(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Loaded()).To(ConsistOf("counter"))
		Expect(h.manager.State("counter")).To(Equal(plugins.StateRunning))

		Expect(os.WriteFile(entry, append([]byte(counterScript), []byte("\n-- edited\n")...), 0o600)).To(Succeed())

		Eventually(func() int {
			e, _ := h.manager.Entry("counter")
			return e.Metrics.ReloadCount
		}).WithTimeout(5 * time.Second).Should(Equal(1))
		Expect(h.manager.State("counter")).To(Equal(plugins.StateRunning))

		starts, err := h.kv.Get(context.Background(), "counter", "starts")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(starts)).To(Equal("2"))

		h.stop()

		records, err := h.journal.Recent(context.Background(), "counter", 100)
		Expect(err).NotTo(HaveOccurred())
		var toRunning, toUnloaded int
		for _, r := range records {
			switch r.To {
			case "running":
				toRunning++
			case "unloaded":
				toUnloaded++
			}
		}
		Expect(toRunning).To(Equal(2))
		Expect(toUnloaded).To(BeNumerically(">=", 1))
	})

	It("refuses a plugin whose capabilities were not granted", func() {
		dir, _ := plugintest.Write(GinkgoT(), root, plugintest.Fixture{
			ID:           "greedy",
			Runtime:      plugins.RuntimeLua,
			Entry:        "main.lua",
			Content:      []byte(counterScript),
			Capabilities: []string{hostfunc.CapKVWrite},
		})
		h := startHost(root, map[string][]string{"counter": {hostfunc.CapKVRead}})
		defer h.stop()

		_, err := h.manager.Load(context.Background(), filepath.Clean(dir), plugins.LoadOptions{})
		Expect(plugins.Code(err)).To(Equal(plugins.CodePermissionDenied))
		Expect(h.manager.State("greedy")).NotTo(Equal(plugins.StateRunning))
	})
})
