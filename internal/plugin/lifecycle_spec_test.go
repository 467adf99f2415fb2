// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/plugintest"
)

// handleInvariant records a violation whenever an entry's handle ownership
// disagrees with its state.
type handleInvariant struct {
	reg        *plugins.Registry
	mu         sync.Mutex
	violations []string
}

func (hi *handleInvariant) OnTransition(tr plugins.Transition) {
	e, ok := hi.reg.Get(tr.Plugin)
	if !ok {
		return
	}
	if e.HasHandle != e.State.HasHandle() {
		hi.mu.Lock()
		hi.violations = append(hi.violations, tr.Plugin+" in "+e.State.String())
		hi.mu.Unlock()
	}
}

func (hi *handleInvariant) Violations() []string {
	hi.mu.Lock()
	defer hi.mu.Unlock()
	return append([]string(nil), hi.violations...)
}

var _ = Describe("Plugin lifecycle", func() {
	var (
		h     *harness
		ctx   context.Context
		check *handleInvariant
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness(GinkgoT())
		check = &handleInvariant{reg: h.mgr.Registry()}
		h.mgr.Observe(check)
	})

	AfterEach(func() {
		Expect(check.Violations()).To(BeEmpty())
	})

	Describe("a dependency chain", func() {
		var coreDir, cacheDir, appDir string

		BeforeEach(func() {
			coreDir, _ = h.simple("core")
			cacheDir, _ = h.pausable("cache", plugintest.Dep("core", "1.0.0"))
			appDir, _ = h.simple("app", plugintest.Dep("cache", "1.0.0"), plugintest.Dep("core", "1.0.0"))
		})

		It("starts dependencies before dependents", func() {
			for _, dir := range []string{coreDir, cacheDir, appDir} {
				h.load(dir)
			}
			Expect(h.events.List()).To(Equal([]string{
				"core:initialize", "cache:initialize", "app:initialize",
			}))
			Expect(h.mgr.LoadOrder()).To(Equal([]string{"core", "cache", "app"}))
		})

		It("stops dependents before dependencies on close", func() {
			for _, dir := range []string{coreDir, cacheDir, appDir} {
				h.load(dir)
			}
			Expect(h.mgr.Close(ctx)).To(Succeed())
			Expect(h.events.List()[3:]).To(Equal([]string{
				"app:shutdown", "cache:shutdown", "core:shutdown",
			}))
			Expect(h.rt.Live()).To(BeZero())
		})

		It("refuses to unload a plugin that others still use", func() {
			h.load(coreDir)
			h.load(cacheDir)

			err := h.mgr.Unload(ctx, "core", false)
			Expect(plugins.HasCode(err, plugins.CodeDependencyInUse)).To(BeTrue())
			Expect(h.mgr.State("core")).To(Equal(plugins.StateRunning))
		})

		It("keeps the dependency of a paused plugin loaded", func() {
			h.load(coreDir)
			h.load(cacheDir)
			Expect(h.mgr.Pause(ctx, "cache")).To(Succeed())

			err := h.mgr.Unload(ctx, "core", false)
			Expect(plugins.HasCode(err, plugins.CodeDependencyInUse)).To(BeTrue())

			Expect(h.mgr.Resume(ctx, "cache")).To(Succeed())
			Expect(h.mgr.State("cache")).To(Equal(plugins.StateRunning))
		})

		It("auto-resolves the whole chain from the registry", func() {
			_, err := h.mgr.Register(ctx, coreDir)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.mgr.Register(ctx, cacheDir)
			Expect(err).NotTo(HaveOccurred())

			_, err = h.mgr.Load(ctx, appDir, plugins.LoadOptions{AutoResolve: true})
			Expect(err).NotTo(HaveOccurred())
			for _, id := range []string{"core", "cache", "app"} {
				Expect(h.mgr.State(id)).To(Equal(plugins.StateRunning), id)
			}
		})
	})

	Describe("concurrent operations on one plugin", func() {
		It("serializes reloads and pauses", func() {
			dir, _ := h.pausable("alpha")
			h.load(dir)

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for range 4 {
				wg.Add(2)
				go func() {
					defer wg.Done()
					errs <- h.mgr.Reload(ctx, "alpha")
				}()
				go func() {
					defer wg.Done()
					errs <- h.mgr.Pause(ctx, "alpha")
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				if err == nil {
					continue
				}
				Expect(plugins.Code(err)).To(BeElementOf(
					plugins.CodeStateError, plugins.CodeReloadFailed, plugins.CodeNotLoaded))
			}
			Expect(h.mgr.State("alpha")).To(BeElementOf(plugins.StateRunning, plugins.StatePaused))
			Expect(h.rt.Live()).To(Equal(1))
		})

		It("serializes reloads and an unload", func() {
			dir, _ := h.pausable("alpha")
			h.load(dir)

			var wg sync.WaitGroup
			reloadErrs := make(chan error, 4)
			var unloadErr error
			wg.Add(5)
			for range 4 {
				go func() {
					defer wg.Done()
					reloadErrs <- h.mgr.Reload(ctx, "alpha")
				}()
			}
			go func() {
				defer wg.Done()
				unloadErr = h.mgr.Unload(ctx, "alpha", false)
			}()
			wg.Wait()
			close(reloadErrs)

			Expect(unloadErr).NotTo(HaveOccurred())
			for err := range reloadErrs {
				if err != nil {
					Expect(plugins.Code(err)).To(Equal(plugins.CodeNotLoaded))
				}
			}
			Expect(h.mgr.State("alpha")).To(Equal(plugins.StateUnloaded))
			Expect(h.rt.Live()).To(Equal(0))
		})

		It("lets only one of many loads win", func() {
			dir, p := h.simple("alpha")
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for range 6 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := h.mgr.Load(ctx, dir, plugins.LoadOptions{}); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			Expect(wins).To(Equal(1))
			Expect(p.Inits()).To(Equal(1))
		})
	})

	Describe("failures", func() {
		It("keeps Error sticky until the plugin is unloaded", func() {
			p := &plugintest.Plugin{InitErr: errors.New("no database")}
			dir := h.add(plugintest.Fixture{ID: "alpha"}, p)

			_, err := h.mgr.Load(ctx, dir, plugins.LoadOptions{})
			Expect(plugins.HasCode(err, plugins.CodeInitializationFailed)).To(BeTrue())
			Expect(h.mgr.State("alpha")).To(Equal(plugins.StateError))

			_, err = h.mgr.Load(ctx, dir, plugins.LoadOptions{})
			Expect(plugins.HasCode(err, plugins.CodeAlreadyLoaded)).To(BeTrue())

			Expect(h.mgr.Unload(ctx, "alpha", false)).To(Succeed())
			Expect(h.mgr.State("alpha")).To(Equal(plugins.StateUnloaded))
		})

		It("recovers a failed plugin through reload", func() {
			p := &plugintest.Plugin{InitErr: errors.New("transient")}
			dir := h.add(plugintest.Fixture{ID: "alpha"}, p)
			_, err := h.mgr.Load(ctx, dir, plugins.LoadOptions{})
			Expect(err).To(HaveOccurred())

			p.InitErr = nil
			Expect(h.mgr.Reload(ctx, "alpha")).To(Succeed())
			Expect(h.mgr.State("alpha")).To(Equal(plugins.StateRunning))
		})

		It("releases a hung plugin once its call returns", func() {
			h = newHarness(GinkgoT(), plugins.WithCallTimeout(30*time.Millisecond))
			block := make(chan struct{})
			dir := h.add(plugintest.Fixture{ID: "alpha"}, &plugintest.Plugin{Block: block})

			_, err := h.mgr.Load(ctx, dir, plugins.LoadOptions{})
			Expect(plugins.HasCode(err, plugins.CodeTimeout)).To(BeTrue())
			Expect(h.mgr.State("alpha")).To(Equal(plugins.StateError))

			close(block)
			Eventually(h.rt.Live).WithTimeout(2 * time.Second).Should(BeZero())
		})
	})
})
