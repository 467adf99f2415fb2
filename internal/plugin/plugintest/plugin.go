// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugintest

import (
	"context"
	"sync"
	"time"

	"github.com/plughost/plughost/internal/plugin"
)

// Plugin is a scriptable plugin instance that records its calls.
type Plugin struct {
	// InitErr is returned by Initialize.
	InitErr error
	// ShutdownErr is returned by Shutdown.
	ShutdownErr error
	// Block, when non-nil, makes Initialize wait until it is closed.
	// The call ignores its context to model a hung plugin.
	Block chan struct{}
	// Delay sleeps in Initialize.
	Delay time.Duration

	mu         sync.Mutex
	inits      int
	shutdowns  int
	lastConfig map[string]any
	events     *Events
	id         string
}

// Initialize implements pluginsdk.Plugin.
func (p *Plugin) Initialize(_ context.Context, config map[string]any) error {
	if p.Block != nil {
		<-p.Block
	}
	if p.Delay > 0 {
		time.Sleep(p.Delay)
	}
	p.mu.Lock()
	p.inits++
	p.lastConfig = plugin.CloneConfig(config)
	p.mu.Unlock()
	if p.InitErr == nil {
		p.events.record(p.id, "initialize")
	}
	return p.InitErr
}

// Shutdown implements pluginsdk.Plugin.
func (p *Plugin) Shutdown(_ context.Context) error {
	p.mu.Lock()
	p.shutdowns++
	p.mu.Unlock()
	p.events.record(p.id, "shutdown")
	return p.ShutdownErr
}

// Inits returns the number of Initialize calls.
func (p *Plugin) Inits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits
}

// Shutdowns returns the number of Shutdown calls.
func (p *Plugin) Shutdowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdowns
}

// LastConfig returns a copy of the configuration last passed to Initialize.
func (p *Plugin) LastConfig() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return plugin.CloneConfig(p.lastConfig)
}

// Track makes the plugin append its calls to ev under id.
func (p *Plugin) Track(ev *Events, id string) *Plugin {
	p.events = ev
	p.id = id
	return p
}

// ProviderPlugin is a Plugin that hands out its own capability views.
type ProviderPlugin struct {
	Plugin
	// Views are returned by QueryInterface.
	Views map[string]any
}

// QueryInterface implements pluginsdk.InterfaceProvider.
func (p *ProviderPlugin) QueryInterface(tag string) (any, bool) {
	v, ok := p.Views[tag]
	return v, ok
}

// PausablePlugin is a Plugin that also implements pluginsdk.Pausable and
// pluginsdk.Snapshotter.
type PausablePlugin struct {
	Plugin
	// Live is returned by Snapshot when set.
	Live map[string]any

	pmu     sync.Mutex
	pauses  int
	resumes int
}

// Pause implements pluginsdk.Pausable.
func (p *PausablePlugin) Pause(_ context.Context) error {
	p.pmu.Lock()
	p.pauses++
	p.pmu.Unlock()
	p.events.record(p.id, "pause")
	return nil
}

// Resume implements pluginsdk.Pausable.
func (p *PausablePlugin) Resume(_ context.Context) error {
	p.pmu.Lock()
	p.resumes++
	p.pmu.Unlock()
	p.events.record(p.id, "resume")
	return nil
}

// Snapshot implements pluginsdk.Snapshotter.
func (p *PausablePlugin) Snapshot(_ context.Context) (map[string]any, error) {
	if p.Live != nil {
		return plugin.CloneConfig(p.Live), nil
	}
	return p.LastConfig(), nil
}

// Pauses returns the number of Pause calls.
func (p *PausablePlugin) Pauses() int {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.pauses
}

// Resumes returns the number of Resume calls.
func (p *PausablePlugin) Resumes() int {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.resumes
}

// Events is an ordered, concurrency-safe log of plugin calls, formatted as
// "id:call".
type Events struct {
	mu   sync.Mutex
	list []string
}

func (e *Events) record(id, call string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.list = append(e.list, id+":"+call)
	e.mu.Unlock()
}

// List returns a copy of the recorded events.
func (e *Events) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}
