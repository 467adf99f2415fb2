// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package plugintest provides an in-memory runtime, scriptable plugin
// instances and descriptor fixtures for tests.
package plugintest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/pkg/pluginsdk"
)

// Module describes what opening an entry produces.
type Module struct {
	// ABI is the version tag returned by the factory. Zero means
	// pluginsdk.ABIVersion.
	ABI uint32
	// New builds the instance. Required unless NoSymbol is set.
	New func() pluginsdk.Plugin
	// OpenErr fails Open.
	OpenErr error
	// NoSymbol makes the module lack its entry symbol.
	NoSymbol bool
	// Panic makes the factory panic.
	Panic bool
	// OpenBlock, when non-nil, makes Open wait until it is closed. The wait
	// ignores the context to model a slow dynamic loader.
	OpenBlock chan struct{}
}

// Runtime is an in-memory plugin.Runtime. Modules are keyed by entry path.
type Runtime struct {
	kind plugin.RuntimeKind

	mu      sync.Mutex
	modules map[string]Module
	opens   map[string]int
	closes  map[string]int
}

// NewRuntime creates a runtime serving the native kind.
func NewRuntime() *Runtime {
	return NewRuntimeKind(plugin.RuntimeNative)
}

// NewRuntimeKind creates a runtime serving kind.
func NewRuntimeKind(kind plugin.RuntimeKind) *Runtime {
	return &Runtime{
		kind:    kind,
		modules: make(map[string]Module),
		opens:   make(map[string]int),
		closes:  make(map[string]int),
	}
}

// Provide makes entry openable.
func (r *Runtime) Provide(entry string, m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[filepath.Clean(entry)] = m
}

// Opens returns how many times entry was opened.
func (r *Runtime) Opens(entry string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens[filepath.Clean(entry)]
}

// Closes returns how many times entry was closed.
func (r *Runtime) Closes(entry string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes[filepath.Clean(entry)]
}

// Live returns the number of opened modules not yet closed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for entry, c := range r.opens {
		n += c - r.closes[entry]
	}
	return n
}

// Kind implements plugin.Runtime.
func (r *Runtime) Kind() plugin.RuntimeKind { return r.kind }

// Inspect implements plugin.Runtime.
func (r *Runtime) Inspect(_ context.Context, d *plugin.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[filepath.Clean(d.Entry)]; !ok {
		return plugin.ErrInvalidFormat(d.Entry, errors.New("not a test module"))
	}
	return nil
}

// Open implements plugin.Runtime.
func (r *Runtime) Open(_ context.Context, d *plugin.Descriptor) (plugin.Module, error) {
	entry := filepath.Clean(d.Entry)

	r.mu.Lock()
	m, ok := r.modules[entry]
	r.mu.Unlock()
	if !ok {
		return nil, plugin.ErrInvalidFormat(entry, errors.New("not a test module"))
	}
	if m.OpenBlock != nil {
		<-m.OpenBlock
	}
	if m.OpenErr != nil {
		return nil, plugin.ErrLoadFailed(entry, m.OpenErr)
	}

	r.mu.Lock()
	r.opens[entry]++
	r.mu.Unlock()
	return &module{rt: r, entry: entry, def: m}, nil
}

type module struct {
	rt    *Runtime
	entry string
	def   Module
}

func (m *module) Instantiate(_ context.Context) (uint32, pluginsdk.Plugin, error) {
	if m.def.NoSymbol || m.def.New == nil {
		return 0, nil, plugin.ErrSymbolNotFound(m.entry, pluginsdk.FactorySymbol)
	}
	if m.def.Panic {
		panic("factory exploded")
	}
	abi := m.def.ABI
	if abi == 0 {
		abi = pluginsdk.ABIVersion
	}
	return abi, m.def.New(), nil
}

func (m *module) Close(_ context.Context) error {
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()
	m.rt.closes[m.entry]++
	return nil
}
