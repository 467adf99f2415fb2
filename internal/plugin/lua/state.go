// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package lua runs script plugins in sandboxed gopher-lua states.
package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package, channel, coroutine.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions are base library functions that reach the filesystem
// or compile code at runtime.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// Sandbox limits applied to every state unless overridden.
const (
	defaultCallStackSize   = 256
	defaultRegistryMaxSize = 1024 * 256
)

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries       []safeLibrary
	callStackSize   int
	registryMaxSize int
}

// FactoryOption configures a StateFactory.
type FactoryOption func(*StateFactory)

// WithCallStackSize bounds Lua call depth.
func WithCallStackSize(n int) FactoryOption {
	return func(f *StateFactory) {
		f.callStackSize = n
	}
}

// WithRegistryMaxSize bounds the Lua value stack.
func WithRegistryMaxSize(n int) FactoryOption {
	return func(f *StateFactory) {
		f.registryMaxSize = n
	}
}

// NewStateFactory creates a new state factory.
func NewStateFactory(opts ...FactoryOption) *StateFactory {
	f := &StateFactory{
		libraries:       defaultSafeLibraries(),
		callStackSize:   defaultCallStackSize,
		registryMaxSize: defaultRegistryMaxSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewState creates a fresh Lua state with only safe libraries loaded. ctx
// bounds library setup only; callers attach per-call contexts themselves.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   f.callStackSize,
		RegistryMaxSize: f.registryMaxSize,
	})
	L.SetContext(ctx)
	defer L.RemoveContext()

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}
