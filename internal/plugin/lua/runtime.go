// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package lua

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/hostfunc"
	"github.com/plughost/plughost/pkg/pluginsdk"
)

// FactoryFunction is the global a script module must define. It returns the
// ABI version and the plugin table.
const FactoryFunction = "plugin_factory"

// Compile-time interface checks.
var (
	_ plugins.Runtime           = (*Runtime)(nil)
	_ pluginsdk.Pausable        = (*instance)(nil)
	_ pluginsdk.Snapshotter     = (*instance)(nil)
	_ pluginsdk.FeatureReporter = (*instance)(nil)
)

// Runtime opens Lua script modules.
type Runtime struct {
	factory   *StateFactory
	hostFuncs *hostfunc.Functions
	logger    *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithHostFunctions publishes host functions into every plugin state.
func WithHostFunctions(hf *hostfunc.Functions) Option {
	return func(r *Runtime) {
		r.hostFuncs = hf
	}
}

// WithStateFactory replaces the sandbox state factory.
func WithStateFactory(f *StateFactory) Option {
	return func(r *Runtime) {
		r.factory = f
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// NewRuntime creates a Lua runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		factory: NewStateFactory(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind implements plugins.Runtime.
func (r *Runtime) Kind() plugins.RuntimeKind { return plugins.RuntimeLua }

// Inspect compiles the entry without running any of it.
func (r *Runtime) Inspect(_ context.Context, d *plugins.Descriptor) error {
	_, err := compileFile(d.Entry)
	return err
}

// Open compiles the entry. Each Instantiate runs it in a fresh state.
func (r *Runtime) Open(_ context.Context, d *plugins.Descriptor) (plugins.Module, error) {
	proto, err := compileFile(d.Entry)
	if err != nil {
		return nil, err
	}
	return &module{runtime: r, id: d.ID, path: d.Entry, proto: proto}, nil
}

func compileFile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, plugins.ErrFileNotFound(path)
		}
		return nil, plugins.ErrLoadFailed(path, err)
	}
	defer func() { _ = f.Close() }()

	chunk, err := parse.Parse(bufio.NewReader(f), path)
	if err != nil {
		return nil, plugins.ErrInvalidFormat(path, fmt.Errorf("syntax error: %w", err))
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, plugins.ErrInvalidFormat(path, fmt.Errorf("compile error: %w", err))
	}
	return proto, nil
}

// module is a compiled script.
type module struct {
	runtime *Runtime
	id      string
	path    string
	proto   *lua.FunctionProto

	mu     sync.Mutex
	states []*lua.LState
	closed bool
}

// Instantiate runs the script in a new sandboxed state and calls its
// factory function.
func (m *module) Instantiate(ctx context.Context) (uint32, pluginsdk.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, plugins.ErrLoadFailed(m.path, errors.New("module is closed"))
	}

	L, err := m.runtime.factory.NewState(ctx)
	if err != nil {
		return 0, nil, plugins.ErrLoadFailed(m.path, err)
	}
	if m.runtime.hostFuncs != nil {
		m.runtime.hostFuncs.Register(L, m.id)
	}

	abi, inst, err := m.instantiate(ctx, L)
	if err != nil {
		L.Close()
		return 0, nil, err
	}
	m.states = append(m.states, L)
	return abi, inst, nil
}

func (m *module) instantiate(ctx context.Context, L *lua.LState) (uint32, pluginsdk.Plugin, error) {
	L.SetContext(ctx)
	defer L.RemoveContext()

	L.Push(L.NewFunctionFromProto(m.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return 0, nil, plugins.ErrLoadFailed(m.path, fmt.Errorf("run script: %w", err))
	}
	L.SetTop(0)

	factory, ok := L.GetGlobal(FactoryFunction).(*lua.LFunction)
	if !ok {
		return 0, nil, plugins.ErrSymbolNotFound(m.path, FactoryFunction)
	}
	if err := L.CallByParam(lua.P{Fn: factory, NRet: 2, Protect: true}); err != nil {
		return 0, nil, plugins.ErrLoadFailed(m.path, fmt.Errorf("%s: %w", FactoryFunction, err))
	}
	abiValue, tableValue := L.Get(-2), L.Get(-1)
	L.Pop(2)

	abi, ok := abiValue.(lua.LNumber)
	if !ok || abi < 0 {
		return 0, nil, plugins.ErrInvalidFormat(m.path,
			fmt.Errorf("%s must return an ABI version number, got %s", FactoryFunction, abiValue.Type()))
	}
	table, ok := tableValue.(*lua.LTable)
	if !ok {
		return 0, nil, plugins.ErrInvalidFormat(m.path,
			fmt.Errorf("%s must return a plugin table, got %s", FactoryFunction, tableValue.Type()))
	}

	inst := &instance{id: m.id, L: L, table: table}
	for _, name := range []string{"initialize", "shutdown"} {
		if inst.method(name) == nil {
			return 0, nil, plugins.ErrInvalidFormat(m.path, fmt.Errorf("plugin table has no %s function", name))
		}
	}
	inst.features = pluginsdk.Features{
		Pause:    inst.method("pause") != nil && inst.method("resume") != nil,
		Snapshot: inst.method("snapshot") != nil,
	}
	return uint32(abi), inst, nil
}

// Close releases every state the module created.
func (m *module) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, L := range m.states {
		L.Close()
	}
	m.states = nil
	return nil
}

// instance is a plugin table living in one Lua state. Lua states are not
// goroutine safe, so every call holds mu.
type instance struct {
	id       string
	features pluginsdk.Features

	mu    sync.Mutex
	L     *lua.LState
	table *lua.LTable
}

func (p *instance) method(name string) *lua.LFunction {
	fn, _ := p.table.RawGetString(name).(*lua.LFunction)
	return fn
}

// call invokes a plugin table function as a method. Functions follow the
// Lua (value, err) convention: a raised error or a non-nil second return
// value is reported as a Go error.
func (p *instance) call(ctx context.Context, name string, args ...lua.LValue) (lua.LValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn := p.method(name)
	if fn == nil {
		return nil, oops.In("lua").With("plugin", p.id).Errorf("plugin does not implement %s", name)
	}

	L := p.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, append([]lua.LValue{p.table}, args...)...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, oops.In("lua").With("plugin", p.id).With("call", name).Wrap(ctxErr)
		}
		return nil, oops.In("lua").With("plugin", p.id).With("call", name).Wrap(err)
	}
	value, failure := L.Get(-2), L.Get(-1)
	L.Pop(2)

	if failure != lua.LNil && failure != lua.LFalse {
		return nil, oops.In("lua").With("plugin", p.id).With("call", name).Errorf("%s", failure.String())
	}
	return value, nil
}

// Initialize implements pluginsdk.Plugin.
func (p *instance) Initialize(ctx context.Context, config map[string]any) error {
	p.mu.Lock()
	cfg := toLua(p.L, config)
	p.mu.Unlock()

	_, err := p.call(ctx, "initialize", cfg)
	return err
}

// Shutdown implements pluginsdk.Plugin.
func (p *instance) Shutdown(ctx context.Context) error {
	_, err := p.call(ctx, "shutdown")
	return err
}

// Pause implements pluginsdk.Pausable.
func (p *instance) Pause(ctx context.Context) error {
	_, err := p.call(ctx, "pause")
	return err
}

// Resume implements pluginsdk.Pausable.
func (p *instance) Resume(ctx context.Context) error {
	_, err := p.call(ctx, "resume")
	return err
}

// Snapshot implements pluginsdk.Snapshotter.
func (p *instance) Snapshot(ctx context.Context) (map[string]any, error) {
	value, err := p.call(ctx, "snapshot")
	if err != nil {
		return nil, err
	}
	return configFromLua(value), nil
}

// Features implements pluginsdk.FeatureReporter.
func (p *instance) Features() pluginsdk.Features { return p.features }
