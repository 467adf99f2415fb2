// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package native opens Go plugins built with -buildmode=plugin. Such modules
// share the host address space and can never be unmapped, so Close only
// drops the host's reference.
package native

import (
	"context"
	"debug/elf"
	"debug/macho"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/pkg/pluginsdk"
)

// Compile-time interface check.
var _ plugins.Runtime = (*Runtime)(nil)

// Runtime opens native shared-object plugins.
type Runtime struct {
	logger *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// NewRuntime creates a native runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind implements plugins.Runtime.
func (r *Runtime) Kind() plugins.RuntimeKind { return plugins.RuntimeNative }

// Supported reports whether this build can open native plugins at all.
func Supported() bool { return supported }

// Inspect checks the entry is a shared object by reading its headers only.
func (r *Runtime) Inspect(_ context.Context, d *plugins.Descriptor) error {
	if _, err := os.Stat(d.Entry); err != nil {
		if os.IsNotExist(err) {
			return plugins.ErrFileNotFound(d.Entry)
		}
		return plugins.ErrLoadFailed(d.Entry, err)
	}
	if err := checkSharedObject(d.Entry); err != nil {
		return plugins.ErrInvalidFormat(d.Entry, err)
	}
	return nil
}

func checkSharedObject(path string) error {
	path = filepath.Clean(path)
	if f, err := elf.Open(path); err == nil {
		defer func() { _ = f.Close() }()
		if f.Type != elf.ET_DYN {
			return fmt.Errorf("ELF type %s is not a shared object", f.Type)
		}
		return nil
	}
	if f, err := macho.Open(path); err == nil {
		defer func() { _ = f.Close() }()
		if f.Type != macho.TypeDylib && f.Type != macho.TypeBundle {
			return fmt.Errorf("Mach-O type %s is not a dynamic library", f.Type)
		}
		return nil
	}
	return errors.New("not an ELF or Mach-O shared object")
}

// Open loads the shared object and resolves its factory symbol.
func (r *Runtime) Open(_ context.Context, d *plugins.Descriptor) (plugins.Module, error) {
	sym, err := openSymbol(d.Entry, pluginsdk.FactorySymbol)
	if err != nil {
		return nil, err
	}
	factory, err := asFactory(d.Entry, sym)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("opened native plugin", "plugin", d.ID, "path", d.Entry)
	return &module{path: d.Entry, factory: factory}, nil
}

// asFactory accepts the factory symbol as exported: a function, or a
// pointer to a function variable.
func asFactory(path string, sym any) (pluginsdk.Factory, error) {
	switch f := sym.(type) {
	case func() (uint32, pluginsdk.Plugin):
		return f, nil
	case *func() (uint32, pluginsdk.Plugin):
		if f != nil && *f != nil {
			return *f, nil
		}
	}
	return nil, plugins.ErrInvalidFormat(path,
		fmt.Errorf("symbol %s has type %T, want %T", pluginsdk.FactorySymbol, sym, pluginsdk.Factory(nil)))
}

type module struct {
	path    string
	factory pluginsdk.Factory
}

// Instantiate calls the factory. A panicking factory is reported as a
// load failure.
func (m *module) Instantiate(_ context.Context) (abi uint32, p pluginsdk.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			abi, p, err = 0, nil, plugins.ErrLoadFailed(m.path, fmt.Errorf("factory panicked: %v", r))
		}
	}()
	abi, p = m.factory()
	if p == nil {
		return 0, nil, plugins.ErrInvalidFormat(m.path, errors.New("factory returned a nil plugin"))
	}
	return abi, p, nil
}

// Close is a no-op: the Go runtime cannot unload plugins.
func (m *module) Close(_ context.Context) error { return nil }
