// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package hostfunc provides host functions to Lua plugins.
//
// Host functions expose host services to plugins in a controlled way.
// Functions that touch shared state require capability grants.
//
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/plughost/plughost/internal/plugin/capability"
)

// GlobalName is the Lua global the host functions are published under.
const GlobalName = "plughost"

// Capabilities checked by host functions.
const (
	CapKVRead  = "kv.read"
	CapKVWrite = "kv.write"
)

// defaultCallTimeout bounds a store call when the Lua state has no deadline.
const defaultCallTimeout = 5 * time.Second

// Functions provides host functions to Lua plugins.
type Functions struct {
	kvStore  KVStore
	enforcer *capability.Enforcer
	logger   *slog.Logger
}

// Option configures Functions.
type Option func(*Functions)

// WithLogger sets the logger plugins write through. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Functions) {
		f.logger = logger
	}
}

// New creates host functions with dependencies. kv may be nil, in which case
// the kv functions report the store as unavailable. Panics if enforcer is nil.
func New(kv KVStore, enforcer *capability.Enforcer, opts ...Option) *Functions {
	if enforcer == nil {
		panic("hostfunc.New: enforcer cannot be nil")
	}
	f := &Functions{
		kvStore:  kv,
		enforcer: enforcer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds host functions to a Lua state for one plugin.
func (f *Functions) Register(ls *lua.LState, pluginID string) {
	mod := ls.NewTable()

	// no capability required
	ls.SetField(mod, "log", ls.NewFunction(f.logFn(pluginID)))
	ls.SetField(mod, "new_request_id", ls.NewFunction(newRequestIDFn))
	ls.SetField(mod, "has_capability", ls.NewFunction(f.hasCapabilityFn(pluginID)))

	ls.SetField(mod, "kv_get", ls.NewFunction(f.wrap(pluginID, CapKVRead, f.kvGetFn(pluginID))))
	ls.SetField(mod, "kv_set", ls.NewFunction(f.wrap(pluginID, CapKVWrite, f.kvSetFn(pluginID))))
	ls.SetField(mod, "kv_delete", ls.NewFunction(f.wrap(pluginID, CapKVWrite, f.kvDeleteFn(pluginID))))

	ls.SetGlobal(GlobalName, mod)
}

func (f *Functions) wrap(pluginID, capName string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if !f.enforcer.Check(pluginID, capName) {
			L.RaiseError("capability denied: %s requires %s", pluginID, capName)
			return 0
		}
		return fn(L)
	}
}

// pushError pushes nil followed by an error string and returns 2.
func pushError(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

// callContext derives a bounded context from the Lua state's context, which
// the runtime sets to the lifecycle call context.
func callContext(L *lua.LState) (context.Context, context.CancelFunc) {
	parent := L.Context()
	if parent == nil {
		parent = context.Background()
	}
	if _, ok := parent.Deadline(); ok {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, defaultCallTimeout)
}

func (f *Functions) logFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		logger := f.logger.With("plugin", pluginID)
		switch level {
		case "debug":
			logger.DebugContext(ctx, message)
		case "info":
			logger.InfoContext(ctx, message)
		case "warn":
			logger.WarnContext(ctx, message)
		case "error":
			logger.ErrorContext(ctx, message)
		default:
			L.ArgError(1, fmt.Sprintf("invalid log level %q: use debug, info, warn or error", level))
		}
		return 0
	}
}

func newRequestIDFn(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}

func (f *Functions) hasCapabilityFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LBool(f.enforcer.Check(pluginID, L.CheckString(1))))
		return 1
	}
}

// sanitizeError turns a store failure into a message safe to hand to plugin
// code. Internal failures are logged with a correlation id instead.
func (f *Functions) sanitizeError(pluginID, op string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		f.logger.Warn("kv operation timed out", "plugin", pluginID, "operation", op)
		return "operation timed out"
	}
	errorID := ulid.Make().String()
	f.logger.Error("kv operation failed",
		"error_id", errorID,
		"plugin", pluginID,
		"operation", op,
		"error", err)
	return fmt.Sprintf("internal error (ref: %s)", errorID)
}

func (f *Functions) kvGetFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if f.kvStore == nil {
			return pushError(L, "kv store not available")
		}

		ctx, cancel := callContext(L)
		defer cancel()

		value, err := f.kvStore.Get(ctx, pluginID, key)
		if err != nil {
			return pushError(L, f.sanitizeError(pluginID, "kv_get", err))
		}
		if value == nil {
			// not found is not an error
			return pushSuccess(L, lua.LNil)
		}
		return pushSuccess(L, lua.LString(string(value)))
	}
}

func (f *Functions) kvSetFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)
		if f.kvStore == nil {
			return pushError(L, "kv store not available")
		}

		ctx, cancel := callContext(L)
		defer cancel()

		if err := f.kvStore.Set(ctx, pluginID, key, []byte(value)); err != nil {
			return pushError(L, f.sanitizeError(pluginID, "kv_set", err))
		}
		return pushSuccess(L, lua.LNil)
	}
}

func (f *Functions) kvDeleteFn(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if f.kvStore == nil {
			return pushError(L, "kv store not available")
		}

		ctx, cancel := callContext(L)
		defer cancel()

		if err := f.kvStore.Delete(ctx, pluginID, key); err != nil {
			return pushError(L, f.sanitizeError(pluginID, "kv_delete", err))
		}
		return pushSuccess(L, lua.LNil)
	}
}
