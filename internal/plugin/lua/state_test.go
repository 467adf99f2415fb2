// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package lua_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	luavm "github.com/yuin/gopher-lua"

	pluginlua "github.com/plughost/plughost/internal/plugin/lua"
)

func newState(t *testing.T, opts ...pluginlua.FactoryOption) *luavm.LState {
	t.Helper()
	L, err := pluginlua.NewStateFactory(opts...).NewState(context.Background())
	require.NoError(t, err)
	t.Cleanup(L.Close)
	return L
}

func TestStateFactory_NewState_Sandbox(t *testing.T) {
	L := newState(t)

	for _, lib := range []string{"table", "string", "math"} {
		assert.NotEqual(t, luavm.LTNil, L.GetGlobal(lib).Type(), "library %q should be loaded", lib)
	}
	for _, lib := range []string{"os", "io", "debug", "package", "channel", "coroutine"} {
		assert.Equal(t, luavm.LTNil, L.GetGlobal(lib).Type(), "library %q should not be loaded", lib)
	}
	for _, fn := range []string{"dofile", "loadfile", "loadstring", "load", "require"} {
		assert.Equal(t, luavm.LTNil, L.GetGlobal(fn).Type(), "function %q should be blocked", fn)
	}
}

func TestStateFactory_NewState_SafeLibrariesWork(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"arithmetic", `result = 1 + 1`, "2"},
		{"string", `result = string.upper("hello")`, "HELLO"},
		{"table", `local t = {3, 1, 2}; table.sort(t); result = t[1]`, "1"},
		{"math", `result = math.abs(-42)`, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := newState(t)
			require.NoError(t, L.DoString(tt.code))
			assert.Equal(t, tt.want, L.GetGlobal("result").String())
		})
	}
}

func TestStateFactory_NewState_Independent(t *testing.T) {
	L1 := newState(t)
	L2 := newState(t)

	require.NoError(t, L1.DoString(`foo = "bar"`))
	assert.Equal(t, luavm.LTNil, L2.GetGlobal("foo").Type())
}

func TestStateFactory_CallStackLimit(t *testing.T) {
	L := newState(t, pluginlua.WithCallStackSize(16))

	err := L.DoString(`
		local function recurse(n) return recurse(n + 1) + 1 end
		recurse(1)
	`)
	require.Error(t, err)
}
