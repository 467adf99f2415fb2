// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plughost/plughost/internal/config"
	"github.com/plughost/plughost/internal/observability"
	"github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/plugintest"
	"github.com/plughost/plughost/pkg/errutil"
)

const greeterScript = `
local greeter = {}

function greeter:initialize(config)
  self.greeting = config.greeting or "hello"
end

function greeter:shutdown() end

function plugin_factory()
  return 1, greeter
end
`

// isolate keeps the user's configuration out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	configFile = ""
}

func writeLua(t *testing.T, root, id string, deps ...plugin.DependencyDoc) string {
	t.Helper()
	dir, _ := plugintest.Write(t, root, plugintest.Fixture{
		ID:           id,
		Runtime:      plugin.RuntimeLua,
		Entry:        "main.lua",
		Content:      []byte(greeterScript),
		Dependencies: deps,
		Config:       map[string]any{"greeting": "hi"},
	})
	return dir
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	isolate(t)
	out, err := execute(t, context.Background(), "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "discover", "validate", "order", "schema", "migrate", "history"} {
		assert.Contains(t, out, sub, "help missing %q command", sub)
	}
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	isolate(t)
	_, err := execute(t, context.Background(), "--config=/etc/plughost.yaml", "--help")
	require.NoError(t, err)
	assert.Equal(t, "/etc/plughost.yaml", configFile)
}

func TestValidate(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	dir := writeLua(t, root, "greeter")

	out, err := execute(t, context.Background(), "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "valid: greeter 1.0.0 (lua runtime)")
}

func TestValidate_Failures(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	broken, _ := plugintest.Write(t, root, plugintest.Fixture{
		ID:      "broken",
		Runtime: plugin.RuntimeLua,
		Entry:   "main.lua",
		Content: []byte("function plugin_factory("),
	})
	writeLua(t, root, "greeter")

	_, err := execute(t, context.Background(), "validate", broken)
	errutil.AssertErrorCode(t, err, plugin.CodeInvalidFormat)

	_, err = execute(t, context.Background(), "validate", root+"/missing")
	errutil.AssertErrorCode(t, err, plugin.CodeFileNotFound)
}

func TestValidate_RefusedByAllowList(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	dir := writeLua(t, root, "greeter")
	cfgPath := writeConfig(t, "security:\n  allow: [\"core.*\"]\n")

	out, err := execute(t, context.Background(), "--config", cfgPath, "validate", dir)
	errutil.AssertErrorCode(t, err, plugin.CodePermissionDenied)
	assert.Contains(t, out, "would be refused")
}

func TestOrder(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	writeLua(t, root, "app", plugintest.Dep("store", "1.0.0"))
	writeLua(t, root, "store", plugintest.Dep("base", "1.0.0"))
	writeLua(t, root, "base")

	out, err := execute(t, context.Background(), "order", root)
	require.NoError(t, err)
	assert.Equal(t, "1. base\n2. store\n3. app\n", out)
}

func TestOrder_Cycle(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	writeLua(t, root, "a", plugintest.Dep("b", "1.0.0"))
	writeLua(t, root, "b", plugintest.Dep("a", "1.0.0"))

	out, err := execute(t, context.Background(), "order", root)
	errutil.AssertErrorCode(t, err, plugin.CodeCircularDependency)
	assert.Contains(t, out, "cycle:")
}

func TestDiscover_JSON(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	writeLua(t, root, "greeter")
	plugintest.Write(t, root, plugintest.Fixture{ID: "bad", Runtime: plugin.RuntimeLua, Entry: "main.lua", Content: []byte("(")})

	out, err := execute(t, context.Background(), "discover", "--json", root)
	require.NoError(t, err)

	var got discovered
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Plugins, 1)
	assert.Equal(t, "greeter", got.Plugins[0].ID)
	assert.Equal(t, "lua", got.Plugins[0].Runtime)
	assert.Len(t, got.Errors, 1)
}

func TestSchema(t *testing.T) {
	isolate(t)
	out, err := execute(t, context.Background(), "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, "plughost plugin descriptor", schema["title"])
}

func TestJournalCommands_RequireDatabase(t *testing.T) {
	isolate(t)
	for _, sub := range []string{"migrate", "history"} {
		t.Run(sub, func(t *testing.T) {
			_, err := execute(t, context.Background(), sub)
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		})
	}
}

func TestRun_LoadsAndUnloads(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	writeLua(t, root, "greeter")
	writeLua(t, root, "needy", plugintest.Dep("absent", "1.0.0"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := execute(t, ctx, "run", "--plugin-dir", root, "--watch")
	require.NoError(t, err)

	assert.Contains(t, out, "OK    greeter")
	assert.Contains(t, out, "FAIL  needy")
	assert.Contains(t, out, "1 loaded, 1 failed")
}

func TestStack_Status(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	writeLua(t, root, "greeter")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Security.Grants = []config.Grant{{Plugin: "greeter", Capabilities: []string{"kv.read"}}}

	s, err := buildStack(cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.manager.Close(context.Background()) })

	_, err = s.manager.Load(context.Background(), root+"/greeter", plugin.LoadOptions{})
	require.NoError(t, err)

	status := s.status()
	require.Len(t, status, 1)
	assert.Equal(t, "greeter", status[0].ID)
	assert.Equal(t, "running", status[0].State)
	assert.Equal(t, "lua", status[0].Runtime)
	assert.Equal(t, 1, status[0].LoadCount)
	assert.Equal(t, []string{"kv.read"}, status[0].Grants)
}

func TestReloadTarget_CountsQueuedReloads(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	dir := writeLua(t, root, "greeter")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	s, err := buildStack(cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.manager.Close(context.Background()) })
	_, err = s.manager.Load(context.Background(), dir, plugin.LoadOptions{})
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	target := reloadTarget{reloader: plugin.NewReloader(s.manager), metrics: metrics}

	ids := target.EnqueuePath(dir + "/plugin.yaml")
	assert.Equal(t, []string{"greeter"}, ids)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReloadRequests.WithLabelValues("watch", "queued")))

	assert.Empty(t, target.EnqueuePath(root+"/elsewhere.lua"))
}

func TestValidate_BundledLuaExample(t *testing.T) {
	isolate(t)
	out, err := execute(t, context.Background(), "validate", "../../plugins/counter")
	require.NoError(t, err)
	assert.Contains(t, out, "valid: counter 1.0.0 (lua runtime)")
}
