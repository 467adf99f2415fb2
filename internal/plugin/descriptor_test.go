// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/pkg/errutil"
)

// Helper functions for creating test fixtures with secure permissions.
func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

func TestParseDescriptor(t *testing.T) {
	data := []byte(`
id: storage
version: 2.3.1
name: Storage
author: Jane Doe
license: MIT
runtime: process
entry: bin/storage
dependencies:
  - id: core
    min_version: 2.0.0
  - id: metrics
    min_version: 1.1.0
    max_version: 1.5.0
capabilities:
  - storage.kv
config:
  size: 10
`)
	d, err := plugins.ParseDescriptor(data, "/opt/plugins/storage/plugin.yaml")
	require.NoError(t, err)

	assert.Equal(t, "storage", d.ID)
	assert.Equal(t, "2.3.1", d.Version.String())
	assert.Equal(t, "Jane Doe", d.Author)
	assert.Equal(t, plugins.RuntimeProcess, d.Runtime)
	assert.Equal(t, "/opt/plugins/storage/bin/storage", d.Entry)
	assert.Equal(t, "/opt/plugins/storage/plugin.yaml", d.Path)
	require.Len(t, d.Dependencies, 2)
	assert.Equal(t, "core>=2.0.0", d.Dependencies[0].String())
	assert.Equal(t, "metrics>=1.1.0,<1.5.0", d.Dependencies[1].String())
	assert.True(t, d.HasCapability("storage.kv"))
	assert.False(t, d.HasCapability("storage"))
	assert.True(t, d.DependsOn("core"))
	assert.Equal(t, 10, d.Defaults["size"])
}

func TestParseDescriptor_AbsoluteEntry(t *testing.T) {
	data := []byte("id: abs\nversion: 1.0.0\nruntime: native\nentry: /usr/lib/abs.so\n")
	d, err := plugins.ParseDescriptor(data, "/etc/plughost/abs.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/abs.so", d.Entry)
}

func TestParseDescriptor_InvalidFormat(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"bad yaml", "id: [oops"},
		{"bad id", "id: Bad\nversion: 1.0.0\nruntime: native\nentry: x.so\n"},
		{"id too long", "id: a" + strings.Repeat("b", 128) + "\nversion: 1.0.0\nruntime: native\nentry: x.so\n"},
		{"bad version", "id: a\nversion: 1.0\nruntime: native\nentry: x.so\n"},
		{"non strict version", "id: a\nversion: v1.0.0\nruntime: native\nentry: x.so\n"},
		{"bad runtime", "id: a\nversion: 1.0.0\nruntime: jvm\nentry: x.so\n"},
		{"missing entry", "id: a\nversion: 1.0.0\nruntime: native\n"},
		{"self dependency", "id: a\nversion: 1.0.0\nruntime: native\nentry: x.so\ndependencies:\n  - id: a\n"},
		{"duplicate dependency", "id: a\nversion: 1.0.0\nruntime: native\nentry: x.so\ndependencies:\n  - id: b\n  - id: b\n"},
		{"bad min version", "id: a\nversion: 1.0.0\nruntime: native\nentry: x.so\ndependencies:\n  - id: b\n    min_version: one\n"},
		{"max below min", "id: a\nversion: 1.0.0\nruntime: native\nentry: x.so\ndependencies:\n  - id: b\n    min_version: 2.0.0\n    max_version: 1.0.0\n"},
		{"empty capability", "id: a\nversion: 1.0.0\nruntime: native\nentry: x.so\ncapabilities: ['']\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugins.ParseDescriptor([]byte(tt.data), "/p/plugin.yaml")
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, plugins.CodeInvalidFormat)
		})
	}
}

func TestReadDescriptor(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "echo")
	mkdirAll(t, pluginDir)
	writeFile(t, filepath.Join(pluginDir, plugins.DescriptorFile),
		[]byte("id: echo\nversion: 1.0.0\nruntime: lua\nentry: main.lua\n"))

	t.Run("directory", func(t *testing.T) {
		d, err := plugins.ReadDescriptor(pluginDir)
		require.NoError(t, err)
		assert.Equal(t, "echo", d.ID)
		assert.Equal(t, filepath.Join(pluginDir, "main.lua"), d.Entry)
	})

	t.Run("document path", func(t *testing.T) {
		d, err := plugins.ReadDescriptor(filepath.Join(pluginDir, plugins.DescriptorFile))
		require.NoError(t, err)
		assert.Equal(t, "echo", d.ID)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := plugins.ReadDescriptor(filepath.Join(dir, "nope"))
		errutil.AssertErrorCode(t, err, plugins.CodeFileNotFound)
	})

	t.Run("directory without descriptor", func(t *testing.T) {
		empty := filepath.Join(dir, "empty")
		mkdirAll(t, empty)
		_, err := plugins.ReadDescriptor(empty)
		errutil.AssertErrorCode(t, err, plugins.CodeFileNotFound)
	})
}

func TestCloneConfig(t *testing.T) {
	orig := map[string]any{
		"name":  "x",
		"list":  []any{1, map[string]any{"k": "v"}},
		"inner": map[string]any{"deep": map[string]any{"n": 1}},
	}
	cp := plugins.CloneConfig(orig)
	assert.Equal(t, orig, cp)

	cp["inner"].(map[string]any)["deep"].(map[string]any)["n"] = 2
	cp["list"].([]any)[1].(map[string]any)["k"] = "changed"

	assert.Equal(t, 1, orig["inner"].(map[string]any)["deep"].(map[string]any)["n"])
	assert.Equal(t, "v", orig["list"].([]any)[1].(map[string]any)["k"])
	assert.Nil(t, plugins.CloneConfig(nil))
}
