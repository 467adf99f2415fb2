// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package xdg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirs(t *testing.T) {
	tests := []struct {
		name    string
		fn      func() (string, error)
		env     string
		envVal  string
		want    string
		homeDef string
	}{
		{"config from env", ConfigDir, "XDG_CONFIG_HOME", "/custom/config", "/custom/config/plughost", ""},
		{"config default", ConfigDir, "XDG_CONFIG_HOME", "", "/home/testuser/.config/plughost", "/home/testuser"},
		{"data from env", DataDir, "XDG_DATA_HOME", "/custom/data", "/custom/data/plughost", ""},
		{"data default", DataDir, "XDG_DATA_HOME", "", "/home/testuser/.local/share/plughost", "/home/testuser"},
		{"state from env", StateDir, "XDG_STATE_HOME", "/custom/state", "/custom/state/plughost", ""},
		{"state default", StateDir, "XDG_STATE_HOME", "", "/home/testuser/.local/state/plughost", "/home/testuser"},
		{"plugins", PluginsDir, "XDG_DATA_HOME", "/custom/data", "/custom/data/plughost/plugins", ""},
		{"config file", ConfigFile, "XDG_CONFIG_HOME", "/custom/config", "/custom/config/plughost/config.yaml", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.envVal)
			if tt.homeDef != "" {
				t.Setenv("HOME", tt.homeDef)
			}
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirs_NoHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "")

	_, err := ConfigDir()
	assert.Error(t, err)
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDir(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	require.NoError(t, EnsureDir(path), "existing directory is fine")
}
