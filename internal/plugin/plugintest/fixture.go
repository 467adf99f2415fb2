// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugintest

import (
	"os"
	"path/filepath"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/plughost/plughost/internal/plugin"
)

// TestingT is the part of testing.TB fixtures use. Both *testing.T and
// GinkgoT() satisfy it.
type TestingT interface {
	require.TestingT
	Helper()
}

// Fixture describes a plugin directory to write.
type Fixture struct {
	ID           string
	Version      string
	Runtime      plugin.RuntimeKind
	Entry        string
	Content      []byte
	Dependencies []plugin.DependencyDoc
	Capabilities []string
	Config       map[string]any
}

// Dep builds a dependency entry with a minimum version.
func Dep(id, minVersion string) plugin.DependencyDoc {
	return plugin.DependencyDoc{ID: id, MinVersion: minVersion}
}

// Write creates root/<id>/plugin.yaml plus the entry file and returns the
// plugin directory and the absolute entry path.
func Write(t TestingT, root string, f Fixture) (dir, entry string) {
	t.Helper()
	if f.Version == "" {
		f.Version = "1.0.0"
	}
	if f.Runtime == "" {
		f.Runtime = plugin.RuntimeNative
	}
	if f.Entry == "" {
		f.Entry = "module.so"
	}
	if f.Content == nil {
		f.Content = []byte(f.ID + "@" + f.Version)
	}

	dir = filepath.Join(root, f.ID)
	require.NoError(t, os.MkdirAll(dir, 0o750))

	doc := plugin.Document{
		ID:           f.ID,
		Version:      f.Version,
		Runtime:      f.Runtime,
		Entry:        f.Entry,
		Dependencies: f.Dependencies,
		Capabilities: f.Capabilities,
		Config:       f.Config,
	}
	data, err := yaml.Marshal(&doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.DescriptorFile), data, 0o600))

	entry = filepath.Join(dir, f.Entry)
	require.NoError(t, os.WriteFile(entry, f.Content, 0o600))
	return dir, entry
}
