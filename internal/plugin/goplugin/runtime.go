// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package goplugin runs process plugins: separate executables speaking the
// lifecycle service over gRPC through HashiCorp's go-plugin.
package goplugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"

	plugins "github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/pkg/pluginsdk"
)

// Compile-time interface check.
var _ plugins.Runtime = (*Runtime)(nil)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client starts the process if needed and returns the gRPC protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath comes from a dry-validated descriptor
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
	})
}

// Runtime opens process plugins.
type Runtime struct {
	factory ClientFactory
	logger  *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClientFactory replaces the go-plugin client factory. Used for testing.
func WithClientFactory(f ClientFactory) Option {
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

// NewRuntime creates a process plugin runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		factory: &DefaultClientFactory{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind implements plugins.Runtime.
func (r *Runtime) Kind() plugins.RuntimeKind { return plugins.RuntimeProcess }

// Inspect checks that the entry is an executable regular file. The process
// is not started.
func (r *Runtime) Inspect(_ context.Context, d *plugins.Descriptor) error {
	info, err := os.Stat(d.Entry)
	if err != nil {
		if os.IsNotExist(err) {
			return plugins.ErrFileNotFound(d.Entry)
		}
		return plugins.ErrLoadFailed(d.Entry, err)
	}
	if !info.Mode().IsRegular() {
		return plugins.ErrInvalidFormat(d.Entry, errors.New("entry is not a regular file"))
	}
	if info.Mode().Perm()&0o111 == 0 {
		return plugins.ErrInvalidFormat(d.Entry, errors.New("entry is not executable"))
	}
	return nil
}

// Open starts the plugin process and completes the go-plugin handshake.
func (r *Runtime) Open(_ context.Context, d *plugins.Descriptor) (plugins.Module, error) {
	client := r.factory.NewClient(d.Entry)

	rpc, err := client.Client()
	if err != nil {
		client.Kill()
		if handshakeRefused(err) {
			if got, ok := refusedVersion(err); ok {
				return nil, plugins.ErrAbiMismatch(d.Entry, pluginsdk.ABIVersion, got)
			}
			return nil, plugins.ErrLoadFailed(d.Entry, fmt.Errorf("plugin handshake refused: %w", err))
		}
		return nil, plugins.ErrLoadFailed(d.Entry, fmt.Errorf("failed to start plugin process: %w", err))
	}

	r.logger.Debug("started plugin process", "plugin", d.ID, "path", d.Entry)
	return &module{client: client, rpc: rpc, path: d.Entry, logger: r.logger}, nil
}

// module is one running plugin process.
type module struct {
	client PluginClient
	rpc    hashiplug.ClientProtocol
	path   string
	logger *slog.Logger
	once   sync.Once
}

// Instantiate dispenses the lifecycle client. The ABI version is the one the
// process reports about itself.
func (m *module) Instantiate(_ context.Context) (uint32, pluginsdk.Plugin, error) {
	raw, err := m.rpc.Dispense(pluginsdk.PluginName)
	if err != nil {
		if notServed(err) {
			return 0, nil, plugins.ErrSymbolNotFound(m.path, pluginsdk.PluginName)
		}
		return 0, nil, plugins.ErrLoadFailed(m.path, fmt.Errorf("failed to dispense plugin: %w", err))
	}
	client, ok := raw.(*pluginsdk.LifecycleClient)
	if !ok {
		return 0, nil, plugins.ErrInvalidFormat(m.path, fmt.Errorf("dispensed %T, not a lifecycle client", raw))
	}
	return client.ABIVersion(), client, nil
}

// Close closes the connection and kills the process.
func (m *module) Close(_ context.Context) error {
	m.once.Do(func() {
		if err := m.rpc.Close(); err != nil {
			m.logger.Debug("plugin connection close failed", "path", m.path, "error", err)
		}
		m.client.Kill()
	})
	return nil
}
