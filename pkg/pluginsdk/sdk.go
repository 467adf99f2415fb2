// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package pluginsdk provides the SDK for building plughost plugins.
//
// Every plugin, whatever runtime loads it, satisfies the same factory
// contract: a single well-known entry returns the ABI version the plugin was
// built against plus the plugin instance. The host refuses instances whose
// ABI version differs from ABIVersion.
//
// Native (shared object) plugins export the factory as a package-level
// function named by FactorySymbol:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/plughost/plughost/pkg/pluginsdk"
//	)
//
//	type greeter struct{}
//
//	func (g *greeter) Initialize(ctx context.Context, config map[string]any) error { return nil }
//	func (g *greeter) Shutdown(ctx context.Context) error                         { return nil }
//
//	func NewPlugin() (uint32, pluginsdk.Plugin) {
//		return pluginsdk.ABIVersion, &greeter{}
//	}
//
// Process plugins call Serve from main instead; see Serve.
package pluginsdk

import (
	"context"

	hashiplug "github.com/hashicorp/go-plugin"
)

// ABIVersion is the binary contract version the host expects.
const ABIVersion uint32 = 1

// FactorySymbol is the exported symbol native plugins must provide.
const FactorySymbol = "NewPlugin"

// Factory is the shape of the exported entry symbol.
type Factory = func() (uint32, Plugin)

// Plugin is the interface every plugin instance implements.
type Plugin interface {
	// Initialize starts the plugin with its configuration.
	Initialize(ctx context.Context, config map[string]any) error

	// Shutdown stops the plugin. The instance is discarded afterwards.
	Shutdown(ctx context.Context) error
}

// Pausable is implemented by plugins that can suspend work without being
// unloaded. Dependents of a plugin being hot-reloaded are paused if they
// implement it and stopped otherwise.
type Pausable interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Snapshotter is implemented by plugins whose live configuration may drift
// from the one they were initialized with. The snapshot is restored into the
// replacement instance on hot reload.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]any, error)
}

// InterfaceProvider exposes typed views of a plugin keyed by capability tag.
type InterfaceProvider interface {
	QueryInterface(tag string) (any, bool)
}

// Features lists the optional interfaces an instance supports.
type Features struct {
	Pause    bool `json:"pause"`
	Snapshot bool `json:"snapshot"`
}

// FeatureReporter is implemented by proxies that satisfy every optional
// interface in Go but forward to an implementation that may not.
type FeatureReporter interface {
	Features() Features
}

// AsPausable returns p as a Pausable if it really supports pausing.
func AsPausable(p Plugin) (Pausable, bool) {
	if r, ok := p.(FeatureReporter); ok && !r.Features().Pause {
		return nil, false
	}
	pp, ok := p.(Pausable)
	return pp, ok
}

// AsSnapshotter returns p as a Snapshotter if it really supports snapshots.
func AsSnapshotter(p Plugin) (Snapshotter, bool) {
	if r, ok := p.(FeatureReporter); ok && !r.Features().Snapshot {
		return nil, false
	}
	s, ok := p.(Snapshotter)
	return s, ok
}

// HandshakeConfig is the go-plugin handshake for process plugins. The
// protocol version is the ABI version, so a process plugin built against a
// different ABI fails the handshake.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  uint(ABIVersion),
	MagicCookieKey:   "PLUGHOST_PLUGIN",
	MagicCookieValue: "plughost-module",
}

// PluginName is the name under which process plugins are dispensed.
const PluginName = "plugin"

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Plugin is the instance served to the host.
	// Required; Serve will panic if nil.
	Plugin Plugin
}

// Serve starts a process plugin. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Plugin == nil {
		panic("pluginsdk: config.Plugin cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &GRPCPlugin{Impl: config.Plugin},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}
