// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package pluginsdk_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plughost/plughost/pkg/pluginsdk"
)

type basicPlugin struct{}

func (p *basicPlugin) Initialize(_ context.Context, _ map[string]any) error { return nil }
func (p *basicPlugin) Shutdown(_ context.Context) error                   { return nil }

type pausablePlugin struct{ basicPlugin }

func (p *pausablePlugin) Pause(_ context.Context) error  { return nil }
func (p *pausablePlugin) Resume(_ context.Context) error { return nil }

// proxyPlugin claims every interface but reports no optional features.
type proxyPlugin struct{ pausablePlugin }

func (p *proxyPlugin) Snapshot(_ context.Context) (map[string]any, error) { return nil, nil }
func (p *proxyPlugin) Features() pluginsdk.Features                       { return pluginsdk.Features{} }

func TestServeConfig_PluginRequired(t *testing.T) {
	assert.Panics(t, func() {
		pluginsdk.Serve(&pluginsdk.ServeConfig{Plugin: nil})
	})
}

func TestServeConfig_ConfigRequired(t *testing.T) {
	assert.Panics(t, func() {
		pluginsdk.Serve(nil)
	})
}

func TestHandshakeConfig(t *testing.T) {
	assert.Equal(t, uint(pluginsdk.ABIVersion), pluginsdk.HandshakeConfig.ProtocolVersion)
	assert.Equal(t, "PLUGHOST_PLUGIN", pluginsdk.HandshakeConfig.MagicCookieKey)
	assert.Equal(t, "plughost-module", pluginsdk.HandshakeConfig.MagicCookieValue)
}

func TestAsPausable(t *testing.T) {
	tests := []struct {
		name   string
		plugin pluginsdk.Plugin
		want   bool
	}{
		{name: "basic plugin", plugin: &basicPlugin{}, want: false},
		{name: "pausable plugin", plugin: &pausablePlugin{}, want: true},
		{name: "proxy without pause feature", plugin: &proxyPlugin{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := pluginsdk.AsPausable(tt.plugin)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestAsSnapshotter_RespectsFeatures(t *testing.T) {
	_, ok := pluginsdk.AsSnapshotter(&proxyPlugin{})
	assert.False(t, ok)

	_, ok = pluginsdk.AsSnapshotter(&basicPlugin{})
	assert.False(t, ok)
}
