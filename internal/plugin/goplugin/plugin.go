// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package goplugin

import (
	"regexp"
	"strconv"
	"strings"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/plughost/plughost/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]hashiplug.Plugin{
	pluginsdk.PluginName: &pluginsdk.GRPCPlugin{},
}

// handshakeRefused reports whether err is go-plugin refusing the process
// because its protocol version, which carries the ABI version, differs.
func handshakeRefused(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Incompatible API version")
}

var pluginVersionPattern = regexp.MustCompile(`Plugin version: (\d+)`)

// refusedVersion extracts the protocol version a refused process reported
// about itself.
func refusedVersion(err error) (uint32, bool) {
	m := pluginVersionPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	v, perr := strconv.ParseUint(m[1], 10, 32)
	if perr != nil {
		return 0, false
	}
	return uint32(v), true
}

// notServed reports whether err is go-plugin failing to dispense a plugin
// name the process does not serve.
func notServed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unknown plugin type")
}
