// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package plugin is the plugin runtime core: descriptors, the registry, the
// loader, the dependency resolver, the lifecycle state machine, and the
// Manager facade composing them.
//
// A plugin only becomes Running after every plugin it depends on is Running,
// and only becomes Unloaded after every plugin depending on it is Unloaded.
// Modules are opened through a Runtime (see the lua, goplugin and native
// subpackages); all calls into foreign code run on a bounded worker pool
// with a timeout.
package plugin
