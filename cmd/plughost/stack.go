// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"log/slog"

	"github.com/samber/oops"

	"github.com/plughost/plughost/internal/config"
	"github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/capability"
	"github.com/plughost/plughost/internal/plugin/goplugin"
	"github.com/plughost/plughost/internal/plugin/hostfunc"
	"github.com/plughost/plughost/internal/plugin/lua"
	"github.com/plughost/plughost/internal/plugin/native"
)

// stack is the plugin host assembled from a configuration.
type stack struct {
	manager  *plugin.Manager
	enforcer *capability.Enforcer
	kv       *hostfunc.MemoryStore
}

// newEnforcer builds the permission gate from the security section.
func newEnforcer(sec config.SecurityConfig) (*capability.Enforcer, error) {
	e := capability.NewEnforcer()
	if err := e.SetAllowList(sec.Allow); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("key", "security.allow").Wrap(err)
	}
	for i, g := range sec.Grants {
		if err := e.SetGrants(g.Plugin, g.Capabilities); err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("key", "security.grants").With("index", i).Wrap(err)
		}
	}
	return e, nil
}

// newLoader registers every runtime. The native runtime is registered even
// where the platform cannot open shared objects so descriptors naming it
// fail with a load error rather than an unknown runtime.
func newLoader(enforcer *capability.Enforcer, kv hostfunc.KVStore, logger *slog.Logger) *plugin.Loader {
	host := hostfunc.New(kv, enforcer, hostfunc.WithLogger(logger))
	return plugin.NewLoader(
		plugin.WithRuntime(native.NewRuntime(native.WithLogger(logger))),
		plugin.WithRuntime(goplugin.NewRuntime(goplugin.WithLogger(logger))),
		plugin.WithRuntime(lua.NewRuntime(lua.WithHostFunctions(host), lua.WithLogger(logger))),
		plugin.WithLoaderLogger(logger),
	)
}

func buildStack(cfg *config.Config, logger *slog.Logger, opts ...plugin.ManagerOption) (*stack, error) {
	enforcer, err := newEnforcer(cfg.Security)
	if err != nil {
		return nil, err
	}
	kv := hostfunc.NewMemoryStore()

	if !native.Supported() {
		logger.Debug("native plugins are not supported on this platform")
	}

	base := []plugin.ManagerOption{
		plugin.WithLoader(newLoader(enforcer, kv, logger)),
		plugin.WithSearchPaths(cfg.Plugins.SearchPaths...),
		plugin.WithWorkers(cfg.Plugins.Workers),
		plugin.WithCallTimeout(cfg.Plugins.CallTimeout),
		plugin.WithDependencyWait(cfg.Plugins.DependencyWait),
		plugin.WithMaxResolveDepth(cfg.Plugins.MaxResolveDepth),
		plugin.WithAuthorizer(enforcer),
		plugin.WithLogger(logger),
	}
	return &stack{
		manager:  plugin.NewManager(append(base, opts...)...),
		enforcer: enforcer,
		kv:       kv,
	}, nil
}
