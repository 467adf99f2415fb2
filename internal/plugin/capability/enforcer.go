// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package capability is the security layer consulted before a plugin module
// is opened, and by host functions at call time.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "kv.*" matches "kv.read" but NOT "kv.read.all"
//   - "kv.**" matches both "kv.read" AND "kv.read.all"
//   - "**" matches any capability
//
// Plugin identities are matched the same way, so "com.example.*" grants to
// every plugin directly under "com.example".
package capability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	plugins "github.com/plughost/plughost/internal/plugin"
)

// Compile-time interface check.
var _ plugins.Authorizer = (*Enforcer)(nil)

// compiledPattern holds a pattern and its compiled glob for efficient matching.
type compiledPattern struct {
	pattern string
	glob    glob.Glob
}

// rule grants capabilities to every plugin whose identity matches selector.
type rule struct {
	selector compiledPattern
	grants   []compiledPattern
}

// Enforcer checks plugin identities and capabilities.
//
// Enforcer is safe for concurrent use. The zero value allows every plugin
// and grants nothing.
type Enforcer struct {
	allow []compiledPattern
	rules []rule
	mu    sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

func compile(patterns []string, what string) ([]compiledPattern, error) {
	out := make([]compiledPattern, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, fmt.Errorf("%s %d: empty pattern", what, i)
		}
		// '.' as separator so '*' doesn't cross segment boundaries
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("%s %d (%q): %w", what, i, pattern, err)
		}
		out[i] = compiledPattern{pattern: pattern, glob: g}
	}
	return out, nil
}

func matchAny(patterns []compiledPattern, s string) bool {
	for _, p := range patterns {
		if p.glob.Match(s) {
			return true
		}
	}
	return false
}

// SetAllowList replaces the identity allow list. An empty list allows every
// identity. If validation fails, no changes are made.
func (e *Enforcer) SetAllowList(patterns []string) error {
	compiled, err := compile(patterns, "allow pattern")
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.allow = compiled
	return nil
}

// SetGrants configures the capabilities granted to plugins matching
// selector, which is an exact identity or an identity glob. Calling SetGrants
// again for the same selector replaces its previous grants. If validation
// fails, no changes are made.
func (e *Enforcer) SetGrants(selector string, capabilities []string) error {
	if selector == "" {
		return errors.New("plugin selector cannot be empty")
	}
	sel, err := compile([]string{selector}, "selector")
	if err != nil {
		return err
	}
	grants, err := compile(capabilities, "capability")
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := rule{selector: sel[0], grants: grants}
	for i := range e.rules {
		if e.rules[i].selector.pattern == selector {
			e.rules[i] = r
			return nil
		}
	}
	e.rules = append(e.rules, r)
	return nil
}

// RemoveGrants removes the rule for selector. Safe to call for unknown
// selectors.
func (e *Enforcer) RemoveGrants(selector string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = slices.DeleteFunc(e.rules, func(r rule) bool {
		return r.selector.pattern == selector
	})
}

// GetGrants returns the capability patterns that apply to a plugin, in rule
// order. Returns nil if no rule selects it.
func (e *Enforcer) GetGrants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var patterns []string
	for _, r := range e.rules {
		if !r.selector.glob.Match(plugin) {
			continue
		}
		for _, g := range r.grants {
			patterns = append(patterns, g.pattern)
		}
	}
	return patterns
}

// Allowed reports whether the identity passes the allow list.
func (e *Enforcer) Allowed(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.allow) == 0 || matchAny(e.allow, plugin)
}

// Check returns true if the plugin has the requested capability.
//
// Returns false in these cases (deny by default):
//   - Empty plugin name or capability
//   - No rule selects the plugin
//   - No selecting rule grants the capability
func (e *Enforcer) Check(plugin, capability string) bool {
	if plugin == "" || capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.checkLocked(plugin, capability)
}

func (e *Enforcer) checkLocked(plugin, capability string) bool {
	for _, r := range e.rules {
		if r.selector.glob.Match(plugin) && matchAny(r.grants, capability) {
			return true
		}
	}
	return false
}

// Authorize implements plugins.Authorizer. A plugin is refused when its
// identity is outside the allow list or, once any grant rule exists, when
// it advertises a capability no rule grants it.
func (e *Enforcer) Authorize(_ context.Context, d *plugins.Descriptor) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.allow) > 0 && !matchAny(e.allow, d.ID) {
		return plugins.ErrPermissionDenied(d.ID, errors.New("identity is not in the allow list"))
	}
	if len(e.rules) == 0 {
		return nil
	}

	var denied []string
	for _, c := range d.Capabilities {
		if !e.checkLocked(d.ID, c) {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return plugins.ErrPermissionDenied(d.ID,
			fmt.Errorf("capabilities not granted: %s", strings.Join(denied, ", ")))
	}
	return nil
}
