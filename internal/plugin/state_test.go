// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	plugins "github.com/plughost/plughost/internal/plugin"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "unloaded", plugins.StateUnloaded.String())
	assert.Equal(t, "running", plugins.StateRunning.String())
	assert.Equal(t, "error", plugins.StateError.String())
	assert.Equal(t, "unknown", plugins.State(99).String())
}

func TestState_HasHandle(t *testing.T) {
	withHandle := map[plugins.State]bool{
		plugins.StateLoaded:       true,
		plugins.StateInitializing: true,
		plugins.StateRunning:      true,
		plugins.StatePausing:      true,
		plugins.StatePaused:       true,
		plugins.StateResuming:     true,
		plugins.StateStopping:     true,
	}
	for _, s := range plugins.AllStates() {
		assert.Equal(t, withHandle[s], s.HasHandle(), s.String())
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to plugins.State
		want     bool
	}{
		{plugins.StateUnloaded, plugins.StateLoading, true},
		{plugins.StateUnloaded, plugins.StateRunning, false},
		{plugins.StateLoading, plugins.StateLoaded, true},
		{plugins.StateLoading, plugins.StateUnloaded, true},
		{plugins.StateLoaded, plugins.StateInitializing, true},
		{plugins.StateLoaded, plugins.StateRunning, false},
		{plugins.StateInitializing, plugins.StateRunning, true},
		{plugins.StateRunning, plugins.StatePausing, true},
		{plugins.StatePausing, plugins.StatePaused, true},
		{plugins.StatePaused, plugins.StateResuming, true},
		{plugins.StateResuming, plugins.StateRunning, true},
		{plugins.StateRunning, plugins.StateStopping, true},
		{plugins.StatePaused, plugins.StateStopping, true},
		{plugins.StateStopping, plugins.StateUnloaded, true},
		{plugins.StateRunning, plugins.StateUnloaded, false},
		{plugins.StateError, plugins.StateUnloaded, true},
		{plugins.StateError, plugins.StateLoading, true},
		{plugins.StateError, plugins.StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, plugins.CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_ErrorReachableFromEveryNonTerminalState(t *testing.T) {
	for _, s := range plugins.AllStates() {
		want := s != plugins.StateUnloaded && s != plugins.StateError
		assert.Equal(t, want, plugins.CanTransition(s, plugins.StateError), s.String())
	}
}
