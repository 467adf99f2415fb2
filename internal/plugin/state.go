// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

// State is the lifecycle state of a registry entry.
type State int

// Lifecycle states. Unloaded is both the initial and the terminal state.
const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateInitializing
	StateRunning
	StatePausing
	StatePaused
	StateResuming
	StateStopping
	StateError
)

var stateNames = [...]string{
	StateUnloaded:     "unloaded",
	StateLoading:      "loading",
	StateLoaded:       "loaded",
	StateInitializing: "initializing",
	StateRunning:      "running",
	StatePausing:      "pausing",
	StatePaused:       "paused",
	StateResuming:     "resuming",
	StateStopping:     "stopping",
	StateError:        "error",
}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

// HasHandle reports whether an entry in state s owns an open module handle.
func (s State) HasHandle() bool {
	switch s {
	case StateLoaded, StateInitializing, StateRunning,
		StatePausing, StatePaused, StateResuming, StateStopping:
		return true
	default:
		return false
	}
}

// Active reports whether s counts as "in use" for dependency purposes.
// Everything except Unloaded is active; an entry in Error still blocks the
// removal of what it depends on until it is explicitly unloaded.
func (s State) Active() bool {
	return s != StateUnloaded
}

// transitions is the allowed edge set of the state machine. Error is
// reachable from every state except Unloaded and is handled separately.
var transitions = map[State][]State{
	StateUnloaded:     {StateLoading},
	StateLoading:      {StateLoaded, StateUnloaded},
	StateLoaded:       {StateInitializing, StateStopping},
	StateInitializing: {StateRunning},
	StateRunning:      {StatePausing, StateStopping},
	StatePausing:      {StatePaused},
	StatePaused:       {StateResuming, StateStopping},
	StateResuming:     {StateRunning},
	StateStopping:     {StateUnloaded},
	StateError:        {StateUnloaded, StateLoading},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	if to == StateError {
		return from != StateUnloaded && from != StateError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
