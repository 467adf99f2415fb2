// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// EntryMetrics are per-entry counters maintained by the lifecycle.
type EntryMetrics struct {
	LoadCount        int
	ReloadCount      int
	FailureCount     int
	LastLoadDuration time.Duration
	LastTransition   time.Time
}

// Entry is a read-only view of a registry entry.
type Entry struct {
	Descriptor *Descriptor
	State      State
	// HasHandle is true while the entry owns an open module.
	HasHandle bool
	LastError error
	LoadTime  time.Time
	Config    map[string]any
	Metrics   EntryMetrics
}

// entry is the mutable record behind an Entry. Only the registry and the
// lifecycle touch it, always under the registry write lock.
type entry struct {
	desc     *Descriptor
	state    State
	handle   *Handle
	lastErr  error
	loadTime time.Time
	config   map[string]any
	metrics  EntryMetrics

	// good is the descriptor of the last binary that reached Running.
	good *Descriptor
}

func (e *entry) view() Entry {
	return Entry{
		Descriptor: e.desc,
		State:      e.state,
		HasHandle:  e.handle != nil,
		LastError:  e.lastErr,
		LoadTime:   e.loadTime,
		Config:     CloneConfig(e.config),
		Metrics:    e.metrics,
	}
}

// Snapshot is a point-in-time copy of the registered descriptors keyed by
// identity. The resolver operates only on snapshots.
type Snapshot map[string]*Descriptor

// IDs returns the identities in the snapshot in ascending order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry is the thread-safe store of known plugins plus the reverse
// dependency index. It never calls into plugin code.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// dependents maps a target identity to the identities declaring a
	// dependency on it. Targets need not be registered.
	dependents map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		dependents: make(map[string]map[string]struct{}),
	}
}

// Register adds d in state Unloaded and returns its identity.
func (r *Registry) Register(d *Descriptor) (string, error) {
	if d.DependsOn(d.ID) {
		return "", ErrCircularDependency([]string{d.ID, d.ID})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[d.ID]; ok {
		return "", ErrDuplicatePlugin(d.ID)
	}
	r.entries[d.ID] = &entry{desc: d, state: StateUnloaded}
	r.index(d)
	return d.ID, nil
}

// Unregister removes an entry. The entry must be Unloaded or Error, and no
// active entry may still depend on it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotLoaded(id)
	}
	if e.state != StateUnloaded && e.state != StateError {
		return ErrState(id, e.state, StateUnloaded)
	}
	if users := r.activeDependentsLocked(id); len(users) > 0 {
		return ErrDependencyInUse(id, users)
	}

	r.unindex(e.desc)
	delete(r.entries, id)
	return nil
}

// Get returns a view of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.view(), true
}

// State returns the lifecycle state of id, or Unloaded if it is unknown.
func (r *Registry) State(id string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[id]; ok {
		return e.state
	}
	return StateUnloaded
}

// List returns views of all entries ordered by identity.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.ID < out[j].Descriptor.ID
	})
	return out
}

// DependentsOf returns the registered identities that directly depend on id,
// in ascending order.
func (r *Registry) DependentsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependentsLocked(id)
}

// ActiveDependentsOf is DependentsOf restricted to entries that are not Unloaded.
func (r *Registry) ActiveDependentsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeDependentsLocked(id)
}

// Snapshot copies the current descriptors.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := make(Snapshot, len(r.entries))
	for id, e := range r.entries {
		s[id] = e.desc
	}
	return s
}

// States copies the current state of every entry.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.state
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// replaceDescriptor swaps the descriptor of an entry that holds no handle,
// keeping the reverse index consistent.
func (r *Registry) replaceDescriptor(id string, d *Descriptor) error {
	if d.DependsOn(d.ID) {
		return ErrCircularDependency([]string{d.ID, d.ID})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotLoaded(id)
	}
	if e.handle != nil {
		return ErrState(id, e.state, StateLoading)
	}
	r.unindex(e.desc)
	e.desc = d
	r.index(d)
	return nil
}

// update runs fn on the entry for id under the write lock.
func (r *Registry) update(id string, fn func(e *entry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotLoaded(id)
	}
	return fn(e)
}

// guard is evaluated under the write lock just before a transition commits.
// It sees every entry's state and may veto the transition.
type guard func(id string, states map[string]State, snap Snapshot) error

// transition moves id from one of the allowed source states to "to". A
// handle is attached only on the move to Loaded; states that own a handle
// keep the current one, and any other target detaches it. The detached
// handle is returned so the caller can close it once the registry no longer
// references it.
func (r *Registry) transition(id string, from []State, to State, h *Handle, cause error, g guard) (State, *Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return StateUnloaded, nil, ErrNotLoaded(id)
	}
	prev := e.state
	if len(from) > 0 && !slices.Contains(from, prev) {
		return prev, nil, ErrState(id, prev, to)
	}
	if !CanTransition(prev, to) {
		return prev, nil, ErrState(id, prev, to)
	}
	if (to == StateLoaded) != (h != nil) {
		return prev, nil, ErrState(id, prev, to)
	}
	if g != nil {
		if err := g(id, r.statesLocked(), r.snapshotLocked()); err != nil {
			return prev, nil, err
		}
	}

	var detached *Handle
	switch {
	case to == StateLoaded:
		e.handle = h
	case !to.HasHandle():
		detached = e.handle
		e.handle = nil
	}
	e.state = to
	e.metrics.LastTransition = time.Now()
	if to == StateError {
		e.lastErr = cause
		e.metrics.FailureCount++
	}
	return prev, detached, nil
}

// handle returns the handle currently owned by id.
func (r *Registry) handle(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.handle
	}
	return nil
}

func (r *Registry) statesLocked() map[string]State {
	out := make(map[string]State, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.state
	}
	return out
}

func (r *Registry) snapshotLocked() Snapshot {
	s := make(Snapshot, len(r.entries))
	for id, e := range r.entries {
		s[id] = e.desc
	}
	return s
}

func (r *Registry) dependentsLocked(id string) []string {
	set := r.dependents[id]
	out := make([]string, 0, len(set))
	for dep := range set {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) activeDependentsLocked(id string) []string {
	var out []string
	for _, dep := range r.dependentsLocked(id) {
		if e, ok := r.entries[dep]; ok && e.state.Active() {
			out = append(out, dep)
		}
	}
	return out
}

func (r *Registry) index(d *Descriptor) {
	for _, c := range d.Dependencies {
		set, ok := r.dependents[c.ID]
		if !ok {
			set = make(map[string]struct{})
			r.dependents[c.ID] = set
		}
		set[d.ID] = struct{}{}
	}
}

func (r *Registry) unindex(d *Descriptor) {
	for _, c := range d.Dependencies {
		set := r.dependents[c.ID]
		delete(set, d.ID)
		if len(set) == 0 {
			delete(r.dependents, c.ID)
		}
	}
}
