// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"slices"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Dependency resolution is a set of pure functions over a Snapshot. Edges
// point from a plugin to each of its dependencies; dependencies that are not
// part of the snapshot do not take part in ordering.

// TopologicalOrder returns every identity in s after all of its
// dependencies. Ties between ready identities are broken by ascending
// identity. If the graph has a cycle the error carries one concrete cycle,
// retrievable with CycleOf.
func TopologicalOrder(s Snapshot) ([]string, error) {
	pending := make(map[string]int, len(s))
	users := reverseIndex(s)

	var ready []string
	for _, id := range s.IDs() {
		n := 0
		for _, c := range s[id].Dependencies {
			if _, ok := s[c.ID]; ok {
				n++
			}
		}
		pending[id] = n
		if n == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(s))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, user := range users[id] {
			pending[user]--
			if pending[user] == 0 {
				ready = insertSorted(ready, user)
			}
		}
	}

	if len(order) < len(s) {
		left := make(map[string]bool, len(s)-len(order))
		for id, n := range pending {
			if n > 0 {
				left[id] = true
			}
		}
		return nil, ErrCircularDependency(findCycle(s, left))
	}
	return order, nil
}

// ReverseTopologicalOrder returns TopologicalOrder reversed: dependents
// before the plugins they depend on.
func ReverseTopologicalOrder(s Snapshot) ([]string, error) {
	order, err := TopologicalOrder(s)
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)
	return order, nil
}

// Subset restricts s to ids. Identities absent from s are ignored.
func (s Snapshot) Subset(ids []string) Snapshot {
	out := make(Snapshot, len(ids))
	for _, id := range ids {
		if d, ok := s[id]; ok {
			out[id] = d
		}
	}
	return out
}

// VersionSatisfies reports whether v meets c. The major version must equal
// the major of c.Min, and Min <= v < Max, where a missing Max means the next
// major version after Min.
func VersionSatisfies(v *semver.Version, c DependencyConstraint) bool {
	if v == nil {
		return false
	}
	upper := c.Max
	if c.Min != nil {
		if v.Major() != c.Min.Major() || v.LessThan(c.Min) {
			return false
		}
		if upper == nil {
			next := c.Min.IncMajor()
			upper = &next
		}
	}
	if upper != nil && !v.LessThan(upper) {
		return false
	}
	return true
}

// MissingDependencies returns the constraints of id whose target is absent
// from s or present at a version that does not satisfy the constraint.
func MissingDependencies(id string, s Snapshot) []DependencyConstraint {
	d, ok := s[id]
	if !ok {
		return nil
	}
	var missing []DependencyConstraint
	for _, c := range d.Dependencies {
		target, ok := s[c.ID]
		if !ok || !VersionSatisfies(target.Version, c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// TransitiveDependents returns every identity in s that depends on id
// directly or indirectly, in ascending order. id itself is not included.
func TransitiveDependents(id string, s Snapshot) []string {
	return walk(id, reverseIndex(s))
}

// TransitiveDependencies returns every identity in s that id depends on
// directly or indirectly, in ascending order.
func TransitiveDependencies(id string, s Snapshot) []string {
	forward := make(map[string][]string, len(s))
	for did, d := range s {
		for _, c := range d.Dependencies {
			if _, ok := s[c.ID]; ok {
				forward[did] = append(forward[did], c.ID)
			}
		}
	}
	return walk(id, forward)
}

func walk(start string, edges map[string][]string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(out)
	return out
}

// reverseIndex maps each identity to the sorted identities depending on it.
func reverseIndex(s Snapshot) map[string][]string {
	users := make(map[string][]string, len(s))
	for _, id := range s.IDs() {
		for _, c := range s[id].Dependencies {
			if _, ok := s[c.ID]; ok {
				users[c.ID] = append(users[c.ID], id)
			}
		}
	}
	return users
}

func insertSorted(list []string, id string) []string {
	i := sort.SearchStrings(list, id)
	return slices.Insert(list, i, id)
}

// findCycle runs a depth-first search over the identities that Kahn's
// algorithm could not drain and returns the first cycle found, starting and
// ending with the same identity.
func findCycle(s Snapshot, left map[string]bool) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(left))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)

		deps := make([]string, 0, len(s[id].Dependencies))
		for _, c := range s[id].Dependencies {
			if left[c.ID] {
				deps = append(deps, c.ID)
			}
		}
		sort.Strings(deps)

		for _, dep := range deps {
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				cycle = append(slices.Clone(stack[start:]), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(left))
	for id := range left {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
