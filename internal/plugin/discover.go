// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DiscoveryResult is the outcome of a read-only scan of a directory.
type DiscoveryResult struct {
	// Descriptors holds the valid candidates ordered by identity.
	Descriptors []*Descriptor
	// Errors maps each rejected candidate path to its failure.
	Errors map[string]error
}

// Discover dry-validates every candidate in dir without touching the
// registry. Candidates are subdirectories containing a plugin.yaml and
// top-level *.yaml or *.yml descriptor documents. A missing directory yields
// an empty result.
func (m *Manager) Discover(ctx context.Context, dir string) (*DiscoveryResult, error) {
	res := &DiscoveryResult{Errors: make(map[string]error)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var candidates []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			if _, err := os.Stat(filepath.Join(path, DescriptorFile)); err == nil {
				candidates = append(candidates, path)
			}
		case isDescriptorFile(entry.Name()):
			candidates = append(candidates, path)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.workers, 1))
	for _, path := range candidates {
		g.Go(func() error {
			d, err := m.loader.DryValidate(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[path] = err
				return nil
			}
			res.Descriptors = append(res.Descriptors, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(res.Descriptors, func(i, j int) bool {
		return res.Descriptors[i].Path < res.Descriptors[j].Path
	})
	seen := make(map[string]bool, len(res.Descriptors))
	unique := res.Descriptors[:0]
	for _, d := range res.Descriptors {
		if seen[d.ID] {
			res.Errors[d.Path] = ErrDuplicatePlugin(d.ID)
			continue
		}
		seen[d.ID] = true
		unique = append(unique, d)
	}
	res.Descriptors = unique
	sort.Slice(res.Descriptors, func(i, j int) bool {
		return res.Descriptors[i].ID < res.Descriptors[j].ID
	})

	for path, err := range res.Errors {
		m.logger.WarnContext(ctx, "skipping invalid plugin candidate",
			"path", path,
			"error", err)
	}
	return res, nil
}

func isDescriptorFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Outcome is the result of one item of a batch operation.
type Outcome struct {
	ID   string
	Path string
	Err  error
}

// BatchResult reports a per-item outcome. One failure never prevents the
// other items from loading.
type BatchResult struct {
	Outcomes []Outcome
}

// Loaded returns the identities that loaded successfully.
func (b *BatchResult) Loaded() []string {
	var ids []string
	for _, o := range b.Outcomes {
		if o.Err == nil {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Failed returns the failed outcomes.
func (b *BatchResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Err returns the failure for id, or nil.
func (b *BatchResult) Err(id string) error {
	for _, o := range b.Outcomes {
		if o.ID == id {
			return o.Err
		}
	}
	return nil
}

// LoadAll discovers every candidate in dirs (the search paths when dirs is
// empty) and loads them in topological order with dependency
// auto-resolution.
func (m *Manager) LoadAll(ctx context.Context, dirs ...string) (*BatchResult, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		dirs = m.searchPaths
	}

	result := &BatchResult{}
	found := make(Snapshot)
	for _, dir := range dirs {
		res, err := m.Discover(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, path := range sortedKeys(res.Errors) {
			result.Outcomes = append(result.Outcomes, Outcome{Path: path, Err: res.Errors[path]})
		}
		for _, d := range res.Descriptors {
			if _, dup := found[d.ID]; dup {
				result.Outcomes = append(result.Outcomes, Outcome{ID: d.ID, Path: d.Path, Err: ErrDuplicatePlugin(d.ID)})
				continue
			}
			found[d.ID] = d
		}
	}

	failed := make(map[string]bool)
	order, cyclic := batchOrder(found)
	for id, err := range cyclic {
		failed[id] = true
		result.Outcomes = append(result.Outcomes, Outcome{ID: id, Path: found[id].Path, Err: err})
	}

	for _, id := range order {
		d := found[id]
		var blocked []DependencyConstraint
		for _, c := range d.Dependencies {
			if failed[c.ID] {
				blocked = append(blocked, c)
			}
		}
		var err error
		if len(blocked) > 0 {
			err = ErrDependencyMissing(id, blocked)
		} else {
			err = m.load(ctx, d, LoadOptions{AutoResolve: true}, 0)
		}
		if err != nil {
			failed[id] = true
			m.logger.ErrorContext(ctx, "failed to load plugin",
				"plugin", id,
				"error", err)
		}
		result.Outcomes = append(result.Outcomes, Outcome{ID: id, Path: d.Path, Err: err})
	}

	sort.SliceStable(result.Outcomes, func(i, j int) bool {
		return result.Outcomes[i].ID < result.Outcomes[j].ID
	})
	return result, nil
}

// batchOrder orders s topologically. Members of cycles are removed one cycle
// at a time and returned with their error so the rest can still load.
func batchOrder(s Snapshot) ([]string, map[string]error) {
	rest := make(Snapshot, len(s))
	for id, d := range s {
		rest[id] = d
	}
	cyclic := make(map[string]error)
	for {
		order, err := TopologicalOrder(rest)
		if err == nil {
			return order, cyclic
		}
		cycle := CycleOf(err)
		if len(cycle) == 0 {
			for id := range rest {
				cyclic[id] = err
			}
			return nil, cyclic
		}
		for _, id := range cycle {
			cyclic[id] = err
			delete(rest, id)
		}
	}
}

// sortedKeys returns the keys of a string-keyed map in ascending order.
func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
