// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/hostfunc"
)

// NewDiscoverCmd creates the discover subcommand.
func NewDiscoverCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "discover [dir]",
		Short: "List the valid plugin candidates of a directory",
		Long: `Dry-validate every candidate in dir, or in each search path when dir
is omitted, without loading anything.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, args, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// discovered is the JSON form of a discovery.
type discovered struct {
	Plugins []discoveredPlugin `json:"plugins"`
	Errors  map[string]string  `json:"errors,omitempty"`
}

type discoveredPlugin struct {
	ID           string   `json:"id"`
	Version      string   `json:"version"`
	Runtime      string   `json:"runtime"`
	Path         string   `json:"path"`
	Dependencies []string `json:"dependencies,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// discoverAll scans dirs and merges the results.
func discoverAll(ctx context.Context, m *plugin.Manager, dirs []string) (*plugin.DiscoveryResult, error) {
	merged := &plugin.DiscoveryResult{Errors: make(map[string]error)}
	for _, dir := range dirs {
		res, err := m.Discover(ctx, dir)
		if err != nil {
			return nil, err
		}
		merged.Descriptors = append(merged.Descriptors, res.Descriptors...)
		for path, err := range res.Errors {
			merged.Errors[path] = err
		}
	}
	return merged, nil
}

func scanDirs(cmdDirs []string, searchPaths []string) []string {
	if len(cmdDirs) > 0 {
		return cmdDirs
	}
	return searchPaths
}

func runDiscover(cmd *cobra.Command, args []string, jsonOutput bool) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.manager.Close(context.WithoutCancel(cmd.Context())) }()

	res, err := discoverAll(cmd.Context(), s.manager, scanDirs(args, cfg.Plugins.SearchPaths))
	if err != nil {
		return err
	}

	out := discovered{Errors: make(map[string]string, len(res.Errors))}
	for _, d := range res.Descriptors {
		p := discoveredPlugin{
			ID:           d.ID,
			Version:      d.Version.String(),
			Runtime:      string(d.Runtime),
			Path:         d.Path,
			Capabilities: d.Capabilities,
		}
		for _, c := range d.Dependencies {
			p.Dependencies = append(p.Dependencies, c.String())
		}
		out.Plugins = append(out.Plugins, p)
	}
	for path, err := range res.Errors {
		out.Errors[path] = err.Error()
	}

	if jsonOutput {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return oops.Wrapf(err, "failed to format JSON")
		}
		cmd.Println(string(data))
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tRUNTIME\tDEPENDENCIES")
	for _, p := range out.Plugins {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Version, p.Runtime, strings.Join(p.Dependencies, " "))
	}
	_ = w.Flush()
	for _, path := range sortedKeys(out.Errors) {
		cmd.Printf("invalid: %s: %s\n", path, out.Errors[path])
	}
	return nil
}

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a plugin directory or descriptor without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enforcer, err := newEnforcer(cfg.Security)
			if err != nil {
				return err
			}
			loader := newLoader(enforcer, hostfunc.NewMemoryStore(), logger)

			d, err := loader.DryValidate(cmd.Context(), args[0])
			if err != nil {
				cmd.Printf("invalid: %s (%s)\n", err, plugin.Code(err))
				return err
			}
			if err := enforcer.Authorize(cmd.Context(), d); err != nil {
				cmd.Printf("valid, but would be refused: %s\n", err)
				return err
			}
			cmd.Printf("valid: %s %s (%s runtime)\n", d.ID, d.Version, d.Runtime)
			return nil
		},
	}
}

// NewOrderCmd creates the order subcommand.
func NewOrderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order [dir]",
		Short: "Print the dependency load order of the discovered plugins",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = s.manager.Close(context.WithoutCancel(cmd.Context())) }()

			res, err := discoverAll(cmd.Context(), s.manager, scanDirs(args, cfg.Plugins.SearchPaths))
			if err != nil {
				return err
			}
			snap := make(plugin.Snapshot, len(res.Descriptors))
			for _, d := range res.Descriptors {
				snap[d.ID] = d
			}

			order, err := plugin.TopologicalOrder(snap)
			if err != nil {
				if cycle := plugin.CycleOf(err); len(cycle) > 0 {
					cmd.Printf("cycle: %s\n", strings.Join(cycle, " -> "))
				}
				return err
			}
			for i, id := range order {
				cmd.Printf("%d. %s\n", i+1, id)
			}
			return nil
		},
	}
}

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of plugin.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := plugin.GenerateSchema()
			if err != nil {
				return oops.Wrap(err)
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
