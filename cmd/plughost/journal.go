// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plughost/plughost/internal/plugin/audit"
)

func requireDatabaseURL(url string) error {
	if url == "" {
		return oops.Code("CONFIG_INVALID").
			Hint("set audit.database_url or pass --database-url").
			Errorf("the transition journal is not configured")
	}
	return nil
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the transition journal schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireDatabaseURL(cfg.Audit.DatabaseURL); err != nil {
				return err
			}

			m, err := audit.NewMigrator(cfg.Audit.DatabaseURL)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			if down {
				if err := m.Down(); err != nil {
					return err
				}
				cmd.Println("Journal schema removed")
				return nil
			}

			pending, err := m.Pending()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				cmd.Println("Journal schema is up to date")
				return nil
			}
			cmd.Printf("Applying %d migration(s)...\n", len(pending))
			if err := m.Up(); err != nil {
				return err
			}
			version, _, err := m.Version()
			if err != nil {
				return err
			}
			cmd.Printf("Journal schema at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "drop the journal schema and its data")
	return cmd
}

// NewHistoryCmd creates the history subcommand.
func NewHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [plugin]",
		Short: "Show journaled lifecycle transitions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireDatabaseURL(cfg.Audit.DatabaseURL); err != nil {
				return err
			}

			pool, err := audit.Connect(cmd.Context(), cfg.Audit.DatabaseURL)
			if err != nil {
				return err
			}
			j := audit.New(pool, audit.WithLogger(logger))
			defer j.Close()

			var id string
			if len(args) == 1 {
				id = args[0]
			}
			records, err := j.Recent(cmd.Context(), id, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "TIME\tPLUGIN\tFROM\tTO\tOPERATION\tERROR")
			for _, r := range records {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.At.Local().Format(time.RFC3339), r.Plugin, r.From, r.To, r.OperationID, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	return cmd
}
