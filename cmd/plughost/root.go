// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plughost/plughost/internal/config"
	"github.com/plughost/plughost/internal/logging"
	"github.com/plughost/plughost/internal/plugin"
)

// configFile is the global --config flag.
var configFile string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plughost",
		Short: "Plughost - a plugin runtime",
		Long: `Plughost discovers, loads and supervises plugins: native shared
objects, out-of-process plugins and sandboxed Lua scripts.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewDiscoverCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewOrderCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHistoryCmd())

	return cmd
}

// loadConfig reads the configuration for cmd and installs the default
// logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	logger := logging.Setup("plughost", version, logging.Options{
		Format:  cfg.Log.Format,
		Level:   level,
		Context: operationAttrs,
	}, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func operationAttrs(ctx context.Context) []slog.Attr {
	if id := plugin.OperationID(ctx); id != "" {
		return []slog.Attr{slog.String("operation_id", id)}
	}
	return nil
}
