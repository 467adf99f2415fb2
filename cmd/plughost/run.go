// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plughost/plughost/internal/config"
	"github.com/plughost/plughost/internal/observability"
	"github.com/plughost/plughost/internal/plugin"
	"github.com/plughost/plughost/internal/plugin/audit"
	"github.com/plughost/plughost/internal/watch"
	"github.com/plughost/plughost/pkg/errutil"
)

const shutdownTimeout = 30 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load every plugin and supervise it until interrupted",
		Long: `Load all plugins found in the search paths in dependency order,
optionally hot-reload them when their files change, and serve metrics.
Plugins are unloaded in reverse dependency order on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: runHost,
	}
}

// PluginStatus is one row of the /plugins status document.
type PluginStatus struct {
	ID           string   `json:"id"`
	Version      string   `json:"version"`
	Runtime      string   `json:"runtime"`
	State        string   `json:"state"`
	LastError    string   `json:"last_error,omitempty"`
	LoadCount    int      `json:"load_count"`
	ReloadCount  int      `json:"reload_count"`
	FailureCount int      `json:"failure_count"`
	Grants       []string `json:"grants,omitempty"`
	StoredKeys   int      `json:"stored_keys"`
}

func (s *stack) status() []PluginStatus {
	entries := s.manager.List()
	out := make([]PluginStatus, 0, len(entries))
	for _, e := range entries {
		st := PluginStatus{
			ID:           e.Descriptor.ID,
			Version:      e.Descriptor.Version.String(),
			Runtime:      string(e.Descriptor.Runtime),
			State:        e.State.String(),
			LoadCount:    e.Metrics.LoadCount,
			ReloadCount:  e.Metrics.ReloadCount,
			FailureCount: e.Metrics.FailureCount,
			Grants:       s.enforcer.GetGrants(e.Descriptor.ID),
			StoredKeys:   len(s.kv.Keys(e.Descriptor.ID)),
		}
		if e.LastError != nil {
			st.LastError = e.LastError.Error()
		}
		out = append(out, st)
	}
	return out
}

// reloadTarget feeds watcher paths into the reload queue.
type reloadTarget struct {
	reloader *plugin.Reloader
	metrics  *observability.Metrics
}

func (t reloadTarget) EnqueuePath(path string) []string {
	ids := t.reloader.EnqueuePath(path)
	if t.metrics != nil {
		t.metrics.ReloadRequests.WithLabelValues("watch", "queued").Add(float64(len(ids)))
	}
	return ids
}

func runHost(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup
	defer background.Wait()

	var managerOpts []plugin.ManagerOption
	if cfg.Audit.DatabaseURL != "" {
		journal, err := openJournal(ctx, cfg.Audit, logger)
		if err != nil {
			return err
		}
		journalCtx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
		background.Add(1)
		go func() {
			defer background.Done()
			_ = journal.Run(journalCtx)
			journal.Close()
		}()
		// the journal stops after the manager has unloaded everything
		defer stopJournal()
		managerOpts = append(managerOpts, plugin.WithObserver(journal))
	}

	s, err := buildStack(cfg, logger, managerOpts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.manager.Close(closeCtx); err != nil {
			errutil.LogError(logger, "failed to unload plugins cleanly", err)
		}
	}()

	var ready atomic.Bool
	var metrics *observability.Metrics
	var serverErrs <-chan error
	if cfg.Metrics.Addr != "" {
		srv := observability.NewServer(cfg.Metrics.Addr, ready.Load,
			observability.WithStatus(func() any { return s.status() }))
		errCh, err := srv.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		serverErrs = errCh
		metrics = srv.Metrics()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				logger.Warn("error stopping observability server", "error", err)
			}
		}()
	}

	result, err := s.manager.LoadAll(ctx)
	if err != nil {
		return err
	}
	printOutcomes(cmd, result)
	ready.Store(true)

	reloader := plugin.NewReloader(s.manager)
	go reloader.Run(ctx)
	defer func() {
		stop()
		<-reloader.Done()
	}()

	if cfg.Watch.Enabled {
		target := reloadTarget{reloader: reloader, metrics: metrics}
		if err := startWatcher(ctx, cfg, target, logger, &background); err != nil {
			return err
		}
	}

	logger.Info("plugin host ready", "loaded", len(result.Loaded()), "failed", len(result.Failed()))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-serverErrs:
		if ok && err != nil {
			stop()
			return oops.Code("OBSERVABILITY_FAILED").Wrap(err)
		}
		<-ctx.Done()
	}
	return nil
}

func openJournal(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger) (*audit.Journal, error) {
	pool, err := audit.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return audit.New(pool,
		audit.WithBatchSize(cfg.BatchSize),
		audit.WithFlushInterval(cfg.FlushEvery),
		audit.WithLogger(logger),
	), nil
}

func startWatcher(ctx context.Context, cfg *config.Config, target watch.Target, logger *slog.Logger, wg *sync.WaitGroup) error {
	w, err := watch.New(target,
		watch.WithPatterns(cfg.Watch.Patterns...),
		watch.WithDebounce(cfg.Watch.Debounce),
		watch.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	for _, dir := range cfg.Plugins.SearchPaths {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return err
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			errutil.LogError(logger, "file watcher stopped", err)
		}
	}()
	logger.Info("watching plugin files", "paths", cfg.Plugins.SearchPaths)
	return nil
}

func printOutcomes(cmd *cobra.Command, result *plugin.BatchResult) {
	for _, o := range result.Outcomes {
		name := o.ID
		if name == "" {
			name = o.Path
		}
		if o.Err != nil {
			cmd.Printf("FAIL  %s: %s (%s)\n", name, o.Err, plugin.Code(o.Err))
			continue
		}
		cmd.Printf("OK    %s\n", name)
	}
	cmd.Printf("%d loaded, %d failed\n", len(result.Loaded()), len(result.Failed()))
}
