// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package config loads plughost configuration from defaults, an optional
// YAML file and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/plughost/plughost/internal/logging"
	"github.com/plughost/plughost/internal/xdg"
)

// Config is the full runtime configuration.
type Config struct {
	Plugins  PluginsConfig  `koanf:"plugins"`
	Watch    WatchConfig    `koanf:"watch"`
	Security SecurityConfig `koanf:"security"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Audit    AuditConfig    `koanf:"audit"`
}

// PluginsConfig configures the plugin manager.
type PluginsConfig struct {
	SearchPaths     []string      `koanf:"search_paths"`
	Workers         int           `koanf:"workers"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
	DependencyWait  time.Duration `koanf:"dependency_wait"`
	MaxResolveDepth int           `koanf:"max_resolve_depth"`
}

// WatchConfig configures the hot-reload file watcher.
type WatchConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Debounce time.Duration `koanf:"debounce"`
	Patterns []string      `koanf:"patterns"`
}

// SecurityConfig configures the pre-load permission gate.
type SecurityConfig struct {
	// Allow lists identity globs. Empty allows every identity.
	Allow  []string `koanf:"allow"`
	Grants []Grant  `koanf:"grants"`
}

// Grant gives capabilities to plugins whose identity matches Plugin.
type Grant struct {
	Plugin       string   `koanf:"plugin"`
	Capabilities []string `koanf:"capabilities"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// MetricsConfig configures the observability server. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// AuditConfig configures the transition journal. An empty DatabaseURL
// disables it.
type AuditConfig struct {
	DatabaseURL string        `koanf:"database_url"`
	BatchSize   int           `koanf:"batch_size"`
	FlushEvery  time.Duration `koanf:"flush_interval"`
}

// Default values.
const (
	DefaultWorkers         = 4
	DefaultCallTimeout     = 10 * time.Second
	DefaultDependencyWait  = 5 * time.Second
	DefaultMaxResolveDepth = 8
	DefaultDebounce        = 250 * time.Millisecond
	DefaultAuditBatchSize  = 64
	DefaultAuditFlush      = time.Second
)

// DefaultWatchPatterns are the files whose change triggers a reload.
var DefaultWatchPatterns = []string{"**/plugin.yaml", "**/*.so", "**/*.lua"}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"plugin-dir":      "plugins.search_paths",
	"workers":         "plugins.workers",
	"call-timeout":    "plugins.call_timeout",
	"dependency-wait": "plugins.dependency_wait",
	"watch":           "watch.enabled",
	"log-format":      "log.format",
	"log-level":       "log.level",
	"metrics-addr":    "metrics.addr",
	"database-url":    "audit.database_url",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("plugin-dir", nil, "plugin search directory (repeatable)")
	fs.Int("workers", DefaultWorkers, "worker pool size for plugin calls")
	fs.Duration("call-timeout", DefaultCallTimeout, "bound on every call into plugin code")
	fs.Duration("dependency-wait", DefaultDependencyWait, "how long a start waits for dependencies")
	fs.Bool("watch", false, "hot-reload plugins when their files change")
	fs.String("log-format", "json", "log format (json or text)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("metrics-addr", "", "observability listen address, empty disables")
	fs.String("database-url", "", "PostgreSQL URL for the transition journal, empty disables")
}

func defaults() (map[string]any, error) {
	pluginsDir, err := xdg.PluginsDir()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"plugins.search_paths":      []string{pluginsDir},
		"plugins.workers":           DefaultWorkers,
		"plugins.call_timeout":      DefaultCallTimeout,
		"plugins.dependency_wait":   DefaultDependencyWait,
		"plugins.max_resolve_depth": DefaultMaxResolveDepth,
		"watch.enabled":             false,
		"watch.debounce":            DefaultDebounce,
		"watch.patterns":            DefaultWatchPatterns,
		"log.format":                "json",
		"log.level":                 "info",
		"audit.batch_size":          DefaultAuditBatchSize,
		"audit.flush_interval":      DefaultAuditFlush,
	}, nil
}

// Load builds the configuration. path names a YAML file; when empty the
// XDG config file is used if it exists. fs may be nil; only flags the user
// set override file values.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defs, err := defaults()
	if err != nil {
		return nil, oops.In("config").Wrap(err)
	}
	for key, v := range defs {
		if err := k.Set(key, v); err != nil {
			return nil, oops.In("config").With("key", key).Wrap(err)
		}
	}

	explicit := path != ""
	if !explicit {
		if path, err = xdg.ConfigFile(); err != nil {
			path = ""
		}
	}
	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.In("config").With("path", path).Wrapf(err, "failed to load config file")
			}
		} else if explicit {
			return nil, oops.In("config").With("path", path).Wrapf(statErr, "config file not readable")
		}
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "failed to load flags")
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.In("config").Wrapf(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	var errs []error
	if c.Plugins.Workers < 1 {
		errs = append(errs, fmt.Errorf("plugins.workers must be at least 1, got %d", c.Plugins.Workers))
	}
	if c.Plugins.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("plugins.call_timeout must be positive, got %s", c.Plugins.CallTimeout))
	}
	if c.Plugins.DependencyWait < 0 {
		errs = append(errs, fmt.Errorf("plugins.dependency_wait must not be negative, got %s", c.Plugins.DependencyWait))
	}
	if c.Plugins.MaxResolveDepth < 1 {
		errs = append(errs, fmt.Errorf("plugins.max_resolve_depth must be at least 1, got %d", c.Plugins.MaxResolveDepth))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must not be negative, got %s", c.Watch.Debounce))
	}
	for _, p := range c.Watch.Patterns {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("watch.patterns: invalid pattern %q", p))
		}
	}
	for i, g := range c.Security.Grants {
		if g.Plugin == "" {
			errs = append(errs, fmt.Errorf("security.grants[%d]: plugin is required", i))
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Audit.DatabaseURL != "" {
		if c.Audit.BatchSize < 1 {
			errs = append(errs, fmt.Errorf("audit.batch_size must be at least 1, got %d", c.Audit.BatchSize))
		}
		if c.Audit.FlushEvery <= 0 {
			errs = append(errs, fmt.Errorf("audit.flush_interval must be positive, got %s", c.Audit.FlushEvery))
		}
	}
	if len(errs) > 0 {
		return oops.In("config").Wrapf(errors.Join(errs...), "invalid configuration")
	}
	return nil
}
