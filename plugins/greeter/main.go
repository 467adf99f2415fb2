// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Command greeter is an example process plugin. Build it next to its
// descriptor:
//
//	go build -o plugins/greeter/greeter ./plugins/greeter
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/plughost/plughost/pkg/pluginsdk"
)

// greeter greets whoever is configured. It supports pause and snapshots so
// its greeting count survives a hot reload.
type greeter struct {
	mu       sync.Mutex
	logger   *slog.Logger
	greeting string
	target   string
	greeted  int
	paused   bool
}

func (g *greeter) Initialize(_ context.Context, config map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.greeting = stringOr(config, "greeting", "hello")
	g.target = stringOr(config, "target", "world")
	if g.target == "" {
		return errors.New("target must not be empty")
	}
	if n, ok := config["greeted"].(int); ok {
		g.greeted = n
	}
	g.greeted++
	g.logger.Info(fmt.Sprintf("%s, %s!", g.greeting, g.target), "greeted", g.greeted)
	return nil
}

func (g *greeter) Shutdown(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logger.Info(fmt.Sprintf("goodbye, %s", g.target))
	return nil
}

func (g *greeter) Pause(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	return nil
}

func (g *greeter) Resume(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
	return nil
}

func (g *greeter) Snapshot(_ context.Context) (map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]any{
		"greeting": g.greeting,
		"target":   g.target,
		"greeted":  g.greeted,
	}, nil
}

func stringOr(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return fallback
}

func main() {
	// go-plugin forwards stderr to the host log
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("plugin", "greeter")
	pluginsdk.Serve(&pluginsdk.ServeConfig{Plugin: &greeter{logger: logger}})
}
