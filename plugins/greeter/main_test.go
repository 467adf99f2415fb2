// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plughost/plughost/pkg/pluginsdk"
)

func newGreeter() *greeter {
	return &greeter{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestGreeter_ImplementsOptionalInterfaces(t *testing.T) {
	var p pluginsdk.Plugin = newGreeter()
	_, pausable := pluginsdk.AsPausable(p)
	_, snapshots := pluginsdk.AsSnapshotter(p)
	assert.True(t, pausable)
	assert.True(t, snapshots)
}

func TestGreeter_SnapshotRestoresCount(t *testing.T) {
	ctx := context.Background()
	g := newGreeter()
	require.NoError(t, g.Initialize(ctx, map[string]any{"target": "plughost"}))

	snap, err := g.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap["greeted"])

	next := newGreeter()
	require.NoError(t, next.Initialize(ctx, snap))
	assert.Equal(t, 2, next.greeted)
	assert.Equal(t, "plughost", next.target)
}

func TestGreeter_RejectsEmptyTarget(t *testing.T) {
	assert.Error(t, newGreeter().Initialize(context.Background(), map[string]any{"target": ""}))
}

func TestGreeter_PauseResume(t *testing.T) {
	ctx := context.Background()
	g := newGreeter()
	require.NoError(t, g.Pause(ctx))
	assert.True(t, g.paused)
	require.NoError(t, g.Resume(ctx))
	assert.False(t, g.paused)
}
