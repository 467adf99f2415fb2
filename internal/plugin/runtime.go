// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"

	"github.com/plughost/plughost/pkg/pluginsdk"
)

// Runtime opens modules of one kind. Implementations live in the native,
// goplugin and lua subpackages.
type Runtime interface {
	// Kind returns the runtime kind this implementation serves.
	Kind() RuntimeKind

	// Inspect checks that the module entry of d exists and looks loadable
	// without executing any of its code.
	Inspect(ctx context.Context, d *Descriptor) error

	// Open fully opens the module entry of d.
	Open(ctx context.Context, d *Descriptor) (Module, error)
}

// Module is an opened foreign module.
type Module interface {
	// Instantiate resolves the well-known entry and calls it, returning the
	// ABI version tag and the plugin instance. A missing entry is reported
	// with the SYMBOL_NOT_FOUND code.
	Instantiate(ctx context.Context) (uint32, pluginsdk.Plugin, error)

	// Close releases the module.
	Close(ctx context.Context) error
}
