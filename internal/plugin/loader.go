// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/plughost/plughost/pkg/pluginsdk"
)

// Loader is the only component that opens and closes foreign modules.
// Opens and closes of the same entry path are serialized.
type Loader struct {
	runtimes map[RuntimeKind]Runtime
	abi      uint32
	paths    *keyedLock
	logger   *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRuntime registers a runtime. A later registration for the same kind
// replaces the earlier one.
func WithRuntime(rt Runtime) LoaderOption {
	return func(l *Loader) {
		l.runtimes[rt.Kind()] = rt
	}
}

// WithABIVersion overrides the ABI version the loader accepts. Used for testing.
func WithABIVersion(v uint32) LoaderOption {
	return func(l *Loader) {
		l.abi = v
	}
}

// WithLoaderLogger sets the logger. Defaults to slog.Default().
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		runtimes: make(map[RuntimeKind]Runtime),
		abi:      pluginsdk.ABIVersion,
		paths:    newKeyedLock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Runtimes returns the registered runtime kinds.
func (l *Loader) Runtimes() []RuntimeKind {
	kinds := make([]RuntimeKind, 0, len(l.runtimes))
	for k := range l.runtimes {
		kinds = append(kinds, k)
	}
	return kinds
}

// DryValidate extracts and checks the descriptor of a candidate without
// instantiating the module. candidate is a plugin directory or a descriptor
// document path.
func (l *Loader) DryValidate(ctx context.Context, candidate string) (*Descriptor, error) {
	path, err := descriptorPath(candidate)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound(path)
		}
		return nil, ErrLoadFailed(path, err)
	}
	if err := ValidateSchema(data); err != nil {
		return nil, ErrInvalidFormat(path, err)
	}
	d, err := ParseDescriptor(data, path)
	if err != nil {
		return nil, err
	}

	rt, err := l.runtime(d)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(d.Entry); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound(d.Entry)
		}
		return nil, ErrLoadFailed(d.Entry, err)
	}
	if err := rt.Inspect(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Open opens the module described by d, resolves its entry and checks the
// ABI version tag. On any failure the module is closed again before
// returning.
func (l *Loader) Open(ctx context.Context, d *Descriptor) (*Handle, error) {
	rt, err := l.runtime(d)
	if err != nil {
		return nil, err
	}

	release, err := l.paths.acquire(ctx, d.Entry, "open")
	if err != nil {
		return nil, err
	}
	defer release()

	fingerprint, err := Fingerprint(d.Entry)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound(d.Entry)
		}
		return nil, ErrLoadFailed(d.Entry, err)
	}

	mod, err := rt.Open(ctx, d)
	if err != nil {
		return nil, err
	}

	abi, instance, err := instantiate(ctx, mod, d.Entry)
	if err == nil && abi != l.abi {
		err = ErrAbiMismatch(d.Entry, l.abi, abi)
	}
	if err == nil && instance == nil {
		err = ErrSymbolNotFound(d.Entry, pluginsdk.FactorySymbol)
	}
	if err != nil {
		if cerr := mod.Close(context.WithoutCancel(ctx)); cerr != nil {
			l.logger.Warn("failed to close module after failed open",
				"plugin", d.ID,
				"path", d.Entry,
				"error", cerr)
		}
		return nil, err
	}

	l.logger.Debug("opened module",
		"plugin", d.ID,
		"runtime", string(d.Runtime),
		"path", d.Entry)

	return &Handle{
		id:          d.ID,
		path:        d.Entry,
		module:      mod,
		instance:    instance,
		caps:        d.Capabilities,
		openedAt:    time.Now(),
		fingerprint: fingerprint,
	}, nil
}

// Reopen builds a fresh instance from the module h already holds, so a
// build can be restarted after its entry file was replaced on disk. The
// instance of h must have been shut down. Ownership of the module moves to
// the returned handle and h counts as closed afterwards; on failure the
// module is closed.
func (l *Loader) Reopen(ctx context.Context, h *Handle) (*Handle, error) {
	if h == nil {
		return nil, ErrLoadFailed("", errors.New("no module to reopen"))
	}
	if !h.closed.CompareAndSwap(false, true) {
		return nil, ErrLoadFailed(h.path, errors.New("module was already released"))
	}

	abi, instance, err := instantiate(ctx, h.module, h.path)
	if err == nil && abi != l.abi {
		err = ErrAbiMismatch(h.path, l.abi, abi)
	}
	if err == nil && instance == nil {
		err = ErrSymbolNotFound(h.path, pluginsdk.FactorySymbol)
	}
	if err != nil {
		if cerr := h.module.Close(context.WithoutCancel(ctx)); cerr != nil {
			l.logger.Warn("failed to close module after failed reopen",
				"plugin", h.id,
				"path", h.path,
				"error", cerr)
		}
		return nil, err
	}

	l.logger.Debug("reopened retained module",
		"plugin", h.id,
		"path", h.path,
		"fingerprint", h.fingerprint)

	return &Handle{
		id:          h.id,
		path:        h.path,
		module:      h.module,
		instance:    instance,
		caps:        h.caps,
		openedAt:    time.Now(),
		fingerprint: h.fingerprint,
	}, nil
}

// Close releases h. The registry must no longer reference h and no call may
// be in flight into it. Closing an already closed handle is a no-op.
func (l *Loader) Close(ctx context.Context, h *Handle) error {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	release, err := l.paths.acquire(context.WithoutCancel(ctx), h.path, "close")
	if err != nil {
		return err
	}
	defer release()

	if err := h.module.Close(ctx); err != nil {
		return ErrLoadFailed(h.path, err)
	}
	l.logger.Debug("closed module", "plugin", h.id, "path", h.path)
	return nil
}

func (l *Loader) runtime(d *Descriptor) (Runtime, error) {
	rt, ok := l.runtimes[d.Runtime]
	if !ok {
		return nil, ErrUnknownRuntime(d.Path, d.Runtime)
	}
	return rt, nil
}

// instantiate calls the module entry, converting a panic into LOAD_FAILED.
func instantiate(ctx context.Context, mod Module, path string) (abi uint32, instance pluginsdk.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrLoadFailed(path, fmt.Errorf("entry panicked: %v", r))
		}
	}()
	return mod.Instantiate(ctx)
}

// Fingerprint returns the hex BLAKE2b-256 digest of the file at path.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
