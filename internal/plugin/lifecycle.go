// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// dependencyPoll is how often a queued start re-checks its dependencies.
const dependencyPoll = 10 * time.Millisecond

// lifecycle drives the per-entry state machine. Callers hold the operation
// lock of the identity they pass in; lifecycle itself never takes it.
type lifecycle struct {
	reg     *Registry
	loader  *Loader
	pool    *pool
	obs     *observers
	timeout time.Duration
	depWait time.Duration
	logger  *slog.Logger

	// late tracks forced closes waiting for a timed-out call to return.
	late sync.WaitGroup
}

// errDependencyNotReady is retried while a start waits for its dependencies.
type errDependencyNotReady struct {
	dependency string
	state      State
}

func (e *errDependencyNotReady) Error() string {
	return fmt.Sprintf("dependency %s is %s, not running", e.dependency, e.state)
}

// move commits a transition and notifies observers. It returns the handle
// the entry gave up, if any.
func (lc *lifecycle) move(ctx context.Context, id string, from []State, to State, h *Handle, cause error, g guard) (*Handle, error) {
	prev, detached, err := lc.reg.transition(id, from, to, h, cause, g)
	if err != nil {
		return nil, err
	}
	recordTransition(prev, to)
	lc.logger.DebugContext(ctx, "plugin state changed",
		"plugin", id,
		"from", prev.String(),
		"to", to.String())
	lc.obs.notify(Transition{
		OperationID: OperationID(ctx),
		Plugin:      id,
		From:        prev,
		To:          to,
		Err:         cause,
		At:          time.Now(),
	})
	return detached, nil
}

// start takes an Unloaded or Error entry through Loading, Loaded and
// Initializing to Running. It honours ctx only until the module is open;
// after that the start runs to completion.
func (lc *lifecycle) start(ctx context.Context, id string, cfg map[string]any) error {
	return lc.startFrom(ctx, id, cfg, nil)
}

// startFrom is start with an optional retained handle. When retained is set
// the instance is built from its still-open module rather than by opening
// the entry path again.
func (lc *lifecycle) startFrom(ctx context.Context, id string, cfg map[string]any, retained *Handle) error {
	ent, ok := lc.reg.Get(id)
	if !ok {
		return ErrNotLoaded(id)
	}
	d := ent.Descriptor
	began := time.Now()

	if _, err := lc.move(ctx, id, []State{StateUnloaded, StateError}, StateLoading, nil, nil, nil); err != nil {
		return err
	}

	h, err := lc.open(ctx, id, func(cctx context.Context) (*Handle, error) {
		if retained != nil {
			return lc.loader.Reopen(cctx, retained)
		}
		return lc.loader.Open(cctx, d)
	})
	if err != nil {
		if ctx.Err() != nil && !HasCode(err, CodeTimeout) {
			// Cancelled before a handle existed: nothing to undo.
			_, _ = lc.move(ctx, id, []State{StateLoading}, StateUnloaded, nil, nil, nil)
			return oops.With("plugin", id).Wrapf(err, "load of plugin %s cancelled", id)
		}
		_, _ = lc.move(ctx, id, []State{StateLoading}, StateError, nil, err, nil)
		return err
	}

	// A handle exists: cancellation is refused from here on.
	ctx = context.WithoutCancel(ctx)
	if _, err := lc.move(ctx, id, []State{StateLoading}, StateLoaded, h, nil, nil); err != nil {
		lc.release(ctx, h, nil)
		return err
	}

	if err := lc.awaitDependencies(ctx, id); err != nil {
		lc.fail(ctx, id, err, nil)
		return err
	}

	late, err := lc.call(ctx, id, "initialize", func(cctx context.Context) error {
		return h.Instance().Initialize(cctx, CloneConfig(cfg))
	})
	if err != nil {
		if !HasCode(err, CodeTimeout) {
			err = ErrInitializationFailed(id, err)
		}
		lc.fail(ctx, id, err, late)
		return err
	}

	if _, err := lc.move(ctx, id, []State{StateInitializing}, StateRunning, nil, nil, nil); err != nil {
		return err
	}
	_ = lc.reg.update(id, func(e *entry) error {
		e.config = CloneConfig(cfg)
		e.loadTime = time.Now()
		e.lastErr = nil
		e.good = e.desc
		e.metrics.LoadCount++
		e.metrics.LastLoadDuration = time.Since(began)
		return nil
	})
	lc.logger.InfoContext(ctx, "plugin running",
		"plugin", id,
		"version", d.Version.String(),
		"runtime", string(d.Runtime),
		"duration", time.Since(began))
	return nil
}

// open runs fn on the pool. If ctx ends or the call times out while the open
// is still running, the handle it eventually produces is closed.
func (lc *lifecycle) open(ctx context.Context, id string, fn func(ctx context.Context) (*Handle, error)) (*Handle, error) {
	cctx, cancel := context.WithTimeout(ctx, lc.timeout)
	defer cancel()

	f := submit(cctx, lc.pool, "open", func() (*Handle, error) {
		return fn(cctx)
	})
	h, err := f.Await(cctx)
	if err == nil {
		return h, nil
	}

	select {
	case <-f.Done():
		if f.err == nil && f.val != nil {
			// Finished in the same instant the wait gave up.
			lc.release(ctx, f.val, nil)
		}
	default:
		lc.release(ctx, nil, f.Done(), func() *Handle { return f.val })
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		foreignCallTimeouts.WithLabelValues("open").Inc()
		return nil, ErrTimeout(id, "open", context.DeadlineExceeded)
	}
	return nil, err
}

// awaitDependencies moves Loaded to Initializing once every dependency is
// Running, checking at the instant of the transition. The wait is bounded by
// depWait.
func (lc *lifecycle) awaitDependencies(ctx context.Context, id string) error {
	b := retry.WithMaxDuration(lc.depWait, retry.NewConstant(dependencyPoll))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := lc.move(ctx, id, []State{StateLoaded}, StateInitializing, nil, nil, dependenciesRunning)
		var notReady *errDependencyNotReady
		if errors.As(err, &notReady) {
			return retry.RetryableError(err)
		}
		return err
	})

	var notReady *errDependencyNotReady
	if errors.As(err, &notReady) {
		foreignCallTimeouts.WithLabelValues("dependency_wait").Inc()
		return ErrTimeout(id, "waiting for dependency "+notReady.dependency, err)
	}
	return err
}

// dependenciesRunning vetoes a transition until every dependency is Running
// at a satisfying version.
func dependenciesRunning(id string, states map[string]State, snap Snapshot) error {
	d := snap[id]
	for _, c := range d.Dependencies {
		target, ok := snap[c.ID]
		if !ok {
			return &errDependencyNotReady{dependency: c.ID, state: StateUnloaded}
		}
		if !VersionSatisfies(target.Version, c) {
			return ErrVersionMismatch(id, c, target.Version.String())
		}
		if st := states[c.ID]; st != StateRunning {
			return &errDependencyNotReady{dependency: c.ID, state: st}
		}
	}
	return nil
}

// dependentsIn returns a guard that requires every transitive dependent of
// the entry to be in one of the allowed states.
func dependentsIn(allowed ...State) guard {
	return func(id string, states map[string]State, snap Snapshot) error {
		var busy []string
		for _, dep := range TransitiveDependents(id, snap) {
			ok := false
			for _, a := range allowed {
				if states[dep] == a {
					ok = true
					break
				}
			}
			if !ok {
				busy = append(busy, dep)
			}
		}
		if len(busy) > 0 {
			return ErrDependencyInUse(id, busy)
		}
		return nil
	}
}

// stop takes an entry back to Unloaded. Every transitive dependent must
// already be Unloaded. During a reload dependents may also be Paused, or in
// Error, which holds no handle. An entry in Error moves to Unloaded directly.
func (lc *lifecycle) stop(ctx context.Context, id string, reloading bool) error {
	_, err := lc.halt(ctx, id, reloading, false)
	return err
}

// halt is stop. With retain set, the handle of a cleanly shut down instance
// is returned unreleased and the caller owns it.
func (lc *lifecycle) halt(ctx context.Context, id string, reloading, retain bool) (*Handle, error) {
	ctx = context.WithoutCancel(ctx)
	g := dependentsIn(StateUnloaded)
	if reloading {
		g = dependentsIn(StateUnloaded, StatePaused, StateError)
	}

	switch lc.reg.State(id) {
	case StateUnloaded:
		return nil, ErrNotLoaded(id)
	case StateError:
		_, err := lc.move(ctx, id, []State{StateError}, StateUnloaded, nil, nil, g)
		return nil, err
	}

	if _, err := lc.move(ctx, id, []State{StateRunning, StatePaused, StateLoaded}, StateStopping, nil, nil, g); err != nil {
		return nil, err
	}

	h := lc.reg.handle(id)
	late, err := lc.call(ctx, id, "shutdown", func(cctx context.Context) error {
		return h.Instance().Shutdown(cctx)
	})
	if err != nil {
		if !HasCode(err, CodeTimeout) {
			err = oops.Code(CodeStateError).
				With("plugin", id).
				Wrapf(err, "plugin %s failed to shut down", id)
		}
		lc.fail(ctx, id, err, late)
		return nil, err
	}

	detached, err := lc.move(ctx, id, []State{StateStopping}, StateUnloaded, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	lc.logger.InfoContext(ctx, "plugin stopped", "plugin", id)
	if retain {
		return detached, nil
	}
	lc.release(ctx, detached, nil)
	return nil, nil
}

// pause moves a Running entry to Paused. Instances that cannot pause are
// refused with STATE_ERROR before any transition.
func (lc *lifecycle) pause(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	h := lc.reg.handle(id)
	if h == nil {
		return ErrNotLoaded(id)
	}
	p, ok := h.Pausable()
	if !ok {
		return oops.Code(CodeStateError).
			With("plugin", id).
			Errorf("plugin %s does not support pause", id)
	}

	if _, err := lc.move(ctx, id, []State{StateRunning}, StatePausing, nil, nil, nil); err != nil {
		return err
	}
	late, err := lc.call(ctx, id, "pause", p.Pause)
	if err != nil {
		lc.fail(ctx, id, err, late)
		return err
	}
	_, err = lc.move(ctx, id, []State{StatePausing}, StatePaused, nil, nil, nil)
	return err
}

// resume moves a Paused entry back to Running.
func (lc *lifecycle) resume(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	h := lc.reg.handle(id)
	if h == nil {
		return ErrNotLoaded(id)
	}
	p, ok := h.Pausable()
	if !ok {
		return oops.Code(CodeStateError).
			With("plugin", id).
			Errorf("plugin %s does not support resume", id)
	}

	if _, err := lc.move(ctx, id, []State{StatePaused}, StateResuming, nil, nil, dependenciesRunning); err != nil {
		var notReady *errDependencyNotReady
		if errors.As(err, &notReady) {
			return oops.Code(CodeStateError).
				With("plugin", id).
				With("dependency", notReady.dependency).
				Errorf("plugin %s cannot resume: %s", id, notReady)
		}
		return err
	}
	late, err := lc.call(ctx, id, "resume", p.Resume)
	if err != nil {
		lc.fail(ctx, id, err, late)
		return err
	}
	_, err = lc.move(ctx, id, []State{StateResuming}, StateRunning, nil, nil, nil)
	return err
}

// reload is the hot-reload compound transition for one entry: snapshot the
// configuration, stop, start with next (or the current descriptor when next
// is nil), and on failure start once more with the last good build and the
// configuration stored before the attempt. The module of the stopped build stays open until the reload settles, so the
// rollback does not depend on the entry file, which may already hold the
// broken build.
func (lc *lifecycle) reload(ctx context.Context, id string, next *Descriptor) error {
	ctx = context.WithoutCancel(ctx)

	var cfg map[string]any
	var previous, current *Descriptor
	if err := lc.reg.update(id, func(e *entry) error {
		cfg = CloneConfig(e.config)
		current = e.desc
		previous = e.good
		if previous == nil {
			previous = e.desc
		}
		return nil
	}); err != nil {
		return err
	}
	if cfg == nil {
		cfg = CloneConfig(previous.Defaults)
	}
	stored := CloneConfig(cfg)
	cfg = lc.snapshot(ctx, id, cfg)

	var retained *Handle
	if lc.reg.State(id) != StateUnloaded {
		h, err := lc.halt(ctx, id, true, true)
		if err != nil {
			return ErrReloadFailed(id, false, err)
		}
		retained = h
	}
	if retained != nil && current != previous {
		lc.release(ctx, retained, nil)
		retained = nil
	}
	defer func() { lc.release(ctx, retained, nil) }()

	if next != nil {
		if err := lc.reg.replaceDescriptor(id, next); err != nil {
			return ErrReloadFailed(id, false, err)
		}
	}

	first := lc.start(ctx, id, cfg)
	if first == nil {
		lc.countReload(id, nil)
		return nil
	}
	lc.logger.WarnContext(ctx, "hot reload failed, restoring previous build",
		"plugin", id,
		"retained", retained != nil,
		"error", first)

	if err := lc.reg.replaceDescriptor(id, previous); err != nil {
		final := ErrReloadFailed(id, false, first, err)
		lc.countReload(id, final)
		return final
	}
	if second := lc.startFrom(ctx, id, stored, retained); second != nil {
		final := ErrReloadFailed(id, false, first, second)
		lc.countReload(id, final)
		return final
	}
	lc.countReload(id, first)
	return ErrReloadFailed(id, true, first)
}

// snapshot asks a Snapshotter instance for its live configuration. Any
// failure falls back to the stored configuration.
func (lc *lifecycle) snapshot(ctx context.Context, id string, stored map[string]any) map[string]any {
	if lc.reg.State(id) != StateRunning {
		return stored
	}
	h := lc.reg.handle(id)
	if h == nil {
		return stored
	}
	s, ok := h.Snapshotter()
	if !ok {
		return stored
	}

	var live map[string]any
	_, err := lc.call(ctx, id, "snapshot", func(cctx context.Context) error {
		var err error
		live, err = s.Snapshot(cctx)
		return err
	})
	if err != nil {
		lc.logger.WarnContext(ctx, "plugin snapshot failed, using stored configuration",
			"plugin", id,
			"error", err)
		return stored
	}
	return CloneConfig(live)
}

// countReload records a finished reload. lastErr, when set, is kept on the
// entry even though it may be Running again.
func (lc *lifecycle) countReload(id string, lastErr error) {
	_ = lc.reg.update(id, func(e *entry) error {
		e.metrics.ReloadCount++
		if lastErr != nil {
			e.lastErr = lastErr
		}
		return nil
	})
}

// fail moves the entry to Error and releases its handle. When late is
// non-nil a call into the module is still running; the close waits for it.
func (lc *lifecycle) fail(ctx context.Context, id string, cause error, late <-chan struct{}) {
	detached, err := lc.move(ctx, id, nil, StateError, nil, cause, nil)
	if err != nil {
		lc.logger.ErrorContext(ctx, "failed to record plugin failure",
			"plugin", id,
			"cause", cause,
			"error", err)
		return
	}
	lc.logger.WarnContext(ctx, "plugin failed",
		"plugin", id,
		"error", cause)
	lc.release(ctx, detached, late)
}

// call runs fn on the pool bounded by the call timeout. On timeout the
// returned channel is closed once fn finally returns.
func (lc *lifecycle) call(ctx context.Context, id, name string, fn func(ctx context.Context) error) (<-chan struct{}, error) {
	cctx, cancel := context.WithTimeout(ctx, lc.timeout)
	defer cancel()

	f := submit(cctx, lc.pool, name, func() (struct{}, error) {
		return struct{}{}, fn(cctx)
	})
	_, err := f.Await(cctx)
	if err == nil {
		return nil, nil
	}

	var late <-chan struct{}
	select {
	case <-f.Done():
	default:
		late = f.Done()
	}

	if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		foreignCallTimeouts.WithLabelValues(name).Inc()
		return late, ErrTimeout(id, name, context.DeadlineExceeded)
	}
	return late, err
}

// release closes h through the loader. With late set, the close happens in
// the background after late is closed; pending, when given, supplies the
// handle produced by the late call.
func (lc *lifecycle) release(ctx context.Context, h *Handle, late <-chan struct{}, pending ...func() *Handle) {
	ctx = context.WithoutCancel(ctx)
	closeNow := func(h *Handle) {
		if h == nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, lc.timeout)
		defer cancel()
		f := submit(cctx, lc.pool, "close", func() (struct{}, error) {
			return struct{}{}, lc.loader.Close(cctx, h)
		})
		_, err := f.Await(cctx)
		if errors.Is(err, errPoolClosed) {
			err = lc.loader.Close(cctx, h)
		}
		if err != nil {
			lc.logger.WarnContext(ctx, "failed to close plugin module",
				"plugin", h.ID(),
				"path", h.Path(),
				"error", err)
		}
	}

	if late == nil {
		closeNow(h)
		return
	}
	lc.late.Add(1)
	go func() {
		defer lc.late.Done()
		<-late
		closeNow(h)
		for _, get := range pending {
			closeNow(get())
		}
	}()
}
