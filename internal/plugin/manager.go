// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("plughost/plugin")

// Defaults for manager options.
const (
	DefaultWorkers         = 4
	DefaultCallTimeout     = 10 * time.Second
	DefaultDependencyWait  = 5 * time.Second
	DefaultMaxResolveDepth = 8
)

// Authorizer is the security layer consulted before a module is opened.
// A non-nil error refuses the load with PERMISSION_DENIED.
type Authorizer interface {
	Authorize(ctx context.Context, d *Descriptor) error
}

// LoadOptions controls a single load.
type LoadOptions struct {
	// AutoResolve loads missing dependencies from the search paths.
	AutoResolve bool
	// Timeout bounds the whole load. Zero means no bound beyond the
	// per-call timeout.
	Timeout time.Duration
	// Config overrides top-level keys of the descriptor defaults.
	Config map[string]any
}

// Manager composes the registry, loader, resolver and lifecycle into the
// public plugin operations. It is safe for concurrent use.
type Manager struct {
	reg         *Registry
	loader      *Loader
	lc          *lifecycle
	ops         *keyedLock
	obs         *observers
	auth        Authorizer
	searchPaths []string
	workers     int
	callTimeout time.Duration
	depWait     time.Duration
	maxDepth    int
	logger      *slog.Logger
	closed      atomic.Bool
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLoader sets the loader. Defaults to a loader without runtimes.
func WithLoader(l *Loader) ManagerOption {
	return func(m *Manager) {
		m.loader = l
	}
}

// WithSearchPaths sets the directories used for auto-resolution and LoadAll.
func WithSearchPaths(paths ...string) ManagerOption {
	return func(m *Manager) {
		m.searchPaths = slices.Clone(paths)
	}
}

// WithWorkers sets the size of the worker pool for foreign calls.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithCallTimeout bounds every call into plugin code.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.callTimeout = d
	}
}

// WithDependencyWait bounds how long a start waits for its dependencies to
// reach Running.
func WithDependencyWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.depWait = d
	}
}

// WithMaxResolveDepth bounds dependency auto-resolution recursion.
func WithMaxResolveDepth(n int) ManagerOption {
	return func(m *Manager) {
		m.maxDepth = n
	}
}

// WithAuthorizer sets the security layer consulted before every open.
func WithAuthorizer(a Authorizer) ManagerOption {
	return func(m *Manager) {
		m.auth = a
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		m.obs.add(o)
	}
}

// NewManager creates a plugin manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		reg:         NewRegistry(),
		ops:         newKeyedLock(),
		obs:         &observers{},
		workers:     DefaultWorkers,
		callTimeout: DefaultCallTimeout,
		depWait:     DefaultDependencyWait,
		maxDepth:    DefaultMaxResolveDepth,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.loader == nil {
		m.loader = NewLoader(WithLoaderLogger(m.logger))
	}
	m.lc = &lifecycle{
		reg:     m.reg,
		loader:  m.loader,
		pool:    newPool(m.workers),
		obs:     m.obs,
		timeout: m.callTimeout,
		depWait: m.depWait,
		logger:  m.logger,
	}
	return m
}

// Registry exposes the registry read-only operations.
func (m *Manager) Registry() *Registry { return m.reg }

// Observe registers an observer for every committed transition.
func (m *Manager) Observe(o Observer) {
	m.obs.add(o)
}

// Register validates the candidate at path and records it as Unloaded
// without opening it.
func (m *Manager) Register(ctx context.Context, path string) (*Descriptor, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	d, err := m.loader.DryValidate(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := m.reg.Register(d); err != nil {
		return nil, err
	}
	pluginsByState.WithLabelValues(StateUnloaded.String()).Inc()
	return d, nil
}

// Unregister removes an Unloaded or Error entry.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	release, err := m.ops.acquire(ctx, id, "unregister")
	if err != nil {
		return err
	}
	defer release()

	state := m.reg.State(id)
	if err := m.reg.Unregister(id); err != nil {
		return err
	}
	pluginsByState.WithLabelValues(state.String()).Dec()
	return nil
}

// Load validates the candidate at path, registers it, resolves its
// dependencies and drives it to Running. It returns the plugin identity.
func (m *Manager) Load(ctx context.Context, path string, opts LoadOptions) (id string, err error) {
	ctx, span, began := m.begin(ctx, "load", attribute.String("plugin.path", path))
	defer func() { m.end(span, "load", began, err) }()

	if err = m.checkOpen(); err != nil {
		return "", err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	d, err := m.loader.DryValidate(ctx, path)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("plugin.id", d.ID))
	if err = m.load(ctx, d, opts, 0); err != nil {
		return d.ID, err
	}
	return d.ID, nil
}

// load runs one load under the operation lock of d.ID.
func (m *Manager) load(ctx context.Context, d *Descriptor, opts LoadOptions, depth int) error {
	release, err := m.ops.acquire(ctx, d.ID, "load")
	if err != nil {
		return err
	}
	defer release()

	created := false
	if e, ok := m.reg.Get(d.ID); ok {
		if e.State != StateUnloaded {
			return ErrAlreadyLoaded(d.ID, e.State)
		}
		if err := m.reg.replaceDescriptor(d.ID, d); err != nil {
			return err
		}
	} else {
		if _, err := m.reg.Register(d); err != nil {
			return err
		}
		pluginsByState.WithLabelValues(StateUnloaded.String()).Inc()
		created = true
	}

	rollback := func() {
		if !created {
			return
		}
		if err := m.reg.Unregister(d.ID); err == nil {
			pluginsByState.WithLabelValues(StateUnloaded.String()).Dec()
		}
	}

	if err := m.authorize(ctx, d); err != nil {
		rollback()
		return err
	}
	if err := m.prepareDependencies(ctx, d, opts.AutoResolve, depth); err != nil {
		rollback()
		return err
	}

	cfg := CloneConfig(d.Defaults)
	if cfg == nil && opts.Config != nil {
		cfg = make(map[string]any, len(opts.Config))
	}
	maps.Copy(cfg, CloneConfig(opts.Config))
	if err := m.lc.start(ctx, d.ID, cfg); err != nil {
		// A cancelled start ends Unloaded; forget an entry this call created.
		if m.reg.State(d.ID) == StateUnloaded {
			rollback()
		}
		return err
	}
	return nil
}

func (m *Manager) authorize(ctx context.Context, d *Descriptor) error {
	if m.auth == nil {
		return nil
	}
	if err := m.auth.Authorize(ctx, d); err != nil {
		return ErrPermissionDenied(d.ID, err)
	}
	return nil
}

// prepareDependencies makes sure every dependency of d is registered at a
// satisfying version and that d does not close a cycle. With autoResolve,
// missing dependencies are loaded from the search paths and registered but
// Unloaded ones are started.
func (m *Manager) prepareDependencies(ctx context.Context, d *Descriptor, autoResolve bool, depth int) error {
	missing := MissingDependencies(d.ID, m.reg.Snapshot())
	if len(missing) > 0 {
		if !autoResolve {
			return ErrDependencyMissing(d.ID, missing)
		}
		if err := m.resolve(ctx, d, missing, depth); err != nil {
			return err
		}
	}

	snap := m.reg.Snapshot()
	scope := append(TransitiveDependencies(d.ID, snap), d.ID)
	if _, err := TopologicalOrder(snap.Subset(scope)); err != nil {
		return err
	}

	if autoResolve {
		for _, c := range d.Dependencies {
			if m.reg.State(c.ID) == StateUnloaded {
				m.startRegistered(ctx, c.ID, depth+1)
			}
		}
	}
	return nil
}

// resolve loads each missing dependency from the best matching candidate
// in the search paths.
func (m *Manager) resolve(ctx context.Context, d *Descriptor, missing []DependencyConstraint, depth int) error {
	if depth >= m.maxDepth {
		return oops.Code(CodeDependencyMissing).
			With("plugin", d.ID).
			With("missing", missing).
			With("depth", depth).
			Errorf("plugin %s: dependency resolution exceeded depth %d", d.ID, m.maxDepth)
	}

	candidates := m.candidates(ctx)
	for _, c := range missing {
		if e, ok := m.reg.Get(c.ID); ok {
			return ErrVersionMismatch(d.ID, c, e.Descriptor.Version.String())
		}

		var best *Descriptor
		var seen *Descriptor
		for _, cand := range candidates {
			if cand.ID != c.ID {
				continue
			}
			seen = cand
			if VersionSatisfies(cand.Version, c) && (best == nil || best.Version.LessThan(cand.Version)) {
				best = cand
			}
		}
		switch {
		case best == nil && seen != nil:
			return ErrVersionMismatch(d.ID, c, seen.Version.String())
		case best == nil:
			return ErrDependencyMissing(d.ID, []DependencyConstraint{c})
		}

		m.logger.InfoContext(ctx, "resolving plugin dependency",
			"plugin", d.ID,
			"dependency", best.ID,
			"version", best.Version.String(),
			"path", best.Path)
		err := m.load(ctx, best, LoadOptions{AutoResolve: true}, depth+1)
		if err != nil && !HasCode(err, CodeAlreadyLoaded) {
			return oops.With("plugin", d.ID).
				With("dependency", c.ID).
				Wrapf(err, "resolve dependency %s of %s", c.ID, d.ID)
		}
	}
	return nil
}

// startRegistered starts a registered but Unloaded dependency. The lock is
// only tried, never waited on: whoever holds it is already acting on the
// dependency, and the dependent's start waits for it to reach Running.
func (m *Manager) startRegistered(ctx context.Context, id string, depth int) {
	release, err := m.ops.tryAcquire(id, "load")
	if err != nil {
		return
	}
	defer release()

	e, ok := m.reg.Get(id)
	if !ok || e.State != StateUnloaded {
		return
	}
	if err := m.authorize(ctx, e.Descriptor); err != nil {
		m.logger.WarnContext(ctx, "dependency not started", "plugin", id, "error", err)
		return
	}
	if err := m.prepareDependencies(ctx, e.Descriptor, true, depth); err != nil {
		m.logger.WarnContext(ctx, "dependency not started", "plugin", id, "error", err)
		return
	}
	if err := m.lc.start(ctx, id, CloneConfig(e.Descriptor.Defaults)); err != nil {
		m.logger.WarnContext(ctx, "dependency failed to start", "plugin", id, "error", err)
	}
}

// candidates dry-validates everything in the search paths.
func (m *Manager) candidates(ctx context.Context) []*Descriptor {
	var out []*Descriptor
	for _, dir := range m.searchPaths {
		res, err := m.Discover(ctx, dir)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to scan plugin search path",
				"dir", dir,
				"error", err)
			continue
		}
		out = append(out, res.Descriptors...)
	}
	return out
}

// Unload stops id. Without cascade it fails with DEPENDENCY_IN_USE while
// any dependent is active; with cascade every transitive dependent is
// unloaded first, in reverse topological order.
func (m *Manager) Unload(ctx context.Context, id string, cascade bool) (err error) {
	ctx, span, began := m.begin(ctx, "unload", attribute.String("plugin.id", id), attribute.Bool("plugin.cascade", cascade))
	defer func() { m.end(span, "unload", began, err) }()

	if cascade {
		snap := m.reg.Snapshot()
		order, err := ReverseTopologicalOrder(snap.Subset(TransitiveDependents(id, snap)))
		if err != nil {
			return err
		}
		for _, dep := range order {
			if err := m.unloadOne(ctx, dep, false); err != nil && !HasCode(err, CodeNotLoaded) {
				return oops.With("plugin", id).
					With("dependent", dep).
					Wrapf(err, "cascade unload of %s", id)
			}
		}
	}
	return m.unloadOne(ctx, id, true)
}

func (m *Manager) unloadOne(ctx context.Context, id string, checkDependents bool) error {
	release, err := m.ops.acquire(ctx, id, "unload")
	if err != nil {
		return err
	}
	defer release()

	if m.reg.State(id) == StateUnloaded {
		return ErrNotLoaded(id)
	}
	if checkDependents {
		if users := m.reg.ActiveDependentsOf(id); len(users) > 0 {
			return ErrDependencyInUse(id, users)
		}
	}
	return m.lc.stop(ctx, id, false)
}

// Reload hot-reloads id from its descriptor path. Active dependents are
// paused and resumed around the swap when all of them support pausing;
// otherwise they are stopped and started again afterwards.
func (m *Manager) Reload(ctx context.Context, id string) (err error) {
	ctx, span, began := m.begin(ctx, "reload", attribute.String("plugin.id", id))
	defer func() { m.end(span, "reload", began, err) }()

	if err = m.checkOpen(); err != nil {
		return err
	}
	release, err := m.ops.acquire(ctx, id, "reload")
	if err != nil {
		return err
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	e, ok := m.reg.Get(id)
	if !ok || e.State == StateUnloaded {
		return ErrNotLoaded(id)
	}

	next, err := m.loader.DryValidate(ctx, e.Descriptor.Path)
	if err != nil {
		return ErrReloadFailed(id, e.State == StateRunning, err)
	}
	if next.ID != id {
		return ErrReloadFailed(id, e.State == StateRunning,
			ErrInvalidFormat(next.Path, errors.New("descriptor now declares identity "+next.ID)))
	}
	if err := m.authorize(ctx, next); err != nil {
		return ErrReloadFailed(id, e.State == StateRunning, err)
	}

	snap := m.reg.Snapshot()
	snap[id] = next
	if _, err := TopologicalOrder(snap.Subset(append(TransitiveDependencies(id, snap), id))); err != nil {
		return ErrReloadFailed(id, e.State == StateRunning, err)
	}

	plan, err := m.suspendDependents(ctx, id)
	if err != nil {
		m.restoreDependents(ctx, plan, true)
		return ErrReloadFailed(id, e.State == StateRunning, err)
	}

	err = m.lc.reload(ctx, id, next)
	m.restoreDependents(ctx, plan, m.reg.State(id) == StateRunning)
	return err
}

// dependentPlan records what Reload did to the dependents of a plugin.
type dependentPlan struct {
	paused  []string
	stopped []stoppedDependent
}

type stoppedDependent struct {
	id     string
	config map[string]any
}

// suspendDependents pauses every active transitive dependent when all of
// them can pause, and stops them otherwise. Both walk the dependents in
// reverse topological order.
func (m *Manager) suspendDependents(ctx context.Context, id string) (dependentPlan, error) {
	var plan dependentPlan

	snap := m.reg.Snapshot()
	order, err := ReverseTopologicalOrder(snap.Subset(TransitiveDependents(id, snap)))
	if err != nil {
		return plan, err
	}

	var running []string
	pausable := true
	for _, dep := range order {
		if m.reg.State(dep) != StateRunning {
			continue
		}
		running = append(running, dep)
		h := m.reg.handle(dep)
		if h == nil {
			pausable = false
			continue
		}
		if _, ok := h.Pausable(); !ok {
			pausable = false
		}
	}

	for _, dep := range order {
		state := m.reg.State(dep)
		if pausable {
			if state != StateRunning {
				continue
			}
			if err := m.withLock(ctx, dep, "pause", func() error { return m.lc.pause(ctx, dep) }); err != nil {
				return plan, err
			}
			plan.paused = append(plan.paused, dep)
			continue
		}
		if state != StateRunning && state != StatePaused && state != StateLoaded {
			continue
		}
		e, _ := m.reg.Get(dep)
		if err := m.withLock(ctx, dep, "unload", func() error { return m.lc.stop(ctx, dep, false) }); err != nil {
			return plan, err
		}
		plan.stopped = append(plan.stopped, stoppedDependent{id: dep, config: e.Config})
	}
	if len(running) > 0 {
		m.logger.InfoContext(ctx, "suspended dependents for reload",
			"plugin", id,
			"paused", plan.paused,
			"stopped", len(plan.stopped))
	}
	return plan, nil
}

// restoreDependents undoes suspendDependents in topological order. When the
// reloaded plugin did not come back, paused dependents are stopped instead
// and stopped ones stay Unloaded.
func (m *Manager) restoreDependents(ctx context.Context, plan dependentPlan, targetRunning bool) {
	if !targetRunning {
		for _, dep := range plan.paused {
			if err := m.withLock(ctx, dep, "unload", func() error { return m.lc.stop(ctx, dep, false) }); err != nil {
				m.logger.WarnContext(ctx, "failed to stop dependent of failed reload", "plugin", dep, "error", err)
			}
		}
		return
	}

	for i := len(plan.paused) - 1; i >= 0; i-- {
		dep := plan.paused[i]
		if err := m.withLock(ctx, dep, "resume", func() error { return m.lc.resume(ctx, dep) }); err != nil {
			m.logger.WarnContext(ctx, "failed to resume dependent after reload", "plugin", dep, "error", err)
		}
	}
	for i := len(plan.stopped) - 1; i >= 0; i-- {
		dep := plan.stopped[i]
		if err := m.withLock(ctx, dep.id, "load", func() error { return m.lc.start(ctx, dep.id, dep.config) }); err != nil {
			m.logger.WarnContext(ctx, "failed to restart dependent after reload", "plugin", dep.id, "error", err)
		}
	}
}

func (m *Manager) withLock(ctx context.Context, id, op string, fn func() error) error {
	release, err := m.ops.acquire(ctx, id, op)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Pause suspends a Running plugin that supports pausing.
func (m *Manager) Pause(ctx context.Context, id string) (err error) {
	ctx, span, began := m.begin(ctx, "pause", attribute.String("plugin.id", id))
	defer func() { m.end(span, "pause", began, err) }()
	return m.withLock(ctx, id, "pause", func() error { return m.lc.pause(ctx, id) })
}

// Resume restarts a Paused plugin.
func (m *Manager) Resume(ctx context.Context, id string) (err error) {
	ctx, span, began := m.begin(ctx, "resume", attribute.String("plugin.id", id))
	defer func() { m.end(span, "resume", began, err) }()
	return m.withLock(ctx, id, "resume", func() error { return m.lc.resume(ctx, id) })
}

// Query returns the identities of Running plugins advertising capability,
// in ascending order.
func (m *Manager) Query(capability string) []string {
	var ids []string
	for _, e := range m.reg.List() {
		if e.State == StateRunning && e.Descriptor.HasCapability(capability) {
			ids = append(ids, e.Descriptor.ID)
		}
	}
	return ids
}

// Get returns the descriptor of id.
func (m *Manager) Get(id string) (*Descriptor, bool) {
	e, ok := m.reg.Get(id)
	if !ok {
		return nil, false
	}
	return e.Descriptor, true
}

// State returns the lifecycle state of id. Unknown identities are Unloaded.
func (m *Manager) State(id string) State {
	return m.reg.State(id)
}

// Entry returns a view of the registry entry for id.
func (m *Manager) Entry(id string) (Entry, bool) {
	return m.reg.Get(id)
}

// List returns every registry entry ordered by identity.
func (m *Manager) List() []Entry {
	return m.reg.List()
}

// Config returns a copy of the configuration id was initialized with.
func (m *Manager) Config(id string) (map[string]any, bool) {
	e, ok := m.reg.Get(id)
	if !ok {
		return nil, false
	}
	return e.Config, true
}

// Interface returns the typed view a Running plugin provides for tag.
func (m *Manager) Interface(id, tag string) (any, error) {
	if m.reg.State(id) != StateRunning {
		return nil, ErrNotLoaded(id)
	}
	h := m.reg.handle(id)
	if h == nil {
		return nil, ErrNotLoaded(id)
	}
	view, ok := h.QueryInterface(tag)
	if !ok {
		return nil, oops.Code(CodeStateError).
			With("plugin", id).
			With("capability", tag).
			Errorf("plugin %s does not provide %s", id, tag)
	}
	return view, nil
}

// LoadOrder returns the topological order of every registered plugin.
func (m *Manager) LoadOrder() ([]string, error) {
	return TopologicalOrder(m.reg.Snapshot())
}

// Close unloads every plugin in reverse topological order and stops the
// worker pool. It returns the joined errors of the individual unloads.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	snap := m.reg.Snapshot()
	order, err := ReverseTopologicalOrder(snap)
	if err != nil {
		order = snap.IDs()
		slices.Reverse(order)
	}

	var errs []error
	for _, id := range order {
		if m.reg.State(id) == StateUnloaded {
			continue
		}
		if err := m.unloadOne(ctx, id, false); err != nil && !HasCode(err, CodeNotLoaded) {
			errs = append(errs, err)
		}
	}

	lateDone := make(chan struct{})
	go func() {
		m.lc.late.Wait()
		close(lateDone)
	}()
	select {
	case <-lateDone:
	case <-ctx.Done():
		errs = append(errs, oops.Wrapf(ctx.Err(), "waiting for timed-out plugin calls"))
	}
	if err := m.lc.pool.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) checkOpen() error {
	if m.closed.Load() {
		return oops.Code(CodeStateError).Errorf("plugin manager is closed")
	}
	return nil
}

// begin starts a span and tags ctx with an operation id.
func (m *Manager) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, opID := withOperation(ctx)
	attrs = append(attrs, attribute.String("plugin.operation_id", opID))
	ctx, span := tracer.Start(ctx, "plugin."+operation, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (m *Manager) end(span trace.Span, operation string, began time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	recordOperation(operation, began, err)
}
