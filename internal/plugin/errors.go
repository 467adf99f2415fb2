// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"strings"

	"github.com/samber/oops"
)

// Error codes. Loading: FileNotFound..LoadFailed. Dependency:
// DependencyMissing..DependencyInUse. Lifecycle: AlreadyLoaded..ReloadFailed.
// Concurrency: OperationInProgress.
const (
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeInvalidFormat    = "INVALID_FORMAT"
	CodeSymbolNotFound   = "SYMBOL_NOT_FOUND"
	CodeAbiMismatch      = "ABI_MISMATCH"
	CodeLoadFailed       = "LOAD_FAILED"
	CodeUnknownRuntime   = "UNKNOWN_RUNTIME"
	CodePermissionDenied = "PERMISSION_DENIED"

	CodeDependencyMissing  = "DEPENDENCY_MISSING"
	CodeCircularDependency = "CIRCULAR_DEPENDENCY"
	CodeVersionMismatch    = "VERSION_MISMATCH"
	CodeDependencyInUse    = "DEPENDENCY_IN_USE"
	CodeDuplicatePlugin    = "DUPLICATE_PLUGIN"

	CodeAlreadyLoaded        = "ALREADY_LOADED"
	CodeNotLoaded            = "NOT_LOADED"
	CodeStateError           = "STATE_ERROR"
	CodeInitializationFailed = "INITIALIZATION_FAILED"
	CodeTimeout              = "TIMEOUT"
	CodeReloadFailed         = "RELOAD_FAILED"

	CodeOperationInProgress = "OPERATION_IN_PROGRESS"
)

// ErrFileNotFound creates an error for a missing descriptor or module file.
func ErrFileNotFound(path string) error {
	return oops.Code(CodeFileNotFound).
		With("path", path).
		Errorf("file not found: %s", path)
}

// ErrInvalidFormat creates an error for a candidate that is not a loadable module.
func ErrInvalidFormat(path string, cause error) error {
	return oops.Code(CodeInvalidFormat).
		With("path", path).
		Wrapf(cause, "invalid plugin format: %s", path)
}

// ErrSymbolNotFound creates an error for a module missing its entry symbol.
func ErrSymbolNotFound(path, symbol string) error {
	return oops.Code(CodeSymbolNotFound).
		With("path", path).
		With("symbol", symbol).
		Errorf("entry symbol %s not found in %s", symbol, path)
}

// ErrAbiMismatch creates an error for a module built against another ABI.
func ErrAbiMismatch(path string, want, got uint32) error {
	return oops.Code(CodeAbiMismatch).
		With("path", path).
		With("want_abi", want).
		With("got_abi", got).
		Errorf("module %s has ABI version %d, host expects %d", path, got, want)
}

// ErrLoadFailed wraps an OS-level failure to open or close a module.
func ErrLoadFailed(path string, cause error) error {
	return oops.Code(CodeLoadFailed).
		With("path", path).
		Wrapf(cause, "load failed: %s", path)
}

// ErrUnknownRuntime creates an error for a descriptor naming an unregistered runtime.
func ErrUnknownRuntime(path string, kind RuntimeKind) error {
	return oops.Code(CodeUnknownRuntime).
		With("path", path).
		With("runtime", string(kind)).
		Errorf("no runtime registered for %q", kind)
}

// ErrPermissionDenied creates an error for a load refused by the security layer.
func ErrPermissionDenied(id string, cause error) error {
	b := oops.Code(CodePermissionDenied).With("plugin", id)
	if cause == nil {
		return b.Errorf("permission denied for plugin %s", id)
	}
	return b.Wrapf(cause, "permission denied for plugin %s", id)
}

// ErrDependencyMissing creates an error listing unmet dependency constraints.
func ErrDependencyMissing(id string, missing []DependencyConstraint) error {
	names := make([]string, len(missing))
	for i, c := range missing {
		names[i] = c.String()
	}
	return oops.Code(CodeDependencyMissing).
		With("plugin", id).
		With("missing", missing).
		Errorf("plugin %s has unmet dependencies: [%s]", id, strings.Join(names, ", "))
}

// ErrCircularDependency creates an error reporting one concrete cycle.
func ErrCircularDependency(cycle []string) error {
	return oops.Code(CodeCircularDependency).
		With("cycle", cycle).
		Errorf("circular dependency: %s", strings.Join(cycle, " -> "))
}

// ErrVersionMismatch creates an error for a dependency present at an unsatisfying version.
func ErrVersionMismatch(id string, c DependencyConstraint, have string) error {
	return oops.Code(CodeVersionMismatch).
		With("plugin", id).
		With("constraint", c.String()).
		With("have", have).
		Errorf("plugin %s requires %s, found version %s", id, c, have)
}

// ErrDependencyInUse creates an error for removing a plugin others still need.
func ErrDependencyInUse(id string, dependents []string) error {
	return oops.Code(CodeDependencyInUse).
		With("plugin", id).
		With("dependents", dependents).
		Errorf("plugin %s is still required by [%s]", id, strings.Join(dependents, ", "))
}

// ErrDuplicatePlugin creates an error for registering a known identity twice.
func ErrDuplicatePlugin(id string) error {
	return oops.Code(CodeDuplicatePlugin).
		With("plugin", id).
		Errorf("plugin %s is already registered", id)
}

// ErrAlreadyLoaded creates an error for loading a plugin that is already active.
func ErrAlreadyLoaded(id string, state State) error {
	return oops.Code(CodeAlreadyLoaded).
		With("plugin", id).
		With("state", state.String()).
		Errorf("plugin %s is already loaded (state %s)", id, state)
}

// ErrNotLoaded creates an error for operating on an unknown or inactive plugin.
func ErrNotLoaded(id string) error {
	return oops.Code(CodeNotLoaded).
		With("plugin", id).
		Errorf("plugin %s is not loaded", id)
}

// ErrState creates an error for a transition the state machine forbids.
func ErrState(id string, from, to State) error {
	return oops.Code(CodeStateError).
		With("plugin", id).
		With("from", from.String()).
		With("to", to.String()).
		Errorf("plugin %s cannot move from %s to %s", id, from, to)
}

// ErrInitializationFailed wraps a failure returned by a plugin's Initialize.
func ErrInitializationFailed(id string, cause error) error {
	return oops.Code(CodeInitializationFailed).
		With("plugin", id).
		Wrapf(cause, "plugin %s failed to initialize", id)
}

// ErrTimeout creates an error for a foreign call or wait that exceeded its bound.
func ErrTimeout(id, call string, cause error) error {
	b := oops.Code(CodeTimeout).
		With("plugin", id).
		With("call", call)
	if cause != nil {
		return b.Wrapf(cause, "plugin %s: %s timed out", id, call)
	}
	return b.Errorf("plugin %s: %s timed out", id, call)
}

// ErrReloadFailed reports a failed hot reload. rolledBack tells whether the
// previous binary is running again. The causes already carry their own codes,
// so they are attached as context instead of being wrapped.
func ErrReloadFailed(id string, rolledBack bool, causes ...error) error {
	msgs := make([]string, 0, len(causes))
	kept := make([]error, 0, len(causes))
	for _, c := range causes {
		if c == nil {
			continue
		}
		kept = append(kept, c)
		msgs = append(msgs, c.Error())
	}
	return oops.Code(CodeReloadFailed).
		With("plugin", id).
		With("rolled_back", rolledBack).
		With("causes", kept).
		Errorf("hot reload of plugin %s failed: %s", id, strings.Join(msgs, "; "))
}

// ErrOperationInProgress creates an error for a request refused because
// another operation holds the identity.
func ErrOperationInProgress(id, operation string) error {
	return oops.Code(CodeOperationInProgress).
		With("plugin", id).
		With("operation", operation).
		Errorf("plugin %s: %s refused, another operation is in progress", id, operation)
}

// Code returns the error code carried by err, or "" if it has none.
func Code(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return Code(err) == code
}

// CycleOf returns the cycle reported by a CIRCULAR_DEPENDENCY error.
func CycleOf(err error) []string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	cycle, _ := oopsErr.Context()["cycle"].([]string)
	return cycle
}

// CausesOf returns the underlying failures attached to a RELOAD_FAILED error.
func CausesOf(err error) []error {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	causes, _ := oopsErr.Context()["causes"].([]error)
	return causes
}

// MissingOf returns the constraints reported by a DEPENDENCY_MISSING error.
func MissingOf(err error) []DependencyConstraint {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	missing, _ := oopsErr.Context()["missing"].([]DependencyConstraint)
	return missing
}
