// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Transition describes one committed lifecycle state change.
type Transition struct {
	// OperationID identifies the manager operation that caused the change.
	// All transitions of one load, unload or reload share it.
	OperationID string
	Plugin      string
	From        State
	To          State
	// Err is the failure that moved the entry into Error, if any.
	Err error
	At  time.Time
}

// Observer receives transitions synchronously on the goroutine that
// committed them. Observers must not call back into the Manager for the
// plugin named in the transition.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

// OnTransition implements Observer.
func (f ObserverFunc) OnTransition(t Transition) { f(t) }

type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

func (o *observers) notify(t Transition) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()

	for _, obs := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("plugin observer panicked",
						"plugin", t.Plugin,
						"to", t.To.String(),
						"panic", r)
				}
			}()
			obs.OnTransition(t)
		}()
	}
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// newOperationID returns a new monotonic ULID string.
func newOperationID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

type operationKey struct{}

// withOperation attaches an operation id to ctx unless one is present.
func withOperation(ctx context.Context) (context.Context, string) {
	if id, ok := ctx.Value(operationKey{}).(string); ok {
		return ctx, id
	}
	id := newOperationID()
	return context.WithValue(ctx, operationKey{}, id), id
}

// OperationID returns the operation id carried by ctx, or "".
func OperationID(ctx context.Context) string {
	id, _ := ctx.Value(operationKey{}).(string)
	return id
}
