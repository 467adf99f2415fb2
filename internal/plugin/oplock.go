// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"sync"
)

// keyedLock serializes operations per key. Waiters queue on a one-slot
// channel, so a waiter can give up when its context ends.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
	op   string
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*lockSlot)}
}

// acquire blocks until key is free or ctx ends. op names the operation for
// error reporting. The returned release must be called exactly once.
func (l *keyedLock) acquire(ctx context.Context, key, op string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.mu.Lock()
		holder := slot.op
		l.deref(key, slot)
		l.mu.Unlock()
		return nil, ErrOperationInProgress(key, op+" (waiting on "+holder+")")
	}

	l.mu.Lock()
	slot.op = op
	l.mu.Unlock()
	return l.releaser(key, slot), nil
}

// tryAcquire is acquire without waiting.
func (l *keyedLock) tryAcquire(key, op string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	select {
	case slot.ch <- struct{}{}:
		slot.op = op
		return l.releaser(key, slot), nil
	default:
		holder := slot.op
		l.deref(key, slot)
		return nil, ErrOperationInProgress(key, op+" (held by "+holder+")")
	}
}

func (l *keyedLock) releaser(key string, slot *lockSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			slot.op = ""
			l.deref(key, slot)
			l.mu.Unlock()
			<-slot.ch
		})
	}
}

// deref must be called with l.mu held.
func (l *keyedLock) deref(key string, slot *lockSlot) {
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}
