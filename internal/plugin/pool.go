// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// errPoolClosed is returned by futures submitted after the pool stopped.
var errPoolClosed = errors.New("worker pool is closed")

// pool is a fixed set of goroutines that run calls into foreign code so that
// a slow or hung plugin never blocks the caller's goroutine.
type pool struct {
	tasks     chan func()
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	p := &pool{
		tasks: make(chan func()),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

func (p *pool) work() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.done:
			return
		}
	}
}

// close stops accepting work and waits for the workers to finish their
// current task, or for ctx to end if a task never returns.
func (p *pool) close(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.done) })

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool still busy: %w", ctx.Err())
	}
}

// future is the pending result of a submitted call.
type future[T any] struct {
	ready chan struct{}
	val   T
	err   error
}

func (f *future[T]) resolve(val T, err error) {
	f.val, f.err = val, err
	close(f.ready)
}

// Done is closed once the call has returned.
func (f *future[T]) Done() <-chan struct{} { return f.ready }

// Await waits for the result or for ctx to end, whichever comes first. The
// call keeps running in the pool when ctx wins.
func (f *future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.ready:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// submit queues fn on p. Submission itself waits for a free worker, bounded
// by ctx. Panics in fn are recovered into errors.
func submit[T any](ctx context.Context, p *pool, name string, fn func() (T, error)) *future[T] {
	f := &future[T]{ready: make(chan struct{})}
	task := func() {
		var (
			val T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s panicked: %v", name, r)
				}
			}()
			val, err = fn()
		}()
		f.resolve(val, err)
	}

	select {
	case p.tasks <- task:
	case <-p.done:
		var zero T
		f.resolve(zero, errPoolClosed)
	case <-ctx.Done():
		var zero T
		f.resolve(zero, ctx.Err())
	}
	return f
}
