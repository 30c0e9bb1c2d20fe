// Package recycle pools expensive handles that must not be shared across
// goroutines (e.g. open archive readers). Callers acquire a handle before
// unsafe use and release it in a deferred cleanup, including on error
// paths; the pool recreates handles lazily and disposes them on Close.
package recycle

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Acquire after the pool has been closed.
var ErrClosed = errors.New("recycle: pool closed")

// Pool hands out interchangeable handles of type T. No handle is ever
// held by two callers at the same time: a handle is either pooled, or
// owned by exactly one acquirer until released.
type Pool[T any] struct {
	mu      sync.Mutex
	free    []T
	closed  bool
	factory func() (T, error)
	dispose func(T)
}

// New creates a pool. factory materializes a fresh handle when the pool
// is empty (it may perform blocking I/O). dispose releases a handle's
// resources; it may be nil for handles that need no teardown.
func New[T any](factory func() (T, error), dispose func(T)) *Pool[T] {
	return &Pool[T]{factory: factory, dispose: dispose}
}

// Acquire returns a pooled handle, or a freshly created one if none is
// available.
func (p *Pool[T]) Acquire() (T, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		var zero T
		return zero, ErrClosed
	}
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()
	// Create outside the lock: the factory may block on I/O.
	return p.factory()
}

// Release returns a handle to the pool. Releasing after Close disposes
// the handle instead of pooling it.
func (p *Pool[T]) Release(h T) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if p.dispose != nil {
			p.dispose(h)
		}
		return
	}
	p.free = append(p.free, h)
	p.mu.Unlock()
}

// Close disposes every pooled handle exactly once. Handles still held by
// callers are disposed when they are released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.mu.Unlock()

	if p.dispose != nil {
		for _, h := range free {
			p.dispose(h)
		}
	}
}
