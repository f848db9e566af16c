package rpc

import (
	"context"
	"sync"
)

// Future is a single-assignment result cell. Exactly one Complete call wins;
// later calls are ignored. Observers block on Wait or select on Done.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future with a value or an error. Only the first call
// has any effect.
func (f *Future) Complete(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolved constructs an already-completed future. Used when call submission
// itself fails.
func resolved(value any, err error) *Future {
	f := NewFuture()
	f.Complete(value, err)
	return f
}
