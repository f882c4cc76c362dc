package edge

import (
	"context"
	"time"

	"firestige.xyz/ztun/internal/core"
)

// Future holds the result of an asynchronous operation.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn in its own goroutine and returns a future for its result.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the result. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	return f.val, f.err
}

// Await blocks until the result is available or timeout elapses, in which
// case it returns core.ErrTimeout. A timeout does not cancel the operation.
func (f *Future[T]) Await(timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.val, f.err
	case <-timer.C:
		var zero T
		return zero, core.ErrTimeout
	}
}
