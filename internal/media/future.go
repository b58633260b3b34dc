package media

import (
	"context"
	"sync"
)

// Future is a single-assignment result slot. It is resolved or rejected at
// most once; later attempts are ignored. Waiting never busy-loops: callers
// either block on Get, wait with a context via Await, or select on Done.
//
// Future is the one primitive behind both the blocking and the channel based
// (asynchronous) variants of the call API.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve completes the future with a value. It reports whether this call
// completed the future.
func (f *Future[T]) Resolve(v T) bool {
	ok := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		ok = true
	})
	return ok
}

// Reject completes the future with an error. It reports whether this call
// completed the future.
func (f *Future[T]) Reject(err error) bool {
	ok := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		ok = true
	})
	return ok
}

// Done is closed once the future has been resolved or rejected.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await waits for the future or for ctx to end, whichever comes first.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the future completes.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// Go runs fn on a new goroutine and returns a future completed with its
// result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		v, err := fn()
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	}()
	return f
}
