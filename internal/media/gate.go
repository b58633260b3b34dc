package media

import (
	"context"
	"errors"
	"time"
)

// ErrGateClosed is returned to a waiter whose gate was torn down while it
// was waiting.
var ErrGateClosed = errors.New("gate closed")

// ErrGateNotArmed is returned when waiting on a gate that was never set up
// (or has already been torn down).
var ErrGateNotArmed = errors.New("gate not armed")

// ErrDigitTimeout is returned by a keypress wait when no keypress arrived
// within the inter-digit timeout.
var ErrDigitTimeout = errors.New("inter-digit timeout")

// latch is a binary semaphore (count 0..1) bound to a cancellation scope.
// A release delivered before anyone waits is kept until consumed.
type latch[T any] struct {
	ch     chan T
	done   chan struct{}
	closed bool
}

func newLatch[T any]() *latch[T] {
	return &latch[T]{
		ch:   make(chan T, 1),
		done: make(chan struct{}),
	}
}

// signal replaces any unconsumed value with v. Callers must serialize
// signal and close.
func (l *latch[T]) signal(v T) {
	if l.closed {
		return
	}
	select {
	case <-l.ch:
	default:
	}
	l.ch <- v
}

// close cancels the latch scope. Safe to call more than once as long as
// calls are serialized.
func (l *latch[T]) close() {
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// IncomingGate suspends the WaitRings caller until the signaling layer
// reports that an inbound call has been answered.
//
// Setup, Release and Teardown must be serialized by the caller (the call
// session invokes them under its own lock). Wait may run concurrently with
// them.
type IncomingGate struct {
	cur *latch[struct{}]
}

// IncomingWait is the waiter half of an armed IncomingGate.
type IncomingWait struct {
	l *latch[struct{}]
}

// Setup discards any previous wait (its waiter receives ErrGateClosed) and
// arms a fresh one.
func (g *IncomingGate) Setup() *IncomingWait {
	if g.cur != nil {
		g.cur.close()
	}
	g.cur = newLatch[struct{}]()
	return &IncomingWait{l: g.cur}
}

// Armed reports whether a wait is currently set up.
func (g *IncomingGate) Armed() bool {
	return g.cur != nil
}

// Release wakes the current waiter. It is a no-op when nothing is armed.
func (g *IncomingGate) Release() {
	if g.cur == nil {
		return
	}
	g.cur.signal(struct{}{})
}

// Teardown cancels the current wait. Calling it repeatedly, or before any
// Setup, is a no-op.
func (g *IncomingGate) Teardown() {
	if g.cur == nil {
		return
	}
	g.cur.close()
	g.cur = nil
}

// Wait blocks until the gate is released, torn down or ctx ends.
func (w *IncomingWait) Wait(ctx context.Context) error {
	if w == nil || w.l == nil {
		return ErrGateNotArmed
	}
	select {
	case <-w.l.ch:
		return nil
	case <-w.l.done:
		// A release that raced the teardown still counts.
		select {
		case <-w.l.ch:
			return nil
		default:
		}
		return ErrGateClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAsync runs Wait on a new goroutine.
func (w *IncomingWait) WaitAsync(ctx context.Context) *Future[struct{}] {
	return Go(func() (struct{}, error) {
		return struct{}{}, w.Wait(ctx)
	})
}

// resetTimer stops t, drains a pending tick and restarts it with d.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
