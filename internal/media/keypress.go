package media

import (
	"context"
	"time"
)

// keypressSignal is what the keypress path hands to a waiting GetDigits
// caller: either "a key arrived, keep waiting" or "the collection is
// satisfied after Position characters".
type keypressSignal struct {
	released bool
	position int
}

// KeypressGate is the wait/release mechanism behind GetDigits. A consumer
// arms the gate with a digit limit and a terminator set, then waits. The
// keypress path calls Check with the whole buffer after each digit; Check
// re-evaluates the release condition and wakes the consumer.
//
// Every keypress restarts the consumer's inter-digit timer, so the timeout
// measures the gap between keys rather than the total collection time.
//
// Setup, Check and Teardown must be serialized by the caller. KeypressWait
// is safe to use from another goroutine.
type KeypressGate struct {
	cur *KeypressWait
}

// KeypressWait is one armed GetDigits wait.
type KeypressWait struct {
	maxDigits   int
	terminators string
	released    bool
	l           *latch[keypressSignal]
}

// Setup discards any previous wait and arms a new one for the given
// release condition.
func (g *KeypressGate) Setup(maxDigits int, terminators string) *KeypressWait {
	if g.cur != nil {
		g.cur.l.close()
	}
	g.cur = &KeypressWait{
		maxDigits:   maxDigits,
		terminators: terminators,
		l:           newLatch[keypressSignal](),
	}
	return g.cur
}

// Armed reports whether a wait is currently set up.
func (g *KeypressGate) Armed() bool {
	return g.cur != nil
}

// Check evaluates the release condition against the full buffer contents
// and signals the waiter. After a release, further keypresses are left for
// the next collection and do not disturb the released waiter.
func (g *KeypressGate) Check(buffer string) {
	w := g.cur
	if w == nil || w.released {
		return
	}
	pos := ReleasePosition(buffer, w.maxDigits, w.terminators)
	if pos > 0 {
		w.released = true
		w.l.signal(keypressSignal{released: true, position: pos})
		return
	}
	w.l.signal(keypressSignal{})
}

// OnKeypress appends ch to buf and re-evaluates the release condition
// against the whole buffer.
func (g *KeypressGate) OnKeypress(buf *DigitBuffer, ch byte) {
	buf.Append(ch)
	g.Check(buf.String())
}

// Teardown cancels the current wait, if any. The waiter receives
// ErrGateClosed. Repeated calls are no-ops.
func (g *KeypressGate) Teardown() {
	if g.cur == nil {
		return
	}
	g.cur.l.close()
	g.cur = nil
}

// WaitForDigits blocks until the collection is satisfied and returns the
// release position. It returns ErrDigitTimeout when interDigit elapses with
// no keypress, ErrGateClosed when the gate is torn down, or ctx's error.
func (w *KeypressWait) WaitForDigits(ctx context.Context, interDigit time.Duration) (int, error) {
	if w == nil {
		return 0, ErrGateNotArmed
	}
	timer := time.NewTimer(interDigit)
	defer timer.Stop()

	for {
		select {
		case sig := <-w.l.ch:
			if sig.released {
				return sig.position, nil
			}
			resetTimer(timer, interDigit)
		case <-w.l.done:
			select {
			case sig := <-w.l.ch:
				if sig.released {
					return sig.position, nil
				}
			default:
			}
			return 0, ErrGateClosed
		case <-timer.C:
			// A keypress that raced the timer still counts.
			select {
			case sig := <-w.l.ch:
				if sig.released {
					return sig.position, nil
				}
				timer.Reset(interDigit)
				continue
			default:
			}
			return 0, ErrDigitTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WaitForDigitsAsync runs WaitForDigits on a new goroutine.
func (w *KeypressWait) WaitForDigitsAsync(ctx context.Context, interDigit time.Duration) *Future[int] {
	return Go(func() (int, error) {
		return w.WaitForDigits(ctx, interDigit)
	})
}
