package media

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeypressGate_ReleaseOnTerminator(t *testing.T) {
	var g KeypressGate
	w := g.Setup(4, "#")

	done := make(chan struct{})
	var pos int
	var err error
	go func() {
		pos, err = w.WaitForDigits(context.Background(), time.Second)
		close(done)
	}()

	g.Check("1")
	g.Check("12")
	g.Check("12#")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
	if err != nil {
		t.Fatalf("WaitForDigits() error = %v", err)
	}
	if pos != 3 {
		t.Errorf("position = %d, want 3", pos)
	}
}

func TestKeypressGate_OnKeypressScenario(t *testing.T) {
	var g KeypressGate
	var buf DigitBuffer
	w := g.Setup(4, "#")

	f := w.WaitForDigitsAsync(context.Background(), time.Second)
	for _, c := range []byte("12#") {
		g.OnKeypress(&buf, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pos, err := f.Await(ctx)
	if err != nil {
		t.Fatalf("WaitForDigitsAsync error = %v", err)
	}
	if got := buf.Take(pos); got != "12#" {
		t.Errorf("released prefix = %q, want %q", got, "12#")
	}
}

func TestKeypressGate_ReleaseBeforeWait(t *testing.T) {
	var g KeypressGate
	w := g.Setup(2, "")
	g.Check("1")
	g.Check("12")

	pos, err := w.WaitForDigits(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForDigits() error = %v", err)
	}
	if pos != 2 {
		t.Errorf("position = %d, want 2", pos)
	}
}

func TestKeypressGate_KeysAfterReleaseIgnored(t *testing.T) {
	var g KeypressGate
	w := g.Setup(1, "")
	g.Check("5")
	g.Check("56")

	pos, err := w.WaitForDigits(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForDigits() error = %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}
}

func TestKeypressGate_InterDigitTimeout(t *testing.T) {
	var g KeypressGate
	w := g.Setup(4, "#")

	start := time.Now()
	_, err := w.WaitForDigits(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrDigitTimeout) {
		t.Fatalf("WaitForDigits() error = %v, want ErrDigitTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("timeout fired early")
	}
}

func TestKeypressGate_KeypressRestartsTimer(t *testing.T) {
	var g KeypressGate
	w := g.Setup(10, "#")

	done := make(chan error, 1)
	go func() {
		_, err := w.WaitForDigits(context.Background(), 150*time.Millisecond)
		done <- err
	}()

	// Each key lands inside the inter-digit window, so the total wait
	// outlasts a single timeout without expiring.
	buf := ""
	for i := 0; i < 4; i++ {
		time.Sleep(80 * time.Millisecond)
		buf += "1"
		g.Check(buf)
	}
	g.Check(buf + "#")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForDigits() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestKeypressGate_TeardownWakesWaiter(t *testing.T) {
	var g KeypressGate
	w := g.Setup(4, "#")

	done := make(chan error, 1)
	go func() {
		_, err := w.WaitForDigits(context.Background(), 10*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	g.Teardown()

	select {
	case err := <-done:
		if !errors.Is(err, ErrGateClosed) {
			t.Errorf("WaitForDigits() error = %v, want ErrGateClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("teardown did not wake the waiter")
	}
}

func TestKeypressGate_DoubleTeardownThenSetup(t *testing.T) {
	var g KeypressGate
	g.Teardown()
	g.Setup(4, "#")
	g.Teardown()
	g.Teardown()

	if g.Armed() {
		t.Fatal("gate still armed after teardown")
	}

	w := g.Setup(1, "")
	g.Check("9")
	pos, err := w.WaitForDigits(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForDigits() after re-setup error = %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}
}

func TestKeypressGate_SetupCancelsPrevious(t *testing.T) {
	var g KeypressGate
	old := g.Setup(4, "#")
	g.Setup(4, "#")

	_, err := old.WaitForDigits(context.Background(), time.Second)
	if !errors.Is(err, ErrGateClosed) {
		t.Errorf("old WaitForDigits() error = %v, want ErrGateClosed", err)
	}
}

func TestKeypressGate_ContextCancel(t *testing.T) {
	var g KeypressGate
	w := g.Setup(4, "#")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := w.WaitForDigits(ctx, 10*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForDigits() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestKeypressGate_ReleaseWinsOverExpiredTimer(t *testing.T) {
	for i := 0; i < 200; i++ {
		var g KeypressGate
		w := g.Setup(2, "")
		g.Check("12")

		pos, err := w.WaitForDigits(context.Background(), time.Nanosecond)
		if err != nil {
			t.Fatalf("iteration %d: WaitForDigits() error = %v, want release", i, err)
		}
		if pos != 2 {
			t.Fatalf("iteration %d: position = %d, want 2", i, pos)
		}
	}
}
