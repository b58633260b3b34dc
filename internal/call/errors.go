package call

import (
	"errors"
	"fmt"
)

var (
	// ErrHangup is returned when the call ends while an operation is
	// waiting on it, or when an operation needs a call and none is active.
	ErrHangup = errors.New("call hung up")

	// ErrDisposing is returned by operations on a line whose disposal has
	// been triggered.
	ErrDisposing = errors.New("line is disposing")

	// ErrDisposed is returned by operations on a disposed line.
	ErrDisposed = errors.New("line is disposed")

	// ErrGetDigitsTimeout is returned when the caller stops pressing keys
	// for longer than the inter-digit timeout before the collection is
	// satisfied.
	ErrGetDigitsTimeout = errors.New("get digits timeout")

	// ErrInvalidUsage reports a programming error such as an out of range
	// argument.
	ErrInvalidUsage = errors.New("invalid usage")

	// ErrTooManyAttempts is returned by a prompt that ran out of attempts.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrLineBusy is returned when a line already has a call (or a pending
	// dial or wait) in progress, or no idle line is available.
	ErrLineBusy = errors.New("line busy")
)

// FailureError reports an outbound call that was rejected by the far end
// or the network. StatusCode is the final SIP response code; zero means no
// final response was received.
type FailureError struct {
	StatusCode int
	Reason     string
}

func (e *FailureError) Error() string {
	if e.StatusCode == 0 {
		return "call failed: no response"
	}
	return fmt.Sprintf("call failed: %d %s", e.StatusCode, e.Reason)
}

// StatusCode extracts the SIP status code carried by err, or 0.
func StatusCode(err error) int {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}
