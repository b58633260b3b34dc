package call

import (
	"context"
	"errors"
)

// Outcome classifies how a Dial attempt ended.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeAnsweringMachine
	OutcomeBusy
	OutcomeNoAnswer
	OutcomeOperatorIntercept
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeAnsweringMachine:
		return "answering_machine"
	case OutcomeBusy:
		return "busy"
	case OutcomeNoAnswer:
		return "no_answer"
	case OutcomeOperatorIntercept:
		return "operator_intercept"
	default:
		return "error"
	}
}

// Answered reports whether the outcome leaves a live call on the line.
func (o Outcome) Answered() bool {
	return o == OutcomeConnected || o == OutcomeAnsweringMachine
}

// OutcomeForStatus maps a final SIP failure response to an outcome.
//
//	486 Busy Here, 600 Busy Everywhere, 603 Decline        -> Busy
//	408 Request Timeout, 480 Temporarily Unavailable,
//	487 Request Terminated (ring timeout), 0 (no response) -> NoAnswer
//	403 Forbidden, 404 Not Found, 410 Gone,
//	484 Address Incomplete, 503 Service Unavailable,
//	604 Does Not Exist Anywhere                            -> OperatorIntercept
//	anything else                                          -> Error
func OutcomeForStatus(code int) Outcome {
	switch code {
	case 486, 600, 603:
		return OutcomeBusy
	case 0, 408, 480, 487:
		return OutcomeNoAnswer
	case 403, 404, 410, 484, 503, 604:
		return OutcomeOperatorIntercept
	default:
		return OutcomeError
	}
}

// OutcomeForError maps an error returned by Endpoint.Call to an outcome.
// A call setup deadline counts as no answer.
func OutcomeForError(err error) Outcome {
	var fe *FailureError
	switch {
	case errors.As(err, &fe):
		return OutcomeForStatus(fe.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeNoAnswer
	default:
		return OutcomeError
	}
}
