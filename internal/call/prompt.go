package call

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Prompt defaults.
const (
	DefaultPromptAttempts      = 99
	DefaultPromptBlankAttempts = 5
	DefaultPromptMaxLength     = 30
	DefaultPromptTerminators   = "#"
)

// Prompt asks the caller for input repeatedly until a valid answer is
// entered or the attempts run out.
type Prompt struct {
	// Announce plays the question before each attempt. Optional.
	Announce func(ctx context.Context) error

	// Invalid plays after an answer the validator rejects. Optional.
	Invalid func(ctx context.Context) error

	// Validate accepts or rejects an answer. When nil, any non-empty answer
	// (or an empty one with AllowEmpty) is accepted; for single-digit
	// prompts AllowedDigits is enforced.
	Validate func(answer string) bool

	MaxLength     int
	Terminators   string
	AllowedDigits string
	AllowEmpty    bool

	// SpecialTerminator, when pressed, calls OnSpecialTerminator and
	// grants an extra attempt.
	SpecialTerminator   string
	OnSpecialTerminator func()

	Attempts      int
	BlankAttempts int
	Timeout       time.Duration
}

// withDefaults fills unset fields, taking attempt limits from the line's
// options before the package defaults.
func (p *Prompt) withDefaults(opts Options) Prompt {
	q := *p
	if q.MaxLength <= 0 {
		q.MaxLength = DefaultPromptMaxLength
	}
	if strings.TrimSpace(q.Terminators) == "" {
		q.Terminators = DefaultPromptTerminators
	}
	if q.Attempts <= 0 {
		q.Attempts = opts.PromptAttempts
	}
	if q.Attempts <= 0 {
		q.Attempts = DefaultPromptAttempts
	}
	if q.BlankAttempts <= 0 {
		q.BlankAttempts = opts.PromptBlankAttempts
	}
	if q.BlankAttempts <= 0 {
		q.BlankAttempts = DefaultPromptBlankAttempts
	}
	if q.Validate == nil && q.MaxLength == 1 && q.AllowedDigits != "" {
		allowed := q.AllowedDigits
		q.Validate = func(answer string) bool {
			return answer != "" && strings.Contains(allowed, answer)
		}
	}
	return q
}

// Ask runs the prompt on s. It returns ErrTooManyAttempts when the caller
// never gives an acceptable answer, and ErrHangup if the call ends.
func (s *Session) Ask(ctx context.Context, p *Prompt) (string, error) {
	q := p.withDefaults(s.opts)
	terminators := q.Terminators + q.SpecialTerminator + string(TimeoutTerminator)

	count, blanks := 0, 0
	for count < q.Attempts && blanks < q.BlankAttempts {
		answer, err := s.askOnce(ctx, &q, terminators)
		switch {
		case err == nil:
		case errors.Is(err, ErrGetDigitsTimeout):
			answer = ""
		default:
			return "", err
		}

		if err == nil {
			if q.SpecialTerminator != "" && s.LastTerminator() == q.SpecialTerminator {
				if q.OnSpecialTerminator != nil {
					q.OnSpecialTerminator()
				}
				// Pressing the special key does not use up an attempt.
				count--
			} else if accepted(&q, answer) {
				return answer, nil
			} else if q.Invalid != nil {
				if err := q.Invalid(ctx); err != nil {
					return "", err
				}
			}
		}

		blanks++
		if answer != "" {
			blanks = 0
		}
		count++
	}

	s.logger.Debug("prompt exhausted", "attempts", count, "blank_attempts", blanks)
	return "", ErrTooManyAttempts
}

func (s *Session) askOnce(ctx context.Context, q *Prompt, terminators string) (string, error) {
	if q.Announce != nil {
		if err := q.Announce(ctx); err != nil {
			return "", err
		}
	}
	answer, err := s.getDigits(ctx, q.MaxLength, terminators, q.Timeout)
	if err != nil {
		return "", err
	}
	// Timing out with nothing entered is only an answer when empty
	// answers are allowed.
	if s.LastTerminator() == string(TimeoutTerminator) && answer == "" && !q.AllowEmpty {
		return "", ErrGetDigitsTimeout
	}
	return answer, nil
}

func accepted(q *Prompt, answer string) bool {
	if q.Validate != nil {
		return q.Validate(answer)
	}
	return answer != "" || q.AllowEmpty
}

// AskLogged is Ask with the outcome logged at debug level, for scripts
// that only care whether input was obtained.
func (s *Session) AskLogged(ctx context.Context, p *Prompt, logger *slog.Logger) (string, bool) {
	answer, err := s.Ask(ctx, p)
	if err != nil {
		logger.Debug("prompt failed", "line", s.line, "error", err)
		return "", false
	}
	return answer, true
}
