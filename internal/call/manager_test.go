package call

import (
	"errors"
	"testing"
)

func TestManagerLines(t *testing.T) {
	var eps []*fakeEndpoint
	m, err := NewManager(3, func(line int) (Endpoint, error) {
		ep := &fakeEndpoint{}
		eps = append(eps, ep)
		return ep, nil
	}, Options{}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Dispose()

	if got := len(m.Lines()); got != 3 {
		t.Fatalf("Lines() = %d, want 3", got)
	}
	s, err := m.Line(2)
	if err != nil || s.LineNumber() != 2 {
		t.Fatalf("Line(2) = %v, %v", s, err)
	}
	for _, n := range []int{0, 4} {
		if _, err := m.Line(n); !errors.Is(err, ErrInvalidUsage) {
			t.Errorf("Line(%d) error = %v, want ErrInvalidUsage", n, err)
		}
	}

	// Lines are handed out in order as they become busy.
	for want := 1; want <= 3; want++ {
		s, err := m.GetLine()
		if err != nil {
			t.Fatalf("GetLine() error = %v", err)
		}
		if s.LineNumber() != want {
			t.Errorf("GetLine() = line %d, want %d", s.LineNumber(), want)
		}
		connect(t, s)
	}
	if _, err := m.GetLine(); !errors.Is(err, ErrLineBusy) {
		t.Errorf("GetLine() with all lines busy error = %v, want ErrLineBusy", err)
	}
	if got := m.ActiveCalls(); got != 3 {
		t.Errorf("ActiveCalls() = %d, want 3", got)
	}
	if got := m.StatusCounts()[StatusConnected]; got != 3 {
		t.Errorf("StatusCounts()[connected] = %d, want 3", got)
	}

	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	for i, ep := range eps {
		if ep.closed != 1 {
			t.Errorf("line %d endpoint closed %d times, want 1", i+1, ep.closed)
		}
	}
	if _, err := m.Line(1); !errors.Is(err, ErrDisposed) {
		t.Errorf("Line() after Dispose error = %v, want ErrDisposed", err)
	}
}

func TestManagerFactoryError(t *testing.T) {
	boom := errors.New("no ports")
	var created []*fakeEndpoint
	_, err := NewManager(2, func(line int) (Endpoint, error) {
		if line == 2 {
			return nil, boom
		}
		ep := &fakeEndpoint{}
		created = append(created, ep)
		return ep, nil
	}, Options{}, testLogger())
	if !errors.Is(err, boom) {
		t.Fatalf("NewManager() error = %v, want %v", err, boom)
	}
	if len(created) != 1 || created[0].closed != 1 {
		t.Error("endpoint of line 1 was not closed after the factory failed")
	}
}

func TestOutcomeForStatus(t *testing.T) {
	tests := map[int]Outcome{
		0:   OutcomeNoAnswer,
		403: OutcomeOperatorIntercept,
		404: OutcomeOperatorIntercept,
		408: OutcomeNoAnswer,
		480: OutcomeNoAnswer,
		486: OutcomeBusy,
		487: OutcomeNoAnswer,
		500: OutcomeError,
		600: OutcomeBusy,
		604: OutcomeOperatorIntercept,
	}
	for code, want := range tests {
		if got := OutcomeForStatus(code); got != want {
			t.Errorf("OutcomeForStatus(%d) = %v, want %v", code, got, want)
		}
	}
}
