package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// EndpointFactory creates the endpoint for a line number.
type EndpointFactory func(line int) (Endpoint, error)

// Manager owns the sessions for a fixed set of lines, numbered from 1.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	lines    []*Session
	disposed bool
}

// NewManager creates count lines using factory for their endpoints.
func NewManager(count int, factory EndpointFactory, opts Options, logger *slog.Logger) (*Manager, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: line count must be positive, got %d", ErrInvalidUsage, count)
	}

	m := &Manager{logger: logger.With("subsystem", "lines")}
	for n := 1; n <= count; n++ {
		ep, err := factory(n)
		if err != nil {
			m.Dispose()
			return nil, fmt.Errorf("creating endpoint for line %d: %w", n, err)
		}
		m.lines = append(m.lines, NewSession(n, ep, opts, logger))
	}

	m.logger.Info("lines created", "count", count)
	return m, nil
}

// Line returns line n.
func (m *Manager) Line(n int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	if n < 1 || n > len(m.lines) {
		return nil, fmt.Errorf("%w: no line %d", ErrInvalidUsage, n)
	}
	return m.lines[n-1], nil
}

// Lines returns all lines in order.
func (m *Manager) Lines() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, len(m.lines))
	copy(out, m.lines)
	return out
}

// GetLine returns the first line that is on hook. The line stays idle
// until the caller dials or waits on it.
func (m *Manager) GetLine() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	for _, s := range m.lines {
		if s.Status() == StatusOnHook {
			return s, nil
		}
	}
	return nil, ErrLineBusy
}

// ActiveCalls returns how many lines have a call up.
func (m *Manager) ActiveCalls() int {
	n := 0
	for _, s := range m.Lines() {
		if s.CallActive() {
			n++
		}
	}
	return n
}

// StatusCounts returns the number of lines in each status.
func (m *Manager) StatusCounts() map[LineStatus]int {
	counts := make(map[LineStatus]int)
	for _, s := range m.Lines() {
		counts[s.Status()]++
	}
	return counts
}

// Dispose disposes every line.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	lines := m.lines
	m.mu.Unlock()

	var errs []error
	for _, s := range lines {
		if err := s.Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", s.LineNumber(), err))
		}
	}
	m.logger.Info("lines disposed", "count", len(lines))
	return errors.Join(errs...)
}
