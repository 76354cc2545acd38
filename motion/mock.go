package motion

import (
	"fmt"
	"sync"
)

type mockAxis struct {
	pos     float64
	enabled bool
	homed   bool
}

// Mock is a software motion controller.  Moves complete instantly and
// positions are bounded by the software limits.
type Mock struct {
	mu     sync.Mutex
	axes   map[string]*mockAxis
	lo, hi float64
}

// NewMock returns a Mock exposing the named axes with travel [-50, 50].
func NewMock(axes ...string) *Mock {
	m := &Mock{axes: map[string]*mockAxis{}, lo: -50, hi: 50}
	for _, a := range axes {
		m.axes[a] = &mockAxis{}
	}
	return m
}

func (m *Mock) axis(name string) (*mockAxis, error) {
	a, ok := m.axes[name]
	if !ok {
		return nil, fmt.Errorf("mock: no axis %q", name)
	}
	return a, nil
}

func (m *Mock) Enable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.axis(name)
	if err != nil {
		return err
	}
	a.enabled = true
	return nil
}

func (m *Mock) Disable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.axis(name)
	if err != nil {
		return err
	}
	a.enabled = false
	return nil
}

func (m *Mock) GetEnabled(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.axis(name)
	if err != nil {
		return false, err
	}
	return a.enabled, nil
}

func (m *Mock) GetPos(name string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.axis(name)
	if err != nil {
		return 0, err
	}
	return a.pos, nil
}

func (m *Mock) MoveAbs(name string, pos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.axis(name)
	if err != nil {
		return err
	}
	if !a.enabled {
		return fmt.Errorf("mock: axis %q is disabled", name)
	}
	if pos < m.lo || pos > m.hi {
		return fmt.Errorf("mock: position %g outside limits [%g, %g]", pos, m.lo, m.hi)
	}
	a.pos = pos
	return nil
}

func (m *Mock) MoveRel(name string, delta float64) error {
	m.mu.Lock()
	cur := 0.0
	if a, ok := m.axes[name]; ok {
		cur = a.pos
	}
	m.mu.Unlock()
	return m.MoveAbs(name, cur+delta)
}

func (m *Mock) Home(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.axis(name)
	if err != nil {
		return err
	}
	if !a.enabled {
		return fmt.Errorf("mock: axis %q is disabled", name)
	}
	a.pos = 0
	a.homed = true
	return nil
}

// Limits satisfies Limiter.
func (m *Mock) Limits(name string) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.axis(name); err != nil {
		return 0, 0, err
	}
	return m.lo, m.hi, nil
}
