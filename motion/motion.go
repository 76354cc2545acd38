// Package motion contains an abstract interface for a motion controller,
// a named-motor facade that feeds scan metadata, and an HTTP wrapper.
package motion

import (
	"fmt"
	"sync"
)

// Controller describes a set of methods on a rudimentary motion controller
type Controller interface {
	// Enable enables an axis
	Enable(string) error

	// Disable disables an axis
	Disable(string) error

	// GetEnabled gets if an axis is enabled
	GetEnabled(string) (bool, error)

	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position
	MoveAbs(string, float64) error

	// MoveRel moves an axis a relative amount
	MoveRel(string, float64) error

	// Home homes an axis
	Home(string) error
}

// Limiter is implemented by controllers which know their travel range
type Limiter interface {
	// Limits returns the lower and upper software limits of an axis
	Limits(string) (float64, float64, error)
}

// Motor is one named axis of a controller.  It applies a user offset and
// scale so positions can be reported in sample coordinates, and it
// answers metadata requests from the scan manager.
type Motor struct {
	name string
	axis string
	ctl  Controller

	mu     sync.Mutex
	offset float64
	scale  float64
}

// NewMotor binds name to one axis of ctl with unit scale and zero offset.
func NewMotor(name, axis string, ctl Controller) *Motor {
	return &Motor{name: name, axis: axis, ctl: ctl, scale: 1}
}

// Name returns the motor's registered name.
func (m *Motor) Name() string { return m.name }

// Axis returns the controller axis the motor drives.
func (m *Motor) Axis() string { return m.axis }

// Pos returns the position in user coordinates.
func (m *Motor) Pos() (float64, error) {
	raw, err := m.ctl.GetPos(m.axis)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return (raw - m.offset) * m.scale, nil
}

// Move moves to an absolute position in user coordinates.
func (m *Motor) Move(pos float64) error {
	m.mu.Lock()
	scale, offset := m.scale, m.offset
	m.mu.Unlock()
	if scale == 0 {
		return fmt.Errorf("motion: motor %s has zero scale", m.name)
	}
	return m.ctl.MoveAbs(m.axis, pos/scale+offset)
}

// MoveRel moves by a relative amount in user coordinates.
func (m *Motor) MoveRel(delta float64) error {
	m.mu.Lock()
	scale := m.scale
	m.mu.Unlock()
	if scale == 0 {
		return fmt.Errorf("motion: motor %s has zero scale", m.name)
	}
	return m.ctl.MoveRel(m.axis, delta/scale)
}

// Home homes the axis.
func (m *Motor) Home() error { return m.ctl.Home(m.axis) }

// Enable enables the axis.
func (m *Motor) Enable() error { return m.ctl.Enable(m.axis) }

// Disable disables the axis.
func (m *Motor) Disable() error { return m.ctl.Disable(m.axis) }

// Enabled reports whether the axis is enabled.
func (m *Motor) Enabled() (bool, error) { return m.ctl.GetEnabled(m.axis) }

// SetOffset sets the raw-coordinate origin of the user frame.
func (m *Motor) SetOffset(o float64) {
	m.mu.Lock()
	m.offset = o
	m.mu.Unlock()
}

// Offset returns the raw-coordinate origin of the user frame.
func (m *Motor) Offset() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// SetScale sets the user units per raw unit.  Zero is rejected.
func (m *Motor) SetScale(s float64) error {
	if s == 0 {
		return fmt.Errorf("motion: motor %s scale cannot be zero", m.name)
	}
	m.mu.Lock()
	m.scale = s
	m.mu.Unlock()
	return nil
}

// Scale returns the user units per raw unit.
func (m *Motor) Scale() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scale
}

// Metadata reports the motor state for inclusion in scan and frame
// metadata.  It satisfies the manager's provider contract.
func (m *Motor) Metadata() map[string]interface{} {
	md := map[string]interface{}{
		"axis":   m.axis,
		"offset": m.Offset(),
		"scale":  m.Scale(),
	}
	if pos, err := m.Pos(); err == nil {
		md["position"] = pos
	}
	if en, err := m.ctl.GetEnabled(m.axis); err == nil {
		md["enabled"] = en
	}
	if lim, ok := m.ctl.(Limiter); ok {
		if lo, hi, err := lim.Limits(m.axis); err == nil {
			md["limits"] = [2]float64{lo, hi}
		}
	}
	return md
}
