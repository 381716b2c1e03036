package standa

import (
	"fmt"
	"strings"
	"sync"
)

// Mock is an in-memory stand-in for a Stage.  Moves complete instantly and
// every axis is always in position.
type Mock struct {
	sync.Mutex
	pos    map[string]float64 // axis native units: X steps, Y/Z mm
	vel    map[string]float64
	closed bool
}

// NewMock returns a mock stage with X, Y, and Z axes at zero.
func NewMock() *Mock {
	pos := map[string]float64{"X": 0, "Y": 0, "Z": 0}
	vel := make(map[string]float64, len(DefaultSpeeds))
	for k, v := range DefaultSpeeds {
		vel[k] = v
	}
	return &Mock{pos: pos, vel: vel}
}

func (m *Mock) check(axis string) (string, error) {
	axis = strings.ToUpper(axis)
	if _, ok := m.pos[axis]; !ok {
		return "", fmt.Errorf("standa: unknown axis %q", axis)
	}
	return axis, nil
}

// Initialize is a no-op on the mock.
func (m *Mock) Initialize() error { return nil }

func (m *Mock) GetPos(axis string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	axis, err := m.check(axis)
	if err != nil {
		return 0, err
	}
	return m.pos[axis], nil
}

func (m *Mock) MoveAbs(axis string, pos float64) error {
	m.Lock()
	defer m.Unlock()
	axis, err := m.check(axis)
	if err != nil {
		return err
	}
	m.pos[axis] = pos
	return nil
}

func (m *Mock) MoveRel(axis string, delta float64) error {
	m.Lock()
	defer m.Unlock()
	axis, err := m.check(axis)
	if err != nil {
		return err
	}
	m.pos[axis] += delta
	return nil
}

func (m *Mock) Home(axis string) error {
	return m.MoveAbs(axis, 0)
}

func (m *Mock) Stop(axis string) error {
	_, err := m.check(axis)
	return err
}

func (m *Mock) StopAll() error { return nil }

func (m *Mock) GetInPosition(axis string) (bool, error) {
	_, err := m.check(axis)
	return err == nil, err
}

func (m *Mock) SetVelocity(axis string, v float64) error {
	m.Lock()
	defer m.Unlock()
	axis, err := m.check(axis)
	if err != nil {
		return err
	}
	m.vel[axis] = v
	return nil
}

func (m *Mock) GetVelocity(axis string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	axis, err := m.check(axis)
	if err != nil {
		return 0, err
	}
	return m.vel[axis], nil
}

// Position returns the mock position tuple.
func (m *Mock) Position() (Position, error) {
	return m.LastPosition(), nil
}

// LastPosition returns the mock position tuple.
func (m *Mock) LastPosition() Position {
	m.Lock()
	defer m.Unlock()
	return Position{X: int(m.pos["X"]), Y: m.pos["Y"], Z: m.pos["Z"]}
}

// Disconnect marks the mock closed.
func (m *Mock) Disconnect() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}
