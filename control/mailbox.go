package control

import (
	"sync"

	"github.com/w1xm/dish_interface/pid"
	"github.com/w1xm/dish_interface/rotator"
)

// pending is the conflated set of commands submitted since the last tick.
// Later submissions of the same kind overwrite earlier ones.
type pending struct {
	target    [2]float64
	targetSet [2]bool
	gains     [2]*pid.Gains
	enabled   *bool
	zero      bool
	hold      bool
	calibrate bool
}

func (p pending) empty() bool {
	return p == pending{}
}

type mailbox struct {
	mu sync.Mutex
	p  pending
	// enabled mirrors the desired controller state so Toggle can answer
	// without waiting for a tick.
	enabled bool
	// calibrating is true from an accepted Calibrate until the loop reports
	// the sequence finished.
	calibrating bool
}

func (m *mailbox) take() pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.p
	m.p = pending{}
	return p
}

func (m *mailbox) setTarget(axis rotator.Axis, deg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calibrating {
		return ErrBusy
	}
	m.p.target[axis] = deg
	m.p.targetSet[axis] = true
	return nil
}

func (m *mailbox) setTargets(az, el float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calibrating {
		return ErrBusy
	}
	m.p.target = [2]float64{az, el}
	m.p.targetSet = [2]bool{true, true}
	return nil
}

func (m *mailbox) setGains(axis rotator.Axis, g pid.Gains) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p.gains[axis] = &g
}

func (m *mailbox) toggle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = !m.enabled
	v := m.enabled
	m.p.enabled = &v
	return v
}

// zero and hold replace any target submitted earlier in the same tick.
func (m *mailbox) zero() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calibrating {
		return ErrBusy
	}
	m.p.zero = true
	m.p.hold = false
	m.p.targetSet = [2]bool{}
	return nil
}

func (m *mailbox) hold() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calibrating {
		return ErrBusy
	}
	m.p.hold = true
	m.p.targetSet = [2]bool{}
	return nil
}

func (m *mailbox) calibrate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calibrating {
		return ErrBusy
	}
	m.p.calibrate = true
	m.calibrating = true
	return nil
}

// settle is called by the loop at the end of every tick.
func (m *mailbox) settle(calibrating bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibrating = calibrating || m.p.calibrate
}

// forceDisabled drops the desired enabled state after a drive fault. An
// enable submitted since the last drain is discarded too.
func (m *mailbox) forceDisabled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.p.enabled = nil
}
