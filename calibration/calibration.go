// Package calibration implements the homing sequence that establishes the
// zero reference of each axis. The machine is advanced one control tick at
// a time and never blocks; all timeouts are counted in ticks.
package calibration

import (
	"errors"
	"fmt"

	"github.com/w1xm/dish_interface/rotator"
)

type Phase int

const (
	Idle Phase = iota
	Homing
	Verifying
	Fault
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Homing:
		return "homing"
	case Verifying:
		return "verifying"
	case Fault:
		return "fault"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

type Reason int

const (
	NoReason Reason = iota
	// Timeout: the reference was not reached within HomingTimeout ticks.
	Timeout
	// Unstable: the reference indicator kept dropping out during verification.
	Unstable
	// Drive: the drive failed while calibrating.
	Drive
)

func (r Reason) String() string {
	switch r {
	case NoReason:
		return ""
	case Timeout:
		return "timeout"
	case Unstable:
		return "unstable"
	case Drive:
		return "drive"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// State is a tagged variant; Axis and StartedAt are meaningful for Homing
// and Verifying, Reason only for Fault.
type State struct {
	Phase     Phase
	Axis      rotator.Axis
	StartedAt uint64
	Reason    Reason
}

func (s State) String() string {
	switch s.Phase {
	case Homing, Verifying:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Axis)
	case Fault:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return s.Phase.String()
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the machine owns the axes.
func (s State) Active() bool {
	return s.Phase == Homing || s.Phase == Verifying
}

type Config struct {
	// HomingOutput is the signed open-loop rate that drives each axis
	// toward its reference, indexed by rotator.Axis.
	HomingOutput [2]float64
	// HomingTimeout is the number of ticks allowed per axis to reach the reference.
	HomingTimeout uint64
	// StableTicks is how many consecutive ticks the reference must read active.
	StableTicks int
	// RetryBudget is how many times the reference may drop out during verification.
	RetryBudget int
}

var ErrActive = errors.New("calibration already in progress")

// Reading is what the drive reported for the engaged axis on the last tick.
type Reading struct {
	Position  float64
	Reference bool
}

// Step is the machine's instruction to the loop for one tick.
type Step struct {
	// Axis is the engaged axis; Output applies to it and the other axis is held at zero.
	Axis   rotator.Axis
	Output float64
	// Zeroed is set on the tick the engaged axis' reference was confirmed;
	// ZeroAt is the raw position that becomes 0.
	Zeroed bool
	ZeroAt float64
	// Done is set when the sequence finishes, successfully or not.
	Done bool
}

type Machine struct {
	cfg     Config
	state   State
	stable  int
	retries int
}

func New(cfg Config) *Machine {
	if cfg.StableTicks < 1 {
		cfg.StableTicks = 1
	}
	if cfg.HomingTimeout == 0 {
		cfg.HomingTimeout = 1
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) State() State {
	return m.state
}

// Start begins homing the azimuth axis. It is valid from Idle and Fault.
func (m *Machine) Start(tick uint64) error {
	if m.state.Active() {
		return ErrActive
	}
	m.home(rotator.Azimuth, tick)
	m.retries = 0
	return nil
}

// Fail aborts an active sequence. It is a no-op otherwise.
func (m *Machine) Fail(reason Reason) {
	if m.state.Active() {
		m.state = State{Phase: Fault, Reason: reason}
	}
}

func (m *Machine) home(axis rotator.Axis, tick uint64) {
	m.state = State{Phase: Homing, Axis: axis, StartedAt: tick}
	m.stable = 0
}

// Advance moves the machine forward by one tick given the latest reading
// of the engaged axis.
func (m *Machine) Advance(tick uint64, r Reading) Step {
	axis := m.state.Axis
	switch m.state.Phase {
	case Homing:
		if r.Reference {
			m.state = State{Phase: Verifying, Axis: axis, StartedAt: m.state.StartedAt}
			m.stable = 0
			return Step{Axis: axis}
		}
		if tick-m.state.StartedAt >= m.cfg.HomingTimeout {
			m.state = State{Phase: Fault, Reason: Timeout}
			return Step{Axis: axis, Done: true}
		}
		return Step{Axis: axis, Output: m.cfg.HomingOutput[axis]}

	case Verifying:
		if !r.Reference {
			m.retries++
			if m.retries > m.cfg.RetryBudget {
				m.state = State{Phase: Fault, Reason: Unstable}
				return Step{Axis: axis, Done: true}
			}
			// Re-approach; the homing deadline is not extended.
			m.state = State{Phase: Homing, Axis: axis, StartedAt: m.state.StartedAt}
			return Step{Axis: axis, Output: m.cfg.HomingOutput[axis]}
		}
		m.stable++
		if m.stable < m.cfg.StableTicks {
			return Step{Axis: axis}
		}
		step := Step{Axis: axis, Zeroed: true, ZeroAt: r.Position}
		if axis == rotator.Azimuth {
			m.home(rotator.Elevation, tick)
			m.retries = 0
		} else {
			m.state = State{}
			step.Done = true
		}
		return step
	}
	return Step{Axis: axis}
}
