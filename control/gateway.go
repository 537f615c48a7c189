package control

import (
	"fmt"
	"math"
	"time"

	"github.com/w1xm/dish_interface/angle"
	"github.com/w1xm/dish_interface/internal/observability"
	"github.com/w1xm/dish_interface/pid"
	"github.com/w1xm/dish_interface/rotator"
)

// intervalSlack is how far a requested sample interval may differ from the
// loop interval and still be accepted.
const intervalSlack = time.Microsecond

// Gateway validates operator commands and hands them to the control loop.
// It never blocks on the loop; accepted commands take effect on the next
// tick. Safe for concurrent use.
type Gateway struct {
	mb       *mailbox
	interval time.Duration
	metrics  *observability.Collector
}

func (g *Gateway) observe(command string, err error) error {
	g.metrics.ObserveCommand(command, err)
	return err
}

// SetTarget stores a new target angle for one axis.
func (g *Gateway) SetTarget(axis rotator.Axis, deg float64) error {
	if err := checkAxis(axis); err != nil {
		return g.observe("set_target", err)
	}
	if err := checkAngle(axis.String(), deg); err != nil {
		return g.observe("set_target", err)
	}
	if err := g.mb.setTarget(axis, angle.Normalize(deg)); err != nil {
		return g.observe("set_target", fmt.Errorf("set target: %w", err))
	}
	return g.observe("set_target", nil)
}

// SetTargets stores both target angles as one command.
func (g *Gateway) SetTargets(az, el float64) error {
	if err := checkAngle("azimuth", az); err != nil {
		return g.observe("set_target", err)
	}
	if err := checkAngle("elevation", el); err != nil {
		return g.observe("set_target", err)
	}
	if err := g.mb.setTargets(angle.Normalize(az), angle.Normalize(el)); err != nil {
		return g.observe("set_target", fmt.Errorf("set target: %w", err))
	}
	return g.observe("set_target", nil)
}

// SetGains replaces the gains of one axis and resets its controller. The
// sample interval must match the loop interval.
func (g *Gateway) SetGains(axis rotator.Axis, gains pid.Gains) error {
	if err := checkAxis(axis); err != nil {
		return g.observe("set_gains", err)
	}
	if err := gains.Validate(); err != nil {
		return g.observe("set_gains", &ValidationError{Field: "gains", Reason: err.Error()})
	}
	if d := gains.SampleInterval - g.interval; d > intervalSlack || d < -intervalSlack {
		return g.observe("set_gains", &ValidationError{
			Field:  "time",
			Reason: fmt.Sprintf("sample interval %v must equal the control interval %v", gains.SampleInterval, g.interval),
		})
	}
	g.mb.setGains(axis, gains)
	return g.observe("set_gains", nil)
}

// Toggle flips the desired controller state and returns the new value.
func (g *Gateway) Toggle() bool {
	v := g.mb.toggle()
	g.observe("toggle", nil)
	return v
}

// Zero makes the current position the (0, 0) reference.
func (g *Gateway) Zero() error {
	if err := g.mb.zero(); err != nil {
		return g.observe("zero", fmt.Errorf("zero: %w", err))
	}
	return g.observe("zero", nil)
}

// Hold retargets both axes to where the dish is now.
func (g *Gateway) Hold() error {
	if err := g.mb.hold(); err != nil {
		return g.observe("hold", fmt.Errorf("hold: %w", err))
	}
	return g.observe("hold", nil)
}

// Calibrate starts the homing sequence. Progress is reported through the
// snapshot's calibration state.
func (g *Gateway) Calibrate() error {
	if err := g.mb.calibrate(); err != nil {
		return g.observe("calibrate", fmt.Errorf("calibrate: %w", err))
	}
	return g.observe("calibrate", nil)
}

func checkAxis(axis rotator.Axis) error {
	if axis != rotator.Azimuth && axis != rotator.Elevation {
		return &ValidationError{Field: "axis", Reason: fmt.Sprintf("unknown axis %d", int(axis))}
	}
	return nil
}

func checkAngle(field string, deg float64) error {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("angle must be finite, got %v", deg)}
	}
	return nil
}
