// Package pid implements the discrete per-axis position controller.
//
// The controller is stateless apart from its configuration; the evolving
// integral and derivative memory lives in a State owned by the caller, so a
// single goroutine can hold all mutable control state in one place.
package pid

import (
	"fmt"
	"math"
	"time"

	"github.com/w1xm/dish_interface/angle"
)

// Gains are the tuning parameters for one axis.
type Gains struct {
	P, I, D float64
	// SampleInterval is the dt the discrete terms are computed with.
	SampleInterval time.Duration
}

// Validate reports the first problem with g, if any.
func (g Gains) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"p", g.P}, {"i", g.I}, {"d", g.D}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s gain must be finite, got %v", f.name, f.v)
		}
		if f.v < 0 {
			return fmt.Errorf("%s gain must not be negative, got %v", f.name, f.v)
		}
	}
	if g.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %v", g.SampleInterval)
	}
	return nil
}

// Limits bound the controller output and internal state.
type Limits struct {
	// Output is the symmetric actuator range: outputs are clamped to [-Output, Output].
	Output float64
	// IntegralBound clamps the accumulated error*dt to [-IntegralBound, IntegralBound].
	IntegralBound float64
	// Filter is the smoothing factor for the measurement fed to the
	// derivative term, in (0, 1]. 1 disables filtering.
	Filter float64
	// Tolerance is the fraction of SampleInterval a tick's dt may deviate
	// by before the tick is treated as missed.
	Tolerance float64
}

// DefaultLimits are used for any zero field passed to New.
var DefaultLimits = Limits{
	Output:        10,
	IntegralBound: 50,
	Filter:        0.5,
	Tolerance:     0.5,
}

// State is the controller memory for one axis.
type State struct {
	Integral float64
	// Filtered is the smoothed measurement the derivative is taken on.
	Filtered float64
	Output   float64

	primed bool
}

type Controller struct {
	gains  Gains
	limits Limits
}

// New returns a controller with zero gains. Call Configure before use.
func New(limits Limits) *Controller {
	if limits.Output <= 0 {
		limits.Output = DefaultLimits.Output
	}
	if limits.IntegralBound <= 0 {
		limits.IntegralBound = DefaultLimits.IntegralBound
	}
	if limits.Filter <= 0 || limits.Filter > 1 {
		limits.Filter = DefaultLimits.Filter
	}
	if limits.Tolerance <= 0 {
		limits.Tolerance = DefaultLimits.Tolerance
	}
	return &Controller{limits: limits}
}

// Configure replaces the gains. It does not touch any State; callers
// switching gains on a running axis should Reset its State as well.
func (c *Controller) Configure(g Gains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	c.gains = g
	return nil
}

func (c *Controller) Gains() Gains {
	return c.gains
}

func (c *Controller) Limits() Limits {
	return c.limits
}

// Reset clears the integral and derivative memory. The next Compute call
// takes its measurement as the filter baseline.
func (c *Controller) Reset(s *State) {
	*s = State{}
}

// Compute advances s by one tick and returns the clamped actuator output.
//
// Error is the shortest angular path from measured to target. The
// derivative term acts on the filtered measurement rather than the error,
// so target steps do not kick the output. dt is the elapsed time since
// the previous tick; the terms themselves always use the configured
// SampleInterval, and a dt outside the tolerance skips the integral update.
func (c *Controller) Compute(s *State, measured, target float64, dt time.Duration) float64 {
	if dt <= 0 || c.gains.SampleInterval <= 0 {
		return s.Output
	}
	h := c.gains.SampleInterval.Seconds()
	e := angle.ShortestError(measured, target)

	prev := s.Filtered
	if !s.primed {
		prev = angle.Normalize(measured)
		s.Filtered = prev
		s.primed = true
	} else {
		s.Filtered = angle.Normalize(prev + c.limits.Filter*angle.ShortestError(prev, measured))
	}

	pTerm := c.gains.P * e
	dTerm := -c.gains.D * angle.ShortestError(prev, s.Filtered) / h

	if !c.missed(dt) {
		pre := pTerm + c.gains.I*s.Integral + dTerm
		saturated := (pre >= c.limits.Output && e > 0) || (pre <= -c.limits.Output && e < 0)
		if !saturated {
			s.Integral = clamp(s.Integral+e*h, c.limits.IntegralBound)
		}
	}

	s.Output = clamp(pTerm+c.gains.I*s.Integral+dTerm, c.limits.Output)
	return s.Output
}

func (c *Controller) missed(dt time.Duration) bool {
	want := c.gains.SampleInterval.Seconds()
	return math.Abs(dt.Seconds()-want) > c.limits.Tolerance*want
}

func clamp(v, bound float64) float64 {
	return math.Max(-bound, math.Min(bound, v))
}
