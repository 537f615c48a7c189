// Package sim is an in-process dish that responds to rate commands with
// limited acceleration. It is the default drive when no hardware is
// configured and backs the end-to-end tests.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/w1xm/dish_interface/rotator"
)

const (
	// Maximum acceleration in degrees/second^2
	maxAccel = 30
	// Maximum velocity in degrees/second
	maxVel = 30
	minVel = 0.01
	// Acceleration due to drag when not driving
	dragAccel = 30
	// Discrete simulation step size
	defaultStepSize = 25 * time.Millisecond
	// Elevation travel limit
	maxEl = 90
)

type Config struct {
	// AzReference and ElReference are the raw positions of the homing
	// reference switches.
	AzReference float64
	ElReference float64
	// ReferenceWidth is how close to the reference position the switch
	// reads closed. Zero means 1 degree.
	ReferenceWidth float64
	StepSize       time.Duration
}

type axis struct {
	pos, vel, cmd float64
}

type Sim struct {
	cfg  Config
	mu   sync.Mutex
	axes [2]axis
}

var _ rotator.Rotator = (*Sim)(nil)

func New(cfg Config) *Sim {
	if cfg.ReferenceWidth <= 0 {
		cfg.ReferenceWidth = 1
	}
	if cfg.StepSize <= 0 {
		cfg.StepSize = defaultStepSize
	}
	return &Sim{cfg: cfg}
}

// SetPosition teleports the dish, leaving it at rest.
func (s *Sim) SetPosition(az, el float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axes[rotator.Azimuth] = axis{pos: math.Mod(az+360, 360)}
	s.axes[rotator.Elevation] = axis{pos: math.Max(0, math.Min(maxEl, el))}
}

func (s *Sim) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.StepSize)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		s.Step(s.cfg.StepSize)
	}
}

// velServo returns an actual velocity for the given current and target velocity
func velServo(v, target float64, dt time.Duration) float64 {
	delta := math.Abs(target - v)
	if delta > maxAccel*dt.Seconds() {
		delta = maxAccel * dt.Seconds()
	}
	if target < v {
		delta = -delta
	}
	v += delta
	if math.Abs(v) < minVel && target == 0 {
		return 0
	}
	return v
}

func drag(v float64, dt time.Duration) float64 {
	a := math.Abs(v) - dragAccel*dt.Seconds()
	if a < 0 {
		a = 0
	}
	return math.Copysign(a, v)
}

// Step advances the physics by dt.
func (s *Sim) Step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.axes {
		a := &s.axes[i]
		if a.cmd == 0 {
			a.vel = drag(a.vel, dt)
		} else {
			a.vel = velServo(a.vel, a.cmd, dt)
		}
	}
	az := &s.axes[rotator.Azimuth]
	az.pos = math.Mod(az.pos+az.vel*dt.Seconds()+360, 360)
	el := &s.axes[rotator.Elevation]
	el.pos += el.vel * dt.Seconds()
	if el.pos < 0 {
		el.pos, el.vel = 0, 0
	} else if el.pos > maxEl {
		el.pos, el.vel = maxEl, 0
	}
}

func (s *Sim) near(pos, ref float64) bool {
	return math.Abs(math.Remainder(pos-ref, 360)) <= s.cfg.ReferenceWidth
}

func (s *Sim) Status() (rotator.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	az, el := s.axes[rotator.Azimuth], s.axes[rotator.Elevation]
	return rotator.Status{
		AzPos:       az.pos,
		ElPos:       el.pos,
		AzReference: s.near(az.pos, s.cfg.AzReference),
		ElReference: s.near(el.pos, s.cfg.ElReference),
	}, nil
}

// SetOutput commands a rate, clipped to the simulated motor's top speed.
func (s *Sim) SetOutput(axis rotator.Axis, output float64) error {
	if axis != rotator.Azimuth && axis != rotator.Elevation {
		return fmt.Errorf("unknown axis %v", axis)
	}
	if math.IsNaN(output) || math.IsInf(output, 0) {
		return fmt.Errorf("%v output must be finite, got %v", axis, output)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axes[axis].cmd = math.Max(-maxVel, math.Min(maxVel, output))
	return nil
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.axes {
		s.axes[i].cmd = 0
	}
	return nil
}
