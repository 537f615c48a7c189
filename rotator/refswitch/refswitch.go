// Package refswitch reads homing reference switches from Raspberry Pi GPIO
// pins and merges them into another drive's status.
package refswitch

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/w1xm/dish_interface/rotator"
)

// Pins reads the level of a BCM pin; true is high.
type Pins interface {
	Read(pin int) bool
}

type Config struct {
	// AzimuthPin and ElevationPin are BCM numbers. Zero leaves that axis'
	// reference to the wrapped drive.
	AzimuthPin   int
	ElevationPin int
	// ActiveLow switches pull the pin to ground when closed.
	ActiveLow bool
}

// Switches is a rotator.Rotator whose reference bits come from GPIO.
type Switches struct {
	rotator.Rotator
	pins  Pins
	cfg   Config
	close func() error
}

type rpioPins struct{}

func (rpioPins) Read(pin int) bool {
	return rpio.Pin(pin).Read() == rpio.High
}

// Open maps the GPIO registers and configures the switch pins as inputs,
// with pull-ups for active-low switches.
func Open(inner rotator.Rotator, cfg Config) (*Switches, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	var used []rpio.Pin
	for _, n := range []int{cfg.AzimuthPin, cfg.ElevationPin} {
		if n == 0 {
			continue
		}
		p := rpio.Pin(n)
		p.Input()
		if cfg.ActiveLow {
			p.PullUp()
		} else {
			p.PullDown()
		}
		used = append(used, p)
	}
	s := New(inner, rpioPins{}, cfg)
	s.close = func() error {
		for _, p := range used {
			p.PullOff()
		}
		return rpio.Close()
	}
	return s, nil
}

func New(inner rotator.Rotator, pins Pins, cfg Config) *Switches {
	return &Switches{Rotator: inner, pins: pins, cfg: cfg}
}

func (s *Switches) closed(pin int) bool {
	return s.pins.Read(pin) != s.cfg.ActiveLow
}

func (s *Switches) Status() (rotator.Status, error) {
	st, err := s.Rotator.Status()
	if err != nil {
		return st, err
	}
	if s.cfg.AzimuthPin != 0 {
		st.AzReference = s.closed(s.cfg.AzimuthPin)
	}
	if s.cfg.ElevationPin != 0 {
		st.ElReference = s.closed(s.cfg.ElevationPin)
	}
	return st, nil
}

// SetDriveEnabled forwards to the wrapped drive if it has amplifiers.
func (s *Switches) SetDriveEnabled(enabled bool) error {
	if en, ok := s.Rotator.(rotator.Enabler); ok {
		return en.SetDriveEnabled(enabled)
	}
	return nil
}

// ExitShutdown forwards to the wrapped drive if it latches shutdowns.
func (s *Switches) ExitShutdown() error {
	if sd, ok := s.Rotator.(rotator.Shutdowner); ok {
		return sd.ExitShutdown()
	}
	return nil
}

func (s *Switches) Close() error {
	var err error
	if c, ok := s.Rotator.(rotator.Closer); ok {
		err = c.Close()
	}
	if s.close != nil {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}
	return err
}
