// Package rotator defines the boundary between the control loop and a
// physical (or simulated) two-axis dish drive.
package rotator

import (
	"fmt"
	"strings"
)

type Axis int

const (
	Azimuth Axis = iota
	Elevation
)

// Axes lists every axis in calibration order.
var Axes = [...]Axis{Azimuth, Elevation}

func (a Axis) String() string {
	switch a {
	case Azimuth:
		return "azimuth"
	case Elevation:
		return "elevation"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

func (a Axis) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "azimuth", "az":
		return Azimuth, nil
	case "elevation", "el":
		return Elevation, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// Rotator drives both axes of a dish. Outputs are signed rates in
// degrees/second; zero commands no movement. Implementations must be safe
// for use from a single control goroutine; they need not be safe for
// concurrent callers.
type Rotator interface {
	// Status reads the raw encoder positions and reference switches.
	Status() (Status, error)
	// SetOutput commands a rate on one axis.
	SetOutput(axis Axis, output float64) error
	// Stop commands zero output on both axes.
	Stop() error
}

// Status is a raw reading from the drive, before any zero offset.
type Status struct {
	// AzPos and ElPos are in degrees.
	AzPos float64
	ElPos float64
	// AzReference and ElReference report whether the homing reference
	// indicator for that axis is active.
	AzReference bool
	ElReference bool
}

func (s Status) Position(axis Axis) float64 {
	if axis == Elevation {
		return s.ElPos
	}
	return s.AzPos
}

func (s Status) Reference(axis Axis) bool {
	if axis == Elevation {
		return s.ElReference
	}
	return s.AzReference
}

// Enabler is implemented by drives with a separate amplifier power stage.
type Enabler interface {
	SetDriveEnabled(enabled bool) error
}

// Shutdowner is implemented by drives that latch a shutdown after a fault
// and need an explicit command to leave it.
type Shutdowner interface {
	ExitShutdown() error
}

// Closer is implemented by drives holding a connection.
type Closer interface {
	Close() error
}
