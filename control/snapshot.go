package control

import (
	"time"

	"github.com/w1xm/dish_interface/calibration"
	"github.com/w1xm/dish_interface/rotator"
)

// Snapshot is the state published at the end of a tick. Values are never
// modified after publication.
type Snapshot struct {
	Azimuth          float64           `json:"azimuth"`
	Elevation        float64           `json:"elevation"`
	CalibrationState calibration.State `json:"calibrationState"`
	// Enabled is the effective controller state; it reads false while
	// calibrating even if the operator left it on.
	Enabled         bool      `json:"enabled"`
	TargetAzimuth   float64   `json:"targetAzimuth"`
	TargetElevation float64   `json:"targetElevation"`
	AzimuthOutput   float64   `json:"azimuthOutput"`
	ElevationOutput float64   `json:"elevationOutput"`
	DriveFault      string    `json:"driveFault,omitempty"`
	Tick            uint64    `json:"tick"`
	Time            time.Time `json:"time"`
}

func (s *Snapshot) Position(axis rotator.Axis) float64 {
	if axis == rotator.Elevation {
		return s.Elevation
	}
	return s.Azimuth
}

func (s *Snapshot) Target(axis rotator.Axis) float64 {
	if axis == rotator.Elevation {
		return s.TargetElevation
	}
	return s.TargetAzimuth
}
