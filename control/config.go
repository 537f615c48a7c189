package control

import (
	"github.com/w1xm/dish_interface/calibration"
	"github.com/w1xm/dish_interface/internal/config"
	"github.com/w1xm/dish_interface/pid"
)

// FromConfig builds the loop configuration from a loaded config file.
func FromConfig(cfg *config.Config) Config {
	c := cfg.Control
	gains := func(g config.GainsConfig) pid.Gains {
		return pid.Gains{P: g.P, I: g.I, D: g.D, SampleInterval: c.Interval}
	}
	return Config{
		Interval: c.Interval,
		Limits: pid.Limits{
			Output:        c.OutputLimit,
			IntegralBound: c.IntegralLimit,
			Filter:        c.DerivativeFilter,
			Tolerance:     c.DtTolerance,
		},
		Gains: [2]pid.Gains{gains(c.Azimuth), gains(c.Elevation)},
		Calibration: calibration.Config{
			HomingOutput:  [2]float64{cfg.Calibration.HomingOutput.Azimuth, cfg.Calibration.HomingOutput.Elevation},
			HomingTimeout: cfg.HomingTimeoutTicks(),
			StableTicks:   cfg.Calibration.StableTicks,
			RetryBudget:   cfg.Calibration.RetryBudget,
		},
		OverrunLimit: c.OverrunLimit,
		StartEnabled: c.StartEnabled,
	}
}
