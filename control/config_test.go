package control

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/w1xm/dish_interface/calibration"
	"github.com/w1xm/dish_interface/internal/config"
	"github.com/w1xm/dish_interface/rotator/sim"
)

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.Default())
	if _, err := NewLoop(cfg, sim.New(sim.Config{})); err != nil {
		t.Fatalf("NewLoop(FromConfig(Default())): %v", err)
	}
	if got, want := cfg.Calibration.HomingTimeout, uint64(6000); got != want {
		t.Errorf("homing timeout = %d ticks, want %d", got, want)
	}
	if got := cfg.Gains[1].SampleInterval; got != 20*time.Millisecond {
		t.Errorf("elevation sample interval = %v", got)
	}
}

// TestCalibrateFromPowerOn homes the simulated dish from where it starts
// using the shipped configuration.
func TestCalibrateFromPowerOn(t *testing.T) {
	fileCfg, err := config.Load("../configs/default.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := FromConfig(fileCfg)
	dish := sim.New(sim.Config{
		AzReference: fileCfg.Drive.SimAzReference,
		ElReference: fileCfg.Drive.SimElReference,
	})
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, err := NewLoop(cfg, dish, WithClock(clock.now))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := l.Gateway().Calibrate(); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	step := func() *Snapshot {
		dish.Step(cfg.Interval)
		clock.t = clock.t.Add(cfg.Interval)
		l.tick(context.Background())
		return l.Snapshot()
	}
	var s *Snapshot
	for i := 0; ; i++ {
		if i == 2*int(cfg.Calibration.HomingTimeout) {
			t.Fatalf("calibration still running after %d ticks: %+v", i, s)
		}
		s = step()
		if i > 0 && !s.CalibrationState.Active() {
			break
		}
	}
	if s.CalibrationState.Phase != calibration.Idle {
		t.Fatalf("calibration ended in %v (drive fault %q)", s.CalibrationState, s.DriveFault)
	}
	if s.DriveFault != "" {
		t.Errorf("drive fault = %q", s.DriveFault)
	}
	for _, got := range []float64{s.Azimuth, s.Elevation} {
		if math.Abs(math.Remainder(got, 360)) > 0.5 {
			t.Errorf("position after calibration = (%g, %g), want near (0, 0)", s.Azimuth, s.Elevation)
			break
		}
	}
	raw, err := dish.Status()
	if err != nil {
		t.Fatal(err)
	}
	if !raw.AzReference || !raw.ElReference {
		t.Errorf("dish not resting on its references: %+v", raw)
	}
}
