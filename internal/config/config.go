// Package config loads the dish controller configuration from YAML.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w1xm/dish_interface/internal/logging"
)

// GainsConfig holds the initial PID gains of one axis.
type GainsConfig struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

// ControlConfig configures the fixed-rate loop and the PID controllers.
type ControlConfig struct {
	Interval         time.Duration `yaml:"interval"`          // control tick, e.g. 20ms
	OutputLimit      float64       `yaml:"output_limit"`      // max commanded rate (deg/s)
	IntegralLimit    float64       `yaml:"integral_limit"`    // clamp on accumulated error*s
	DerivativeFilter float64       `yaml:"derivative_filter"` // smoothing factor in (0,1]; 1 = off
	DtTolerance      float64       `yaml:"dt_tolerance"`      // fraction of interval before a tick counts as missed
	OverrunLimit     int           `yaml:"overrun_limit"`     // consecutive overruns before the safe state
	StartEnabled     bool          `yaml:"start_enabled"`
	Azimuth          GainsConfig   `yaml:"azimuth"`
	Elevation        GainsConfig   `yaml:"elevation"`
}

// AxisRates holds a signed rate per axis in degrees/second.
type AxisRates struct {
	Azimuth   float64 `yaml:"azimuth"`
	Elevation float64 `yaml:"elevation"`
}

// CalibrationConfig configures the homing sequence.
type CalibrationConfig struct {
	HomingOutput  AxisRates     `yaml:"homing_output"`  // signed rate toward each reference
	HomingTimeout time.Duration `yaml:"homing_timeout"` // per axis, converted to ticks
	StableTicks   int           `yaml:"stable_ticks"`
	RetryBudget   int           `yaml:"retry_budget"`
}

// ModbusConfig selects a local RTU line (Port) or a remote bridge (URL).
type ModbusConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	SlaveID  byte   `yaml:"slave_id"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// ReferenceGPIOConfig wires homing reference switches to Raspberry Pi pins (BCM).
// A zero pin leaves that axis' reference to the drive.
type ReferenceGPIOConfig struct {
	AzimuthPin   int  `yaml:"azimuth_pin"`
	ElevationPin int  `yaml:"elevation_pin"`
	ActiveLow    bool `yaml:"active_low"`
}

// DriveConfig selects the rotator backend.
type DriveConfig struct {
	Type   string `yaml:"type"` // sim, rci or modbus
	Serial string `yaml:"serial"`
	// AzReferenceInput is the RCI status input wired to the azimuth
	// reference switch; unset means none.
	AzReferenceInput *int `yaml:"az_reference_input,omitempty"`
	// AcceptableShutdowns are RCI shutdown codes (1-63) exited
	// automatically.
	AcceptableShutdowns []int                `yaml:"acceptable_shutdowns"`
	StatusTimeout       time.Duration        `yaml:"status_timeout"` // age after which a drive reading is a sensor fault
	Modbus              ModbusConfig         `yaml:"modbus"`
	ReferenceGPIO       *ReferenceGPIOConfig `yaml:"reference_gpio,omitempty"` // optional
	// Sim places the simulated reference switches (raw degrees).
	SimAzReference float64 `yaml:"sim_az_reference"`
	SimElReference float64 `yaml:"sim_el_reference"`
}

// ServerConfig configures the operator-facing listeners.
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	StaticDir   string        `yaml:"static_dir"`
	RotctldAddr string        `yaml:"rotctld_addr"` // empty disables rotctld
	WSInterval  time.Duration `yaml:"ws_interval"`  // websocket telemetry cadence
}

type Config struct {
	Control     ControlConfig     `yaml:"control"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Drive       DriveConfig       `yaml:"drive"`
	Server      ServerConfig      `yaml:"server"`
	Log         logging.Config    `yaml:"log"`
}

// Default returns the configuration used when no file is present. Files
// are decoded on top of it, so any key they omit keeps its default.
func Default() *Config {
	gains := GainsConfig{P: 2, I: 0.1, D: 0.05}
	return &Config{
		Control: ControlConfig{
			Interval:         20 * time.Millisecond,
			OutputLimit:      10,
			IntegralLimit:    50,
			DerivativeFilter: 0.5,
			DtTolerance:      0.5,
			OverrunLimit:     5,
			Azimuth:          gains,
			Elevation:        gains,
		},
		Calibration: CalibrationConfig{
			HomingOutput:  AxisRates{Azimuth: -5, Elevation: -5},
			HomingTimeout: 2 * time.Minute,
			StableTicks:   10,
			RetryBudget:   3,
		},
		Drive: DriveConfig{
			Type:          "sim",
			StatusTimeout: 2 * time.Second,
			Modbus: ModbusConfig{
				BaudRate: 19200,
				SlaveID:  1,
			},
			// Elevation homes down onto its lower stop.
			SimAzReference: 37,
			SimElReference: 0,
		},
		Server: ServerConfig{
			Addr:       ":8080",
			StaticDir:  "static",
			WSInterval: 100 * time.Millisecond,
		},
	}
}

// Load reads a YAML file, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Control.Interval <= 0 {
		return fmt.Errorf("control.interval must be > 0, got %v", c.Control.Interval)
	}
	if c.Control.OutputLimit <= 0 {
		return fmt.Errorf("control.output_limit must be > 0, got %g", c.Control.OutputLimit)
	}
	if c.Control.IntegralLimit <= 0 {
		return fmt.Errorf("control.integral_limit must be > 0, got %g", c.Control.IntegralLimit)
	}
	if c.Control.DerivativeFilter <= 0 || c.Control.DerivativeFilter > 1 {
		return fmt.Errorf("control.derivative_filter must be in (0, 1], got %g", c.Control.DerivativeFilter)
	}
	if c.Control.DtTolerance <= 0 {
		return fmt.Errorf("control.dt_tolerance must be > 0, got %g", c.Control.DtTolerance)
	}
	if c.Control.OverrunLimit <= 0 {
		return fmt.Errorf("control.overrun_limit must be > 0, got %d", c.Control.OverrunLimit)
	}
	for name, g := range map[string]GainsConfig{"azimuth": c.Control.Azimuth, "elevation": c.Control.Elevation} {
		for _, v := range []float64{g.P, g.I, g.D} {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("control.%s gains must be finite and non-negative, got %+v", name, g)
			}
		}
	}
	for name, v := range map[string]float64{"azimuth": c.Calibration.HomingOutput.Azimuth, "elevation": c.Calibration.HomingOutput.Elevation} {
		if v == 0 || math.IsNaN(v) || math.Abs(v) > c.Control.OutputLimit {
			return fmt.Errorf("calibration.homing_output.%s must be non-zero and within control.output_limit %g, got %g", name, c.Control.OutputLimit, v)
		}
	}
	if c.Calibration.HomingTimeout <= 0 {
		return fmt.Errorf("calibration.homing_timeout must be > 0, got %v", c.Calibration.HomingTimeout)
	}
	if c.Calibration.StableTicks < 0 || c.Calibration.RetryBudget < 0 {
		return fmt.Errorf("calibration.stable_ticks and retry_budget must not be negative")
	}
	if c.Drive.StatusTimeout <= 0 {
		return fmt.Errorf("drive.status_timeout must be > 0, got %v", c.Drive.StatusTimeout)
	}
	if c.Server.WSInterval <= 0 {
		return fmt.Errorf("server.ws_interval must be > 0, got %v", c.Server.WSInterval)
	}
	switch c.Drive.Type {
	case "sim":
	case "rci":
		if c.Drive.Serial == "" {
			return fmt.Errorf("drive.serial is required for the rci drive")
		}
		if in := c.Drive.AzReferenceInput; in != nil && (*in < 0 || *in > 47) {
			return fmt.Errorf("drive.az_reference_input must be in [0, 47], got %d", *in)
		}
		for _, code := range c.Drive.AcceptableShutdowns {
			if code < 1 || code > 63 {
				return fmt.Errorf("drive.acceptable_shutdowns: code %d not in [1, 63]", code)
			}
		}
	case "modbus":
		if c.Drive.Modbus.Port == "" && c.Drive.Modbus.URL == "" {
			return fmt.Errorf("drive.modbus.port or drive.modbus.url is required for the modbus drive")
		}
		if id := c.Drive.Modbus.SlaveID; id < 1 || id > 247 {
			return fmt.Errorf("drive.modbus.slave_id must be in [1, 247], got %d", id)
		}
	default:
		return fmt.Errorf("unsupported drive type: %s", c.Drive.Type)
	}
	return nil
}

// HomingTimeoutTicks converts the homing timeout to control ticks.
func (c *Config) HomingTimeoutTicks() uint64 {
	n := uint64(c.Calibration.HomingTimeout / c.Control.Interval)
	if n == 0 {
		n = 1
	}
	return n
}
