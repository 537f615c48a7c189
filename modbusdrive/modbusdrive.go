// Package modbusdrive talks to a dish motion controller over Modbus RTU.
//
// Register map (slave 1 by default):
//
//	input registers 0-1    az/el position, 360*reg/65536 (el signed)
//	discrete inputs 0-2    az reference, el reference, amplifiers active
//	holding registers 0-1  az/el commanded rate, signed centidegrees/s
//	coils 0-1              az/el amplifier enable
package modbusdrive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/w1xm/dish_interface/internal/logging"
	"github.com/w1xm/dish_interface/internal/modbus"
	"github.com/w1xm/dish_interface/rotator"
)

const (
	regPosition = 0
	regVelocity = 2
	regRate     = 0
	inputAzRef  = 0
	inputElRef  = 1
	inputAmps   = 2
	coilAzAmp   = 0
	coilElAmp   = 1

	rateScale = 100
)

var ErrStale = errors.New("modbusdrive: no status received recently")

// bus is the subset of the goburrow client the drive uses.
type bus interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

type Config struct {
	Port     string
	BaudRate int
	SlaveID  byte
	URL      string
	Password string
	// PollInterval paces status reads. Zero means 10ms.
	PollInterval time.Duration
	// StatusTimeout is how old the last good poll may be before Status
	// reports an error. Zero means 2s.
	StatusTimeout time.Duration
}

type Drive struct {
	bus     bus
	timeout time.Duration
	log     logging.Logger
	now     func() time.Time

	// busMu serializes bus transactions; mu guards only the cached status,
	// so Status never waits on the line.
	busMu    sync.Mutex
	mu       sync.Mutex
	status   rotator.Status
	amps     bool
	lastPoll time.Time
}

var (
	_ rotator.Rotator = (*Drive)(nil)
	_ rotator.Enabler = (*Drive)(nil)
)

func newDrive(b bus, timeout time.Duration, log logging.Logger) *Drive {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Drive{bus: b, timeout: timeout, log: log, now: time.Now}
}

// Connect starts polling the controller in the background.
func Connect(ctx context.Context, cfg Config, log logging.Logger) (*Drive, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	client := &modbus.Client{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		SlaveId:  cfg.SlaveID,
		URL:      cfg.URL,
		Password: cfg.Password,
		Interval: cfg.PollInterval,
		Logger:   log,
	}
	d := newDrive(client, cfg.StatusTimeout, log)
	client.Poll = d.pollOnce
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func word(b []byte, i int) uint16 {
	return binary.BigEndian.Uint16(b[2*i:])
}

func regToDegrees(reg uint16) float64 {
	return 360 * float64(reg) / 65536
}

func regToSigned(reg uint16) float64 {
	return 360 * float64(int16(reg)) / 65536
}

func (d *Drive) pollOnce(ctx context.Context) error {
	d.busMu.Lock()
	regs, err := d.bus.ReadInputRegisters(regPosition, 2)
	var inputs []byte
	if err == nil {
		inputs, err = d.bus.ReadDiscreteInputs(0, 3)
		if err != nil {
			err = fmt.Errorf("read inputs: %w", err)
		}
	} else {
		err = fmt.Errorf("read positions: %w", err)
	}
	d.busMu.Unlock()
	if err != nil {
		return err
	}
	if len(regs) < 4 {
		return fmt.Errorf("read positions: short response (%d bytes)", len(regs))
	}
	bits := modbus.BytesToBits(inputs)
	if len(bits) < 3 {
		return fmt.Errorf("read inputs: short response (%d bytes)", len(inputs))
	}
	status := rotator.Status{
		AzPos:       regToDegrees(word(regs, 0)),
		ElPos:       regToSigned(word(regs, 1)),
		AzReference: bits[inputAzRef],
		ElReference: bits[inputElRef],
	}
	amps := bits[inputAmps]
	now := d.now()

	d.mu.Lock()
	changed := amps != d.amps || d.lastPoll.IsZero()
	d.status = status
	d.amps = amps
	d.lastPoll = now
	d.mu.Unlock()
	if changed {
		d.log.Info(ctx, "amplifier state", logging.Bool("active", amps))
	}
	return nil
}

func (d *Drive) Status() (rotator.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastPoll.IsZero() || d.now().Sub(d.lastPoll) > d.timeout {
		return rotator.Status{}, ErrStale
	}
	return d.status, nil
}

func rateToReg(rate float64) uint16 {
	v := math.Round(rate * rateScale)
	v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
	return uint16(int16(v))
}

func (d *Drive) SetOutput(axis rotator.Axis, output float64) error {
	if axis != rotator.Azimuth && axis != rotator.Elevation {
		return fmt.Errorf("unknown axis %v", axis)
	}
	d.busMu.Lock()
	defer d.busMu.Unlock()
	if _, err := d.bus.WriteSingleRegister(regRate+uint16(axis), rateToReg(output)); err != nil {
		return fmt.Errorf("write %v rate: %w", axis, err)
	}
	return nil
}

func (d *Drive) Stop() error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	if _, err := d.bus.WriteMultipleRegisters(regRate, 2, make([]byte, 4)); err != nil {
		return fmt.Errorf("write stop: %w", err)
	}
	return nil
}

// SetDriveEnabled switches both amplifiers.
func (d *Drive) SetDriveEnabled(enabled bool) error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	var v uint16
	if enabled {
		v = 0xFF00
	}
	for _, coil := range []uint16{coilAzAmp, coilElAmp} {
		if _, err := d.bus.WriteSingleCoil(coil, v); err != nil {
			return fmt.Errorf("write amplifier coil %d: %w", coil, err)
		}
	}
	return nil
}
