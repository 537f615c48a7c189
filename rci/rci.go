// Package rci drives a dish through a Radar Control Interface box over a
// serial line. The box streams its read registers as hex "r" lines and
// accepts "w" register writes.
package rci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/w1xm/dish_interface/internal/logging"
	"github.com/w1xm/dish_interface/rotator"
)

var (
	ErrNotConnected = errors.New("rci: not connected")
	ErrStale        = errors.New("rci: no register update received recently")
)

type Config struct {
	Port string
	// AzReferenceInput is the status input (0-47) wired to the azimuth
	// reference switch, or -1 if there is none. Elevation uses the
	// lower-limit flag.
	AzReferenceInput int
	// AcceptableShutdowns lists shutdown codes that are exited automatically.
	AcceptableShutdowns map[uint8]bool
	// StatusTimeout is how old the last register update may be before
	// Status reports an error.
	StatusTimeout time.Duration
}

// Registers is a decoded view of the RCI's read registers.
type Registers struct {
	Raw  [12]uint16
	Diag uint16
	// AzPos and ElPos are in decimal degrees, calculated as 360*(reg/65536).
	AzPos float64
	ElPos float64
	// AzVel and ElVel are in degrees/second. Positive indicates clockwise.
	AzVel float64
	ElVel float64
	// Status contains the 48 status inputs.
	Status [48]bool

	LocalMode       bool
	MaintenanceMode bool
	ElevationLower  bool
	ElevationUpper  bool
	Simulator       bool
	BadCommand      bool
	HostOkay        bool
	ShutdownError   uint8
}

func regToSigned(reg uint16) float64 {
	return 360 * float64(int16(reg)) / 65536
}

func signedToReg(deg float64) uint16 {
	v := deg / 360 * 65536
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return uint16(int16(v))
}

func decode(registers [12]uint16) Registers {
	regs := Registers{
		Raw:   registers,
		Diag:  registers[0],
		AzPos: 360 * float64(registers[1]) / 65536,
		ElPos: regToSigned(registers[2]),
		AzVel: regToSigned(registers[3]),
		ElVel: regToSigned(registers[4]),
	}
	for i := range regs.Status {
		regs.Status[i] = ((registers[5+(i/16)] >> (uint(i) % 16)) & 1) == 1
	}
	flags := registers[8]
	regs.LocalMode = flags&1 != 0
	regs.MaintenanceMode = flags&2 != 0
	regs.ElevationLower = flags&4 != 0
	regs.ElevationUpper = flags&8 != 0
	regs.Simulator = flags&16 != 0
	regs.BadCommand = flags&32 != 0
	regs.HostOkay = flags&64 != 0
	regs.ShutdownError = uint8(flags >> 10)
	return regs
}

const (
	SERVO_NONE     uint16 = 0
	SERVO_VELOCITY uint16 = 2
)

// Write register numbers.
const (
	regDiag     = 0
	regAzVel    = 2
	regAzMode   = 3
	regElVel    = 5
	regElMode   = 6
	regShutdown = 10
)

type RCI struct {
	cfg Config
	log logging.Logger
	now func() time.Time

	mu             sync.Mutex
	conn           io.ReadWriteCloser
	readRegisters  [12]uint16
	lastRead       time.Time
	writeRegisters [11]uint16
	lastDiag       uint16
	// blockedMoves is non-nil while the drive is disabled; it holds the
	// servo modes to restore.
	blockedMoves map[int]uint16
	// exiting is set while a shutdown-exit toggle is in flight.
	exiting     bool
	toggleDelay time.Duration
}

var (
	_ rotator.Rotator    = (*RCI)(nil)
	_ rotator.Enabler    = (*RCI)(nil)
	_ rotator.Shutdowner = (*RCI)(nil)
)

func newRCI(cfg Config, log logging.Logger) *RCI {
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 2 * time.Second
	}
	return &RCI{cfg: cfg, log: log, now: time.Now, toggleDelay: 200 * time.Millisecond}
}

// Connect returns immediately; the serial port is opened, and reopened
// after errors, in the background until ctx is done.
func Connect(ctx context.Context, cfg Config, log logging.Logger) *RCI {
	r := newRCI(cfg, log.With(logging.String("port", cfg.Port)))
	go r.reconnectLoop(ctx)
	return r
}

func (r *RCI) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		// Baud rate does not matter.
		s, err := serial.OpenPort(&serial.Config{Name: r.cfg.Port, Baud: 9600})
		if err != nil {
			r.log.Warn(ctx, "opening serial port", logging.Err(err))
			continue
		}
		r.log.Info(ctx, "serial port opened")
		if err := r.watch(ctx, s); err != nil {
			r.log.Warn(ctx, "reading serial port", logging.Err(err))
		}
	}
}

// watch reads register updates from conn until it fails or ctx is done.
func (r *RCI) watch(ctx context.Context, conn io.ReadWriteCloser) error {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	exitingShutdown := false
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		input := scanner.Text()
		if len(input) < 2 {
			continue
		}
		switch input[0] {
		case '!':
			r.log.Info(ctx, "rci message", logging.String("text", input[1:]))
		case 'r':
			regs, err := r.parseRead(input[1 : len(input)-1])
			if err != nil {
				r.log.Warn(ctx, "bad register line", logging.String("line", input), logging.Err(err))
				continue
			}
			if regs.ShutdownError != 0 && r.cfg.AcceptableShutdowns[regs.ShutdownError] {
				if !exitingShutdown {
					exitingShutdown = true
					r.log.Info(ctx, "acceptable shutdown, exiting automatically", logging.Int("code", int(regs.ShutdownError)))
					r.startExit(ctx)
				}
			} else {
				exitingShutdown = false
			}
		default:
			r.log.Debug(ctx, "unknown input", logging.String("line", input))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return io.EOF
}

func (r *RCI) parseRead(line string) (Registers, error) {
	words := strings.Fields(line)
	if len(words) > len(r.readRegisters) {
		return Registers{}, fmt.Errorf("%d registers, want at most %d", len(words), len(r.readRegisters))
	}
	var regs [12]uint16
	for i, word := range words {
		v, err := strconv.ParseUint(word, 16, 16)
		if err != nil {
			return Registers{}, err
		}
		regs[i] = uint16(v)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readRegisters = regs
	r.lastRead = r.now()
	return decode(regs), nil
}

// Registers returns the last decoded register set.
func (r *RCI) Registers() Registers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return decode(r.readRegisters)
}

func (r *RCI) Status() (rotator.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return rotator.Status{}, ErrNotConnected
	}
	if r.lastRead.IsZero() || r.now().Sub(r.lastRead) > r.cfg.StatusTimeout {
		return rotator.Status{}, ErrStale
	}
	regs := decode(r.readRegisters)
	st := rotator.Status{
		AzPos:       regs.AzPos,
		ElPos:       regs.ElPos,
		ElReference: regs.ElevationLower,
	}
	if i := r.cfg.AzReferenceInput; i >= 0 && i < len(regs.Status) {
		st.AzReference = regs.Status[i]
	}
	return st, nil
}

func (r *RCI) write(register int, values ...uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	out := []string{fmt.Sprintf("%x", register)}
	for i, v := range values {
		reg := register + i
		if r.blockedMoves != nil && (reg == regAzMode || reg == regElMode) {
			if v == SERVO_NONE {
				delete(r.blockedMoves, reg)
			} else {
				r.blockedMoves[reg] = v
				v = SERVO_NONE
			}
		}
		r.writeRegisters[reg] = v
		out = append(out, fmt.Sprintf("%x", v))
	}
	if _, err := io.WriteString(r.conn, "w"+strings.Join(out, " ")+"\n"); err != nil {
		return fmt.Errorf("writing register %d: %w", register, err)
	}
	return nil
}

func (r *RCI) command(register int, values ...uint16) error {
	r.lastDiag++
	if err := r.write(regDiag, r.lastDiag); err != nil {
		return err
	}
	return r.write(register, values...)
}

// SetOutput commands a velocity in degrees/second.
func (r *RCI) SetOutput(axis rotator.Axis, output float64) error {
	switch axis {
	case rotator.Azimuth:
		return r.command(regAzVel, signedToReg(output), SERVO_VELOCITY)
	case rotator.Elevation:
		return r.command(regElVel, signedToReg(output), SERVO_VELOCITY)
	}
	return fmt.Errorf("unknown axis %v", axis)
}

func (r *RCI) Stop() error {
	r.lastDiag++
	if err := r.write(regDiag, r.lastDiag); err != nil {
		return err
	}
	if err := r.write(regAzMode, SERVO_NONE); err != nil {
		return err
	}
	return r.write(regElMode, SERVO_NONE)
}

// SetDriveEnabled blocks or restores servo commands. While disabled, modes
// written are remembered and replayed on enable.
func (r *RCI) SetDriveEnabled(enabled bool) error {
	r.mu.Lock()
	blocked := r.blockedMoves != nil
	switch {
	case !enabled && !blocked:
		bm := map[int]uint16{
			regAzMode: r.writeRegisters[regAzMode],
			regElMode: r.writeRegisters[regElMode],
		}
		r.blockedMoves = bm
		r.mu.Unlock()
		for k, v := range bm {
			// write turns SERVO_* into SERVO_NONE
			if err := r.write(k, v); err != nil {
				return err
			}
		}
		return nil
	case enabled && blocked:
		bm := r.blockedMoves
		r.blockedMoves = nil
		r.mu.Unlock()
		if len(bm) == 0 {
			return nil
		}
		r.lastDiag++
		if err := r.write(regDiag, r.lastDiag); err != nil {
			return err
		}
		for k, v := range bm {
			if err := r.write(k, v); err != nil {
				return err
			}
		}
		return nil
	}
	r.mu.Unlock()
	return nil
}

// ExitShutdown stops both axes and starts clearing a latched shutdown. It
// does nothing if the RCI is not shut down, and returns without waiting for
// the exit toggle to finish.
func (r *RCI) ExitShutdown() error {
	r.mu.Lock()
	code := decode(r.readRegisters).ShutdownError
	r.mu.Unlock()
	if code == 0 {
		return nil
	}
	if err := r.Stop(); err != nil {
		return err
	}
	r.log.Info(context.Background(), "exiting shutdown", logging.Int("code", int(code)))
	r.startExit(context.Background())
	return nil
}

// startExit runs the exit toggle in the background unless one is already
// running.
func (r *RCI) startExit(ctx context.Context) {
	r.mu.Lock()
	if r.exiting {
		r.mu.Unlock()
		return
	}
	r.exiting = true
	r.mu.Unlock()
	go func() {
		if err := r.exitShutdown(); err != nil {
			r.log.Warn(ctx, "exiting shutdown", logging.Err(err))
		}
		r.mu.Lock()
		r.exiting = false
		r.mu.Unlock()
	}()
}

func (r *RCI) exitShutdown() error {
	// Toggling this bit from 0 to 1 to 0 in a time not less than
	// 0.1 seconds, but not greater than 1.0 second, will force
	// the RCI to exit from any prior shutdown condition. The
	// toggling feature prevents the bit from accidentally being
	// left active, since doing so would prevent genuine shutdowns
	// from proceeding normally.
	for i, v := range []uint16{0, 1, 0} {
		if i > 0 {
			time.Sleep(r.toggleDelay)
		}
		if err := r.write(regShutdown, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *RCI) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
