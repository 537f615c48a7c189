// Package control runs the fixed-rate dish control loop.
//
// A Loop owns all mutable axis and calibration state and is the only
// goroutine that talks to the drive. Operators reach it through a Gateway,
// which queues validated commands for the next tick, and observe it through
// immutable Snapshots.
package control

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/w1xm/dish_interface/angle"
	"github.com/w1xm/dish_interface/calibration"
	"github.com/w1xm/dish_interface/internal/logging"
	"github.com/w1xm/dish_interface/internal/observability"
	"github.com/w1xm/dish_interface/pid"
	"github.com/w1xm/dish_interface/rotator"
)

type Config struct {
	Interval time.Duration
	Limits   pid.Limits
	// Gains are the initial gains per axis; a zero SampleInterval means Interval.
	Gains       [2]pid.Gains
	Calibration calibration.Config
	// OverrunLimit is the number of consecutive late ticks that trips the
	// safe state. Zero means 5.
	OverrunLimit int
	StartEnabled bool
}

type Option func(*Loop)

func WithLogger(log logging.Logger) Option {
	return func(l *Loop) { l.log = log }
}

func WithMetrics(c *observability.Collector) Option {
	return func(l *Loop) { l.metrics = c }
}

// WithClock replaces time.Now for tick timing.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

type axisState struct {
	raw     float64 // last drive reading
	offset  float64 // raw reading that maps to 0
	current float64
	target  float64
	ctrl    *pid.Controller
	pid     pid.State
	// out is the last output written to the drive; valid is false when
	// the drive's output is unknown and must be rewritten.
	out   float64
	valid bool
}

type Loop struct {
	cfg     Config
	drive   rotator.Rotator
	log     logging.Logger
	metrics *observability.Collector
	now     func() time.Time

	mb *mailbox
	gw *Gateway

	axes     [2]axisState
	refs     [2]bool
	enabled  bool // desired
	cal      *calibration.Machine
	tickN    uint64
	lastTick time.Time
	sensed   bool
	overruns int
	fault    string

	snap atomic.Pointer[Snapshot]
}

func NewLoop(cfg Config, drive rotator.Rotator, opts ...Option) (*Loop, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("control interval must be positive, got %v", cfg.Interval)
	}
	if cfg.OverrunLimit <= 0 {
		cfg.OverrunLimit = 5
	}
	l := &Loop{
		cfg:     cfg,
		drive:   drive,
		log:     logging.Noop(),
		now:     time.Now,
		mb:      &mailbox{enabled: cfg.StartEnabled},
		enabled: cfg.StartEnabled,
		cal:     calibration.New(cfg.Calibration),
	}
	for _, o := range opts {
		o(l)
	}
	for _, a := range rotator.Axes {
		g := cfg.Gains[a]
		if g.SampleInterval == 0 {
			g.SampleInterval = cfg.Interval
		}
		ctrl := pid.New(cfg.Limits)
		if err := ctrl.Configure(g); err != nil {
			return nil, fmt.Errorf("%v gains: %w", a, err)
		}
		l.axes[a].ctrl = ctrl
	}
	l.gw = &Gateway{mb: l.mb, interval: cfg.Interval, metrics: l.metrics}
	l.publish(time.Time{})
	return l, nil
}

func (l *Loop) Gateway() *Gateway {
	return l.gw
}

// Snapshot returns the most recently published state. It never blocks.
func (l *Loop) Snapshot() *Snapshot {
	return l.snap.Load()
}

// Run ticks until ctx is done, then stops the drive.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	l.log.Info(ctx, "control loop started", logging.Duration("interval", l.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			if err := l.drive.Stop(); err != nil {
				l.log.Error(ctx, "stopping drive on shutdown", logging.Err(err))
			}
			l.log.Info(ctx, "control loop stopped")
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := l.now()
	l.step(ctx, start)
	l.settle()

	elapsed := l.now().Sub(start)
	l.metrics.ObserveTick(elapsed)
	if elapsed <= l.cfg.Interval {
		l.overruns = 0
		return
	}
	l.overruns++
	l.metrics.IncOverrun()
	l.log.Warn(ctx, "control tick overran", logging.Duration("elapsed", elapsed), logging.Int("consecutive", l.overruns))
	if l.overruns >= l.cfg.OverrunLimit {
		l.overruns = 0
		l.failSafe(ctx, "overrun", fmt.Errorf("%d consecutive ticks over %v", l.cfg.OverrunLimit, l.cfg.Interval))
		l.settle()
		l.publish(start)
	}
}

func (l *Loop) step(ctx context.Context, now time.Time) {
	dt := l.cfg.Interval
	if !l.lastTick.IsZero() {
		dt = now.Sub(l.lastTick)
	}
	l.lastTick = now
	l.tickN++

	if l.tickN == 1 && l.enabled {
		l.power(ctx, true)
	}
	if !l.sensed {
		l.sense(ctx)
	}
	l.apply(ctx, l.mb.take())
	if l.cal.State().Active() {
		l.calibrate(ctx)
	} else {
		l.control(ctx, dt)
	}
	l.sense(ctx)
	l.publish(now)
}

func (l *Loop) settle() {
	l.mb.settle(l.cal.State().Active())
}

func (l *Loop) apply(ctx context.Context, p pending) {
	if p.empty() {
		return
	}
	for _, a := range rotator.Axes {
		if g := p.gains[a]; g != nil {
			if err := l.axes[a].ctrl.Configure(*g); err != nil {
				l.log.Error(ctx, "rejected gains", logging.String("axis", a.String()), logging.Err(err))
				continue
			}
			l.axes[a].ctrl.Reset(&l.axes[a].pid)
			l.log.Info(ctx, "gains updated", logging.String("axis", a.String()),
				logging.Float("p", g.P), logging.Float("i", g.I), logging.Float("d", g.D))
		}
	}
	if p.enabled != nil && *p.enabled != l.enabled {
		l.enabled = *p.enabled
		if l.enabled {
			l.resetControllers()
			l.clearFault(ctx)
			l.power(ctx, true)
		} else {
			l.stop(ctx)
			if !l.cal.State().Active() {
				l.power(ctx, false)
			}
		}
		l.log.Info(ctx, "controller toggled", logging.Bool("enabled", l.enabled))
	}
	if p.zero {
		for _, a := range rotator.Axes {
			ax := &l.axes[a]
			ax.offset = ax.raw
			ax.current = 0
			ax.target = 0
		}
		l.resetControllers()
		l.log.Info(ctx, "zero reference set", logging.Float("az_raw", l.axes[0].raw), logging.Float("el_raw", l.axes[1].raw))
	}
	if p.hold {
		for _, a := range rotator.Axes {
			l.axes[a].target = l.axes[a].current
		}
	}
	for _, a := range rotator.Axes {
		if p.targetSet[a] {
			l.axes[a].target = p.target[a]
		}
	}
	if p.calibrate {
		if err := l.cal.Start(l.tickN); err != nil {
			l.log.Warn(ctx, "calibration not started", logging.Err(err))
			return
		}
		l.clearFault(ctx)
		l.power(ctx, true)
		l.log.Info(ctx, "calibration started")
	}
}

func (l *Loop) calibrate(ctx context.Context) {
	engaged := l.cal.State().Axis
	st := l.cal.Advance(l.tickN, calibration.Reading{
		Position:  l.axes[engaged].raw,
		Reference: l.refs[engaged],
	})
	if st.Zeroed {
		ax := &l.axes[st.Axis]
		ax.offset = st.ZeroAt
		ax.current = angle.Normalize(ax.raw - ax.offset)
		l.log.Info(ctx, "axis zeroed", logging.String("axis", st.Axis.String()), logging.Float("raw", st.ZeroAt))
	}
	for _, a := range rotator.Axes {
		out := 0.0
		if a == st.Axis {
			out = st.Output
		}
		if !l.write(ctx, a, out) {
			return
		}
	}
	if st.Done {
		state := l.cal.State()
		if state.Phase == calibration.Idle {
			for _, a := range rotator.Axes {
				l.axes[a].target = 0
			}
			l.log.Info(ctx, "calibration complete")
		} else {
			l.log.Warn(ctx, "calibration failed", logging.String("state", state.String()))
		}
		l.resetControllers()
		if !l.enabled {
			l.power(ctx, false)
		}
	}
}

func (l *Loop) control(ctx context.Context, dt time.Duration) {
	for _, a := range rotator.Axes {
		ax := &l.axes[a]
		out := 0.0
		if l.enabled {
			out = ax.ctrl.Compute(&ax.pid, ax.current, ax.target, dt)
		}
		if !l.write(ctx, a, out) {
			return
		}
	}
}

// write sends out to the drive if it differs from what the drive already
// has. It reports false after tripping the safe state.
func (l *Loop) write(ctx context.Context, axis rotator.Axis, out float64) bool {
	ax := &l.axes[axis]
	if ax.valid && ax.out == out {
		return true
	}
	if err := l.drive.SetOutput(axis, out); err != nil {
		l.failSafe(ctx, "actuator", fmt.Errorf("set %v output: %w", axis, err))
		return false
	}
	ax.out = out
	ax.valid = true
	return true
}

func (l *Loop) sense(ctx context.Context) {
	st, err := l.drive.Status()
	if err != nil {
		l.failSafe(ctx, "sensor", fmt.Errorf("read status: %w", err))
		return
	}
	l.sensed = true
	for _, a := range rotator.Axes {
		ax := &l.axes[a]
		ax.raw = st.Position(a)
		ax.current = angle.Normalize(ax.raw - ax.offset)
		l.refs[a] = st.Reference(a)
	}
}

// stop commands zero-hold on both axes.
func (l *Loop) stop(ctx context.Context) {
	if err := l.drive.Stop(); err != nil {
		l.log.Error(ctx, "stopping drive", logging.Err(err))
		l.axes[0].valid, l.axes[1].valid = false, false
		return
	}
	for _, a := range rotator.Axes {
		l.axes[a].out = 0
		l.axes[a].valid = true
	}
}

// failSafe disables the controller, stops the drive and latches the fault
// for telemetry. Repeated faults while latched are not logged again.
func (l *Loop) failSafe(ctx context.Context, kind string, err error) {
	l.enabled = false
	l.mb.forceDisabled()
	l.cal.Fail(calibration.Drive)
	l.stop(ctx)
	if en, ok := l.drive.(rotator.Enabler); ok {
		if err := en.SetDriveEnabled(false); err != nil {
			l.log.Error(ctx, "disabling amplifiers", logging.Err(err))
		}
	}
	if l.fault != "" {
		return
	}
	l.fault = fmt.Sprintf("%s: %v", kind, err)
	l.metrics.IncDriveFault(kind)
	l.log.Error(ctx, "drive fault, controller disabled", logging.String("kind", kind), logging.Err(err))
}

// clearFault drops a latched drive fault, first asking drives that latch
// their own shutdown to leave it.
func (l *Loop) clearFault(ctx context.Context) {
	if l.fault == "" {
		return
	}
	if sd, ok := l.drive.(rotator.Shutdowner); ok {
		if err := sd.ExitShutdown(); err != nil {
			l.log.Warn(ctx, "exiting drive shutdown", logging.Err(err))
		}
	}
	l.log.Info(ctx, "drive fault cleared", logging.String("fault", l.fault))
	l.fault = ""
}

// power switches the amplifiers of drives that have them. A failure to
// power up trips the safe state.
func (l *Loop) power(ctx context.Context, on bool) {
	en, ok := l.drive.(rotator.Enabler)
	if !ok {
		return
	}
	if err := en.SetDriveEnabled(on); err != nil {
		if on {
			l.failSafe(ctx, "actuator", fmt.Errorf("enable amplifiers: %w", err))
			return
		}
		l.log.Error(ctx, "disabling amplifiers", logging.Err(err))
	}
}

func (l *Loop) resetControllers() {
	for _, a := range rotator.Axes {
		l.axes[a].ctrl.Reset(&l.axes[a].pid)
	}
}

func (l *Loop) publish(now time.Time) {
	state := l.cal.State()
	s := &Snapshot{
		Azimuth:          l.axes[rotator.Azimuth].current,
		Elevation:        l.axes[rotator.Elevation].current,
		CalibrationState: state,
		Enabled:          l.enabled && !state.Active(),
		TargetAzimuth:    l.axes[rotator.Azimuth].target,
		TargetElevation:  l.axes[rotator.Elevation].target,
		AzimuthOutput:    l.axes[rotator.Azimuth].out,
		ElevationOutput:  l.axes[rotator.Elevation].out,
		DriveFault:       l.fault,
		Tick:             l.tickN,
		Time:             now,
	}
	l.snap.Store(s)
	for _, a := range rotator.Axes {
		l.metrics.SetAxis(a.String(), s.Position(a), s.Target(a), l.axes[a].out)
	}
	l.metrics.SetMode(s.Enabled, state.Active())
}
