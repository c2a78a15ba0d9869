package servo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/hal"
)

// LaserSwitch is the part of the laser controller the servo needs to force
// the beam off when aiming can no longer be trusted.
type LaserSwitch interface {
	Off()
	Disarm()
}

// Failsafe receives hardware-fault escalations.
type Failsafe interface {
	EnterSafeMode(reason string)
}

// Position is a snapshot of the current aim.
type Position struct {
	Pan      float64   `json:"pan_deg"`
	Tilt     float64   `json:"tilt_deg"`
	Moving   bool      `json:"moving"`
	LastMove time.Time `json:"last_move"`
}

// Failure describes a latched hardware fault.
type Failure struct {
	Axis     Axis      `json:"axis"`
	Reason   string    `json:"reason"`
	Failures int       `json:"failures"`
	At       time.Time `json:"at"`
}

// Stats are cumulative counters.
type Stats struct {
	Moves          uint64 `json:"moves"`
	Clamps         uint64 `json:"clamps"`
	WriteErrors    uint64 `json:"write_errors"`
	StalledChecks  uint64 `json:"stalled_checks"`
	HardwareFaults uint64 `json:"hardware_faults"`
	HardwareOK     bool   `json:"hardware_ok"`
}

// Controller interpolates the servos toward a target at a fixed tick rate.
// All moves flow through the interpolation loop started by Run; PWM writes
// happen outside the lock.
type Controller struct {
	cfg  Config
	pan  hal.PWM
	tilt hal.PWM
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	laser    LaserSwitch
	failsafe Failsafe
	closed   bool

	curPan, curTilt       float64
	startPan, startTilt   float64
	targetPan, targetTilt float64
	step, steps           int
	moving                bool
	gen                   uint64
	lastProgress          time.Time
	lastMove              time.Time
	lastCheck             time.Time

	hardwareOK  bool
	consecutive int
	failedAxis  Axis
	stats       Stats

	onFailure func(Failure)
}

// New drives both servos to the home position and returns the controller.
// laser may be nil only in bench tools that never fire.
func New(cfg Config, pan, tilt hal.PWM, laser LaserSwitch) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := pan.SetPulse(AngleToPulse(AxisPan, HomePan)); err != nil {
		return nil, fmt.Errorf("servo: home pan: %w", err)
	}
	if err := tilt.SetPulse(AngleToPulse(AxisTilt, HomeTilt)); err != nil {
		return nil, fmt.Errorf("servo: home tilt: %w", err)
	}
	return &Controller{
		cfg:        cfg,
		pan:        pan,
		tilt:       tilt,
		laser:      laser,
		log:        log.Component("servo"),
		now:        time.Now,
		curPan:     HomePan,
		curTilt:    HomeTilt,
		targetPan:  HomePan,
		targetTilt: HomeTilt,
		hardwareOK: true,
	}, nil
}

// SetFailsafe sets the escalation target for hardware faults.
func (c *Controller) SetFailsafe(f Failsafe) {
	c.mu.Lock()
	c.failsafe = f
	c.mu.Unlock()
}

// OnFailure registers the hardware-fault callback.
func (c *Controller) OnFailure(fn func(Failure)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

// SetTarget queues a move to (pan, tilt). Angles outside the limits are
// clamped, never rejected; NaN is rejected.
func (c *Controller) SetTarget(pan, tilt float64) error {
	if math.IsNaN(pan) || math.IsNaN(tilt) {
		return ErrInvalidAngle
	}
	return c.queue(pan, tilt, c.cfg.steps())
}

// MoveAxis moves one axis, keeping the other at its current target.
func (c *Controller) MoveAxis(axis Axis, deg float64) error {
	if math.IsNaN(deg) {
		return ErrInvalidAngle
	}
	c.mu.Lock()
	pan, tilt := c.targetPan, c.targetTilt
	c.mu.Unlock()

	if axis == AxisTilt {
		tilt = deg
	} else {
		pan = deg
	}
	return c.queue(pan, tilt, c.cfg.steps())
}

// MoveImmediate jumps to (pan, tilt) on the next tick without interpolation.
func (c *Controller) MoveImmediate(pan, tilt float64) error {
	if math.IsNaN(pan) || math.IsNaN(tilt) {
		return ErrInvalidAngle
	}
	return c.queue(pan, tilt, 1)
}

// Home moves to the rest position.
func (c *Controller) Home() error {
	return c.SetTarget(HomePan, HomeTilt)
}

func (c *Controller) queue(pan, tilt float64, steps int) error {
	cp, ct := Clamp(AxisPan, pan), Clamp(AxisTilt, tilt)
	clamped := cp != pan || ct != tilt

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if !c.hardwareOK {
		c.mu.Unlock()
		return ErrHardwareFault
	}
	if clamped {
		c.stats.Clamps++
	}
	if !c.moving {
		c.lastProgress = c.now()
	}
	c.startPan, c.startTilt = c.curPan, c.curTilt
	c.targetPan, c.targetTilt = cp, ct
	c.step, c.steps = 0, steps
	c.moving = true
	c.gen++
	c.stats.Moves++
	c.mu.Unlock()

	if clamped {
		c.log.Warn("angle clamped", "pan", pan, "tilt", tilt, "pan_clamped", cp, "tilt_clamped", ct)
	}
	return nil
}

// Run drives the interpolation loop until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick advances one interpolation step and runs the movement watchdog.
func (c *Controller) tick() {
	c.mu.Lock()
	if c.closed || !c.hardwareOK {
		c.mu.Unlock()
		return
	}

	write := c.moving
	var nextPan, nextTilt float64
	var gen uint64
	if write {
		t := float64(c.step+1) / float64(c.steps)
		nextPan = c.startPan + t*(c.targetPan-c.startPan)
		nextTilt = c.startTilt + t*(c.targetTilt-c.startTilt)
		gen = c.gen
	}
	c.mu.Unlock()

	var axisErr error
	var failedAxis Axis
	if write {
		if err := c.pan.SetPulse(AngleToPulse(AxisPan, nextPan)); err != nil {
			axisErr, failedAxis = err, AxisPan
		} else if err := c.tilt.SetPulse(AngleToPulse(AxisTilt, nextTilt)); err != nil {
			axisErr, failedAxis = err, AxisTilt
		}
	}

	c.mu.Lock()
	now := c.now()
	if write {
		if axisErr != nil {
			c.stats.WriteErrors++
			c.failedAxis = failedAxis
		} else {
			c.lastProgress = now
			// A retarget during the write has already restarted the
			// trajectory from the last committed position.
			if c.gen == gen {
				c.curPan, c.curTilt = nextPan, nextTilt
				c.step++
				if c.step >= c.steps {
					c.moving = false
					c.consecutive = 0
					c.lastMove = now
				}
			}
		}
	}

	var failure *Failure
	if now.Sub(c.lastCheck) >= c.cfg.WatchdogInterval {
		c.lastCheck = now
		failure = c.checkLocked(now)
	}
	c.mu.Unlock()

	if axisErr != nil {
		c.log.Debug("pwm write failed", "axis", failedAxis, "error", axisErr)
	}
	if failure != nil {
		c.handleHardwareFailure(*failure)
	}
}

// checkLocked counts a failure when a move has made no progress for
// StallFactor move times and latches a fault at the threshold.
func (c *Controller) checkLocked(now time.Time) *Failure {
	if !c.moving || !c.hardwareOK {
		return nil
	}
	stalled := now.Sub(c.lastProgress)
	if stalled <= time.Duration(c.cfg.StallFactor)*c.cfg.MoveTime {
		return nil
	}
	c.consecutive++
	c.stats.StalledChecks++
	c.log.Warn("servo movement stalled", "stalled", stalled, "failures", c.consecutive)
	if c.consecutive < c.cfg.FailureThreshold {
		return nil
	}
	return &Failure{
		Axis:     c.failedAxis,
		Reason:   fmt.Sprintf("movement stalled for %v", stalled.Round(time.Millisecond)),
		Failures: c.consecutive,
		At:       now,
	}
}

// handleHardwareFailure latches the fault, then with no lock held turns the
// laser off, escalates to the failsafe and finally notifies.
func (c *Controller) handleHardwareFailure(f Failure) {
	c.mu.Lock()
	if !c.hardwareOK {
		c.mu.Unlock()
		return
	}
	c.hardwareOK = false
	c.moving = false
	c.stats.HardwareFaults++
	laser, failsafe, cb := c.laser, c.failsafe, c.onFailure
	c.mu.Unlock()

	c.log.Error("SERVO HARDWARE FAULT", "axis", f.Axis, "reason", f.Reason)

	if laser != nil {
		laser.Off()
		laser.Disarm()
	}
	if failsafe != nil {
		failsafe.EnterSafeMode(fmt.Sprintf("servo %s: %s", f.Axis, f.Reason))
	}
	if cb != nil {
		cb(f)
	}
}

// ClearFault re-enables movement after a manual reset.
func (c *Controller) ClearFault() {
	c.mu.Lock()
	was := !c.hardwareOK
	c.hardwareOK = true
	c.consecutive = 0
	c.moving = false
	c.targetPan, c.targetTilt = c.curPan, c.curTilt
	c.mu.Unlock()

	if was {
		c.log.Info("servo fault cleared")
	}
}

// Position returns the current aim.
func (c *Controller) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Position{
		Pan:      c.curPan,
		Tilt:     c.curTilt,
		Moving:   c.moving,
		LastMove: c.lastMove,
	}
}

// Target returns the queued target angles.
func (c *Controller) Target() (pan, tilt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetPan, c.targetTilt
}

// IsMoving reports whether a move is in progress.
func (c *Controller) IsMoving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moving
}

// IsHardwareOK reports false once a fault is latched.
func (c *Controller) IsHardwareOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hardwareOK && !c.closed
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.HardwareOK = c.hardwareOK
	return s
}

// SelfTest visits both axis limits and returns home. Run must be active.
func (c *Controller) SelfTest(ctx context.Context) error {
	positions := [][2]float64{
		{PanMin, HomeTilt},
		{PanMax, HomeTilt},
		{HomePan, HomeTilt},
		{HomePan, TiltMin},
		{HomePan, TiltMax},
		{HomePan, HomeTilt},
	}
	// A healthy move finishes in MoveTime; allow the same slack as the watchdog.
	wait := time.Duration(c.cfg.StallFactor+1) * c.cfg.MoveTime

	c.log.Info("servo self-test starting")
	for i, p := range positions {
		if err := c.SetTarget(p[0], p[1]); err != nil {
			return fmt.Errorf("servo: self-test position %d: %w", i, err)
		}
		if err := c.waitIdle(ctx, wait); err != nil {
			return fmt.Errorf("servo: self-test position %d: %w", i, err)
		}
		if !c.IsHardwareOK() {
			return fmt.Errorf("servo: self-test position %d: %w", i, ErrHardwareFault)
		}
	}
	c.log.Info("servo self-test passed")
	return nil
}

func (c *Controller) waitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.cfg.Tick)
	defer poll.Stop()

	for c.IsMoving() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrMoveTimeout
		case <-poll.C:
		}
	}
	return nil
}

// Close stops accepting moves and releases the PWM channels.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.moving = false
	c.mu.Unlock()

	err1 := c.pan.Close()
	err2 := c.tilt.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
