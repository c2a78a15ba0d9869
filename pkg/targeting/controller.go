// Package targeting turns detector output into aiming and firing requests.
//
// Each frame the controller picks the best detection, maps its centroid to
// servo angles and asks the safety layer to fire. It never drives the laser
// directly: every activation goes through Safety.LaserOn, and aiming goes
// through Safety.ValidateTilt first.
//
// Work is split in three phases. The decision is made under the lock, the
// servo and safety calls happen after it is released, and the outcome is
// applied under the lock again only if no newer decision was made in the
// meantime. Callbacks run last, without the lock, and receive copies.
package targeting

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/fault"
	"github.com/teslashibe/apis-edge/pkg/geometry"
	"github.com/teslashibe/apis-edge/pkg/laser"
	"github.com/teslashibe/apis-edge/pkg/servo"
)

// Sentinel errors.
var (
	ErrNotInitialized   = fault.New(fault.ErrNotInitialized, "targeting: controller closed")
	ErrInvalidDetection = fault.New(fault.ErrInvalidParameter, "targeting: invalid detection")
)

const scoreEpsilon = 1e-9

// Servo aims the laser.
type Servo interface {
	SetTarget(pan, tilt float64) error
	Home() error
}

// Safety gates every activation.
type Safety interface {
	ValidateTilt(deg float64) error
	SetDetectionActive(active bool)
	LaserOn() error
	LaserOff()
	IsArmed() bool
}

// LaserStatus reports the laser state without controlling it.
type LaserStatus interface {
	IsActive() bool
	InCooldown() bool
}

// Deps are the collaborators the controller drives.
type Deps struct {
	Servo  Servo
	Safety Safety
	Laser  LaserStatus
	Mapper *geometry.Mapper
}

// Controller selects and follows targets.
type Controller struct {
	cfg    Config
	servo  Servo
	safety Safety
	laser  LaserStatus
	mapper *geometry.Mapper
	log    *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	closed     bool
	state      State
	target     Target
	gen        uint64
	lastFrame  time.Time
	trackStart time.Time
	idleStart  time.Time
	idleCycle  int64
	stats      Stats

	onState    func(old, new State)
	onAcquired func(Target)
	onLost     func(Target, LostReason)
}

type transition struct {
	old, new State
}

// inputs are read from other controllers before the lock is taken.
type inputs struct {
	armed   bool
	active  bool
	cooling bool
}

// plan is what a decision asks the actuation phase to do.
type plan struct {
	gen         uint64
	transitions []transition

	release bool
	home    bool
	aim     bool
	pan     float64
	tilt    float64
	track   bool
	fire    bool

	acquired *Target
	lost     *Target
	reason   LostReason
}

// New returns a controller in the idle state.
func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Servo == nil || deps.Safety == nil || deps.Laser == nil || deps.Mapper == nil {
		return nil, fault.New(fault.ErrInvalidParameter, "targeting: servo, safety, laser and mapper are required")
	}
	return &Controller{
		cfg:    cfg,
		servo:  deps.Servo,
		safety: deps.Safety,
		laser:  deps.Laser,
		mapper: deps.Mapper,
		log:    log.Component("targeting"),
		now:    time.Now,
	}, nil
}

// OnStateChange registers a state transition callback.
func (c *Controller) OnStateChange(fn func(old, new State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnAcquired registers a callback for newly acquired targets.
func (c *Controller) OnAcquired(fn func(Target)) {
	c.mu.Lock()
	c.onAcquired = fn
	c.mu.Unlock()
}

// OnLost registers a callback for lost targets.
func (c *Controller) OnLost(fn func(Target, LostReason)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// SetSweep sets the tracking dither. Values are clamped to the allowed
// ranges.
func (c *Controller) SetSweep(amplitude, frequency float64) {
	if math.IsNaN(amplitude) || math.IsNaN(frequency) {
		return
	}
	amplitude = math.Max(0, math.Min(amplitude, MaxSweepAmplitude))
	frequency = math.Max(MinSweepFrequency, math.Min(frequency, MaxSweepFrequency))

	c.mu.Lock()
	c.cfg.SweepAmplitude = amplitude
	c.cfg.SweepFrequency = frequency
	c.mu.Unlock()
}

// Sweep returns the tracking dither amplitude and frequency.
func (c *Controller) Sweep() (amplitude, frequency float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.SweepAmplitude, c.cfg.SweepFrequency
}

func (c *Controller) read() inputs {
	return inputs{
		armed:   c.safety.IsArmed(),
		active:  c.laser.IsActive(),
		cooling: c.laser.InCooldown(),
	}
}

// ProcessDetections handles one detector frame. Invalid detections are
// counted and skipped; an empty or fully invalid frame counts towards
// losing the current target.
func (c *Controller) ProcessDetections(dets []Detection) error {
	in := c.read()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	now := c.now()
	c.lastFrame = now
	c.stats.Frames++

	var p plan
	if best, ok := c.selectLocked(dets); ok {
		c.trackLocked(best, now, in, &p)
	} else if c.target.Active && now.Sub(c.target.LastSeen) > c.cfg.LostTimeout {
		c.loseLocked(LostNoDetections, &p)
	}
	p.gen = c.gen
	c.mu.Unlock()

	c.execute(p, in)
	return nil
}

// Update advances time based behaviour: losing a target that stopped
// appearing, dithering around a tracked target, re-firing after cooldown
// and the idle sweep while armed.
func (c *Controller) Update() {
	in := c.read()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.now()

	var p plan
	switch {
	case c.target.Active && now.Sub(c.target.LastSeen) > c.cfg.LostTimeout:
		reason := LostTimeout
		if now.Sub(c.lastFrame) <= c.cfg.LostTimeout {
			reason = LostNoDetections
		}
		c.loseLocked(reason, &p)

	case c.target.Active:
		p.aim = true
		p.pan = c.ditherLocked(c.target.Pan, now)
		p.tilt = c.target.Tilt
		p.track = true
		p.fire = in.armed && !in.active && !in.cooling &&
			(c.state == StateCooldown || c.state == StateAcquired)
		c.target.AimPan = p.pan

	case in.armed:
		if c.state == StateIdle {
			c.idleStart = now
			c.idleCycle = 0
			p.add(c.setStateLocked(StateSweeping))
		}
		elapsed := now.Sub(c.idleStart)
		if cycle := int64(elapsed.Seconds() * c.cfg.IdleSweepFrequency); cycle > c.idleCycle {
			c.idleCycle = cycle
			c.stats.SweepCycles++
		}
		p.aim = true
		p.pan = servo.Clamp(servo.AxisPan, servo.HomePan+sweepOffset(c.cfg.IdleSweepAmplitude, c.cfg.IdleSweepFrequency, elapsed))
		p.tilt = servo.HomeTilt

	case c.state == StateSweeping:
		p.add(c.setStateLocked(StateIdle))
		p.home = true
	}
	p.gen = c.gen
	c.mu.Unlock()

	c.execute(p, in)
}

// Cancel drops the current target, turns the laser off and homes the
// servos.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.target.Active {
		c.stats.TotalTracking += c.target.Tracked()
	}
	c.target.Active = false
	c.gen++
	var p plan
	p.add(c.setStateLocked(StateIdle))
	p.release = true
	p.home = true
	p.gen = c.gen
	c.mu.Unlock()

	c.log.Info("targeting cancelled")
	c.execute(p, inputs{})
}

// selectLocked returns the best valid detection of the frame.
func (c *Controller) selectLocked(dets []Detection) (Detection, bool) {
	c.stats.Detections += uint64(len(dets))
	if len(dets) > c.cfg.MaxTargets {
		c.stats.Dropped += uint64(len(dets) - c.cfg.MaxTargets)
		dets = dets[:c.cfg.MaxTargets]
	}

	cam := c.mapper.Camera()
	var (
		best      Detection
		bestScore float64
		valid     int
	)
	for _, d := range dets {
		if err := c.cfg.accept(d, cam); err != nil {
			c.stats.Rejected++
			c.log.Debug("detection rejected", "error", err)
			continue
		}
		s := c.scoreLocked(d, cam)
		switch {
		case valid == 0,
			s > bestScore+scoreEpsilon,
			math.Abs(s-bestScore) <= scoreEpsilon && d.Confidence > best.Confidence:
			best, bestScore = d, s
		}
		valid++
	}
	if valid > 1 {
		c.stats.MultiTarget++
	}
	return best, valid > 0
}

// scoreLocked weighs confidence against distance to the tracked target.
// Without a tracked target only confidence counts.
func (c *Controller) scoreLocked(d Detection, cam geometry.Camera) float64 {
	if !c.target.Active {
		return d.Confidence
	}
	x, y := d.Centroid()
	prox := 1 - math.Hypot(x-c.target.X, y-c.target.Y)/cam.Diagonal()
	if prox < 0 {
		prox = 0
	}
	return c.cfg.WeightConfidence*d.Confidence + c.cfg.WeightProximity*prox
}

func (c *Controller) trackLocked(d Detection, now time.Time, in inputs, p *plan) {
	x, y := d.Centroid()
	pan, tilt, err := c.mapper.PixelToAngle(x, y)
	if err != nil {
		// accept already bounds the box to the frame.
		c.log.Warn("centroid outside frame", "x", x, "y", y)
	}

	isNew := !c.target.Active
	if isNew {
		c.gen++
		c.trackStart = now
		c.target = Target{FirstSeen: now, Active: true}
		c.stats.Acquired++
		p.add(c.setStateLocked(StateAcquired))
	}
	c.target.X, c.target.Y = x, y
	c.target.Pan, c.target.Tilt = pan, tilt
	c.target.Area = d.Area()
	c.target.Confidence = d.Confidence
	c.target.ID = d.ID
	c.target.LastSeen = now
	c.target.AimPan = c.ditherLocked(pan, now)

	if isNew {
		t := c.target
		p.acquired = &t
		c.log.Info("target acquired", "x", x, "y", y, "pan", pan, "tilt", tilt, "confidence", d.Confidence)
	}

	p.aim = true
	p.pan = c.target.AimPan
	p.tilt = tilt
	p.track = true
	p.fire = in.armed && !in.active && !in.cooling &&
		(isNew || c.state == StateAcquired || c.state == StateCooldown)
}

func (c *Controller) loseLocked(reason LostReason, p *plan) {
	c.target.Active = false
	c.gen++
	c.stats.Lost++
	c.stats.TotalTracking += c.target.Tracked()

	t := c.target
	p.lost = &t
	p.reason = reason
	p.release = true
	p.home = true
	p.add(c.setStateLocked(StateLost))
	c.log.Info("target lost", "reason", reason, "tracked", t.Tracked())
}

// ditherLocked offsets pan sinusoidally around the target.
func (c *Controller) ditherLocked(pan float64, now time.Time) float64 {
	off := sweepOffset(c.cfg.SweepAmplitude, c.cfg.SweepFrequency, now.Sub(c.trackStart))
	return servo.Clamp(servo.AxisPan, pan+off)
}

// execute performs the actuation a plan asks for, then settles the state.
func (c *Controller) execute(p plan, in inputs) {
	if p.release {
		c.safety.LaserOff()
		c.safety.SetDetectionActive(false)
	}
	if p.home {
		if err := c.servo.Home(); err != nil {
			c.log.Warn("servo home failed", "error", err)
		}
	}

	aimed := false
	tiltRejected := false
	if p.aim {
		if err := c.safety.ValidateTilt(p.tilt); err != nil {
			tiltRejected = true
		} else if err := c.servo.SetTarget(p.pan, p.tilt); err != nil {
			c.log.Warn("servo aim failed", "pan", p.pan, "tilt", p.tilt, "error", err)
		} else {
			aimed = true
		}
	}
	if p.track && c.superseded(p.gen) {
		p.track, p.fire = false, false
	}
	if p.track {
		c.safety.SetDetectionActive(true)
	}

	var fireErr error
	fired := false
	if p.fire && aimed {
		fireErr = c.safety.LaserOn()
		fired = fireErr == nil
		if fireErr != nil {
			c.log.Info("laser activation refused", "error", fireErr)
		}
	}

	c.settle(p, in, settleResult{
		attempted:    p.fire && aimed,
		fired:        fired,
		cooling:      in.cooling || errors.Is(fireErr, laser.ErrCooldown),
		tiltRejected: tiltRejected,
	})
}

// superseded reports whether a newer decision replaced the plan with gen.
func (c *Controller) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen || c.closed
}

type settleResult struct {
	attempted    bool
	fired        bool
	cooling      bool
	tiltRejected bool
}

// settle applies the outcome if no newer decision superseded the plan,
// then runs callbacks.
func (c *Controller) settle(p plan, in inputs, r settleResult) {
	c.mu.Lock()
	if r.tiltRejected {
		c.stats.TiltRejects++
	}
	if r.attempted {
		if r.fired {
			c.stats.Fired++
		} else {
			c.stats.FireBlocked++
		}
	}
	if c.gen == p.gen && !c.closed {
		switch {
		case p.lost != nil:
			if c.state == StateLost {
				p.add(c.setStateLocked(StateIdle))
			}
		case p.track && c.target.Active:
			next := StateAcquired
			if in.armed {
				next = StateTracking
				if r.cooling && !r.fired {
					next = StateCooldown
				}
			}
			p.add(c.setStateLocked(next))
		}
	}
	onState, onAcquired, onLost := c.onState, c.onAcquired, c.onLost
	c.mu.Unlock()

	if onState != nil {
		for _, tr := range p.transitions {
			onState(tr.old, tr.new)
		}
	}
	if p.acquired != nil && onAcquired != nil {
		onAcquired(*p.acquired)
	}
	if p.lost != nil && onLost != nil {
		onLost(*p.lost, p.reason)
	}
}

func (c *Controller) setStateLocked(s State) (transition, bool) {
	if c.state == s {
		return transition{}, false
	}
	tr := transition{old: c.state, new: s}
	c.state = s
	c.log.Debug("targeting state", "from", tr.old, "to", tr.new)
	return tr, true
}

func (p *plan) add(tr transition, changed bool) {
	if changed {
		p.transitions = append(p.transitions, tr)
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentTarget returns a copy of the tracked target.
func (c *Controller) CurrentTarget() (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.target.Active
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if c.target.Active {
		s.TotalTracking += c.target.Tracked()
	}
	return s
}

// Close stops accepting frames and releases the laser.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.target.Active = false
	c.gen++
	c.mu.Unlock()

	c.safety.LaserOff()
	c.safety.SetDetectionActive(false)
	return nil
}
