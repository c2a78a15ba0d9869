package laser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/hal"
)

// Controller is the sole owner of the laser output line.
//
// The line is a GPIO register write, so it is driven inside the critical
// section: an activation and a concurrent Disarm or KillSwitch can never
// interleave between "checked" and "asserted". Callbacks run after the lock
// is released and may call back into the controller.
type Controller struct {
	cfg Config
	out hal.Output
	log *slog.Logger
	now func() time.Time

	// armed mirrors the arm flag for lock-free readers. It is only written
	// with mu held, and always cleared before the line is dropped.
	armed atomic.Bool

	mu            sync.Mutex
	closed        bool
	state         State
	lineOn        bool
	killed        bool
	faulted       bool
	activatedAt   time.Time
	deactivatedAt time.Time
	seq           uint64
	backstop      *time.Timer
	pulse         *time.Timer
	stats         Stats

	onState   func(old, new State)
	onTimeout func(onTime time.Duration)
	onFault   func(err error)
}

// transition is a state change recorded under the lock and delivered after it.
type transition struct {
	old, new State
	ok       bool
}

// New drives the line off and returns a disarmed controller.
func New(cfg Config, out hal.Output) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := out.Set(false); err != nil {
		return nil, fmt.Errorf("%w: initial deassert: %v", ErrHardware, err)
	}
	return &Controller{
		cfg:   cfg,
		out:   out,
		log:   log.Component("laser"),
		now:   time.Now,
		state: StateOff,
	}, nil
}

// OnStateChange registers the state-change callback.
func (c *Controller) OnStateChange(fn func(old, new State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnTimeout registers the callback fired when the on-time backstop trips.
func (c *Controller) OnTimeout(fn func(onTime time.Duration)) {
	c.mu.Lock()
	c.onTimeout = fn
	c.mu.Unlock()
}

// OnFault registers the callback fired on a drive failure.
func (c *Controller) OnFault(fn func(err error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

// Arm enables activation.
func (c *Controller) Arm() error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrNotInitialized
	case c.killed:
		c.mu.Unlock()
		c.log.Warn("arm refused: kill switch engaged")
		return ErrKillSwitch
	case c.faulted:
		c.mu.Unlock()
		return ErrHardware
	}
	var tr transition
	if !c.armed.Load() {
		c.armed.Store(true)
		tr = c.setStateLocked(StateArmed)
	}
	cb := c.onState
	c.mu.Unlock()

	if tr.ok {
		c.log.Info("laser armed")
	}
	c.notify(cb, tr)
	return nil
}

// Disarm clears the arm flag, then drops the line.
func (c *Controller) Disarm() {
	c.mu.Lock()
	c.armed.Store(false)
	var onTime time.Duration
	var err error
	if c.lineOn {
		onTime, err = c.lineOffLocked()
	}
	tr := c.setStateLocked(c.restingStateLocked())
	cb := c.onState
	c.mu.Unlock()

	if err != nil {
		c.log.Error("deassert failed on disarm", "error", err)
	}
	if onTime > 0 {
		c.log.Info("laser disarmed while on", "on_time", onTime)
	}
	c.notify(cb, tr)
}

// On asserts the line if armed, not killed, not faulted and not cooling down.
// Calling On while already on is a no-op.
func (c *Controller) On() error {
	return c.activate(0)
}

// Pulse turns the laser on and schedules it off after d. Durations above the
// maximum on-time are capped; the capped duration is returned.
func (c *Controller) Pulse(d time.Duration) (time.Duration, error) {
	if d < MinPulse {
		return 0, fmt.Errorf("%w: %v < %v", ErrInvalidPulse, d, MinPulse)
	}
	if d > c.cfg.MaxOnTime {
		c.log.Warn("pulse capped", "requested", d, "max", c.cfg.MaxOnTime)
		d = c.cfg.MaxOnTime
	}
	return d, c.activate(d)
}

func (c *Controller) activate(pulse time.Duration) error {
	c.mu.Lock()
	now := c.now()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrNotInitialized
	case c.killed:
		c.mu.Unlock()
		return ErrKillSwitch
	case c.faulted:
		c.mu.Unlock()
		return ErrHardware
	case !c.armed.Load():
		c.mu.Unlock()
		return ErrNotArmed
	case c.cooldownRemainingLocked(now) > 0:
		c.stats.CooldownBlocks++
		remaining := c.cooldownRemainingLocked(now)
		c.mu.Unlock()
		return fmt.Errorf("%w: %v remaining", ErrCooldown, remaining)
	}

	if !c.lineOn {
		if err := c.out.Set(true); err != nil {
			_ = c.out.Set(false)
			c.faulted = true
			c.stats.HardwareFaults++
			tr := c.setStateLocked(StateError)
			cb, fcb := c.onState, c.onFault
			c.mu.Unlock()

			herr := fmt.Errorf("%w: %v", ErrHardware, err)
			c.log.Error("laser drive failure", "error", err)
			c.notify(cb, tr)
			if fcb != nil {
				fcb(herr)
			}
			return herr
		}
		c.lineOn = true
		c.activatedAt = now
		c.seq++
		c.stats.Activations++
		c.stats.LastActivation = now
		seq := c.seq
		c.backstop = time.AfterFunc(c.cfg.MaxOnTime, func() { c.expire(seq) })
	}

	// A new request replaces any pending pulse end; On makes it continuous.
	if c.pulse != nil {
		c.pulse.Stop()
		c.pulse = nil
	}
	if pulse > 0 {
		seq := c.seq
		c.pulse = time.AfterFunc(pulse, func() { c.endPulse(seq) })
	}

	tr := c.setStateLocked(StateOn)
	cb := c.onState
	c.mu.Unlock()

	if tr.ok {
		c.log.Info("laser on", "pulse", pulse)
	}
	c.notify(cb, tr)
	return nil
}

// Off drops the line. Always permitted.
func (c *Controller) Off() {
	c.mu.Lock()
	if !c.lineOn {
		c.mu.Unlock()
		return
	}
	onTime, err := c.lineOffLocked()
	tr := c.setStateLocked(c.restingStateLocked())
	cb := c.onState
	c.mu.Unlock()

	if err != nil {
		c.log.Error("deassert failed", "error", err)
	}
	c.log.Debug("laser off", "on_time", onTime)
	c.notify(cb, tr)
}

// KillSwitch deasserts the line before anything else, then latches the kill
// state and disarms, then notifies. It returns ErrAlreadyKilled if the switch
// was already engaged; the line is driven low either way.
func (c *Controller) KillSwitch() error {
	// Physical deassert first, without waiting on the lock.
	_ = c.out.Set(false)

	c.mu.Lock()
	already := c.killed
	if c.lineOn {
		_, _ = c.lineOffLocked()
	} else {
		_ = c.out.Set(false)
	}
	c.killed = true
	c.armed.Store(false)
	if !already {
		c.stats.KillSwitchCount++
	}
	tr := c.setStateLocked(StateKilled)
	cb := c.onState
	c.mu.Unlock()

	if already {
		return ErrAlreadyKilled
	}
	c.log.Warn("KILL SWITCH ENGAGED")
	c.notify(cb, tr)
	return nil
}

// ResetKillSwitch releases the kill switch. The laser stays disarmed.
func (c *Controller) ResetKillSwitch() {
	c.mu.Lock()
	var tr transition
	if c.killed {
		c.killed = false
		tr = c.setStateLocked(c.restingStateLocked())
	}
	cb := c.onState
	c.mu.Unlock()

	if tr.ok {
		c.log.Info("kill switch reset")
	}
	c.notify(cb, tr)
}

// ResetFault clears a latched drive failure.
func (c *Controller) ResetFault() {
	c.mu.Lock()
	var tr transition
	if c.faulted {
		c.faulted = false
		tr = c.setStateLocked(c.restingStateLocked())
	}
	cb := c.onState
	c.mu.Unlock()
	c.notify(cb, tr)
}

// Update enforces the maximum on-time and finishes cooldowns. It is safe to
// call from any goroutine; Run calls it periodically.
func (c *Controller) Update() {
	c.mu.Lock()
	now := c.now()
	if c.lineOn && now.Sub(c.activatedAt) >= c.cfg.MaxOnTime {
		seq := c.seq
		c.mu.Unlock()
		c.expire(seq)
		c.mu.Lock()
	}

	var tr transition
	if c.state == StateCooldown && c.cooldownRemainingLocked(c.now()) == 0 {
		tr = c.setStateLocked(c.restingStateLocked())
	}
	cb := c.onState
	c.mu.Unlock()
	c.notify(cb, tr)
}

// Run calls Update every tick until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Update()
		}
	}
}

// Close turns the laser off, disarms and refuses further activation.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.armed.Store(false)
	if c.lineOn {
		_, _ = c.lineOffLocked()
	}
	if c.pulse != nil {
		c.pulse.Stop()
	}
	c.closed = true
	c.mu.Unlock()
	return c.out.Close()
}

func (c *Controller) expire(seq uint64) {
	c.mu.Lock()
	if !c.lineOn || c.seq != seq {
		c.mu.Unlock()
		return
	}
	onTime, err := c.lineOffLocked()
	c.stats.SafetyTimeouts++
	tr := c.setStateLocked(c.restingStateLocked())
	cb, tcb := c.onState, c.onTimeout
	c.mu.Unlock()

	c.log.Warn("SAFETY TIMEOUT: laser forced off", "on_time", onTime)
	if err != nil {
		c.log.Error("deassert failed on timeout", "error", err)
	}
	c.notify(cb, tr)
	if tcb != nil {
		tcb(onTime)
	}
}

func (c *Controller) endPulse(seq uint64) {
	c.mu.Lock()
	if !c.lineOn || c.seq != seq {
		c.mu.Unlock()
		return
	}
	onTime, err := c.lineOffLocked()
	tr := c.setStateLocked(c.restingStateLocked())
	cb := c.onState
	c.mu.Unlock()

	if err != nil {
		c.log.Error("deassert failed at pulse end", "error", err)
	}
	c.log.Debug("pulse complete", "on_time", onTime)
	c.notify(cb, tr)
}

// lineOffLocked drops the line and books the on-time. A failed deassert
// latches a hardware fault but the controller still treats the line as off
// for activation purposes.
func (c *Controller) lineOffLocked() (time.Duration, error) {
	now := c.now()
	err := c.out.Set(false)
	onTime := now.Sub(c.activatedAt)
	c.lineOn = false
	c.deactivatedAt = now
	c.stats.TotalOnTime += onTime
	if c.backstop != nil {
		c.backstop.Stop()
		c.backstop = nil
	}
	if c.pulse != nil {
		c.pulse.Stop()
		c.pulse = nil
	}
	if err != nil {
		c.faulted = true
		c.stats.HardwareFaults++
		return onTime, fmt.Errorf("%w: %v", ErrHardware, err)
	}
	return onTime, nil
}

func (c *Controller) restingStateLocked() State {
	switch {
	case c.faulted:
		return StateError
	case c.killed:
		return StateKilled
	case !c.armed.Load():
		return StateOff
	case c.cooldownRemainingLocked(c.now()) > 0:
		return StateCooldown
	default:
		return StateArmed
	}
}

func (c *Controller) cooldownRemainingLocked(now time.Time) time.Duration {
	if c.deactivatedAt.IsZero() {
		return 0
	}
	remaining := c.cfg.Cooldown - now.Sub(c.deactivatedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Controller) setStateLocked(s State) transition {
	if c.state == s {
		return transition{}
	}
	old := c.state
	c.state = s
	return transition{old: old, new: s, ok: true}
}

func (c *Controller) notify(cb func(old, new State), tr transition) {
	if !tr.ok {
		return
	}
	c.log.Debug("state changed", "from", tr.old, "to", tr.new)
	if cb != nil {
		cb(tr.old, tr.new)
	}
}
