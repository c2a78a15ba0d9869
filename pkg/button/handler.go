// Package button turns the physical arm/stop button into system modes.
//
// A short press toggles armed and disarmed, a second short press inside the
// undo window reverts the last change, and a long press engages the
// emergency stop. Only a short press on the button clears an emergency stop;
// there is no method that does.
package button

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/fault"
	"github.com/teslashibe/apis-edge/pkg/hal"
)

// ErrEmergencyStop is returned by Arm while the emergency stop is engaged.
var ErrEmergencyStop = fault.New(fault.ErrCheckFailed, "button: emergency stop active")

// Laser is the part of the laser controller the button drives.
type Laser interface {
	Arm() error
	Disarm()
	KillSwitch() error
	ResetKillSwitch()
}

// Resetter is reset when the emergency stop is cleared on the button.
type Resetter interface {
	Reset() error
}

// Handler polls the button and owns the system mode.
type Handler struct {
	cfg    Config
	in     hal.Input
	laser  Laser
	buzzer hal.Tone
	log    *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	raw          bool
	state        PressState
	pressStart   time.Time
	lastDebounce time.Time
	mode         Mode
	previous     Mode
	lastChange   time.Time
	gen          uint64
	stats        Stats
	resetter     Resetter

	onMode  func(old, new Mode)
	onEvent func(Event)
}

// change is a mode transition decided under the lock and applied after it.
type change struct {
	old, new Mode
	gen      uint64
	event    Event
	beep     bool
	resetter Resetter
	onMode   func(old, new Mode)
	onEvent  func(Event)
}

// New returns a disarmed handler. buzzer may be nil.
func New(cfg Config, in hal.Input, laser Laser, buzzer hal.Tone) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		cfg:    cfg,
		in:     in,
		laser:  laser,
		buzzer: buzzer,
		log:    log.Component("button"),
		now:    time.Now,
		mode:   ModeDisarmed,
	}, nil
}

// SetResetter registers the component reset when an emergency stop is
// cleared.
func (h *Handler) SetResetter(r Resetter) {
	h.mu.Lock()
	h.resetter = r
	h.mu.Unlock()
}

// OnModeChange registers the mode callback.
func (h *Handler) OnModeChange(fn func(old, new Mode)) {
	h.mu.Lock()
	h.onMode = fn
	h.mu.Unlock()
}

// OnEvent registers the press callback.
func (h *Handler) OnEvent(fn func(Event)) {
	h.mu.Lock()
	h.onEvent = fn
	h.mu.Unlock()
}

// Run polls the button until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Update()
		}
	}
}

// Update samples the button once and acts on any completed press.
func (h *Handler) Update() {
	raw, err := h.in.Read()

	h.mu.Lock()
	if err != nil {
		h.stats.ReadErrors++
		h.mu.Unlock()
		h.log.Debug("button read failed", "error", err)
		return
	}

	now := h.now()
	var ch *change

	if raw != h.raw {
		if now.Sub(h.lastDebounce) >= h.cfg.Debounce {
			h.raw = raw
			h.lastDebounce = now
			if raw {
				h.state = Pressed
				h.pressStart = now
			} else {
				held := now.Sub(h.pressStart)
				if h.state == Pressed && held < h.cfg.ShortPressMax {
					ch = h.shortPressLocked(now)
				}
				// Presses between short and long are ignored.
				h.state = Released
			}
		} else {
			h.stats.DebounceRejects++
		}
	}

	if h.state == Pressed && h.raw && now.Sub(h.pressStart) >= h.cfg.LongPress {
		h.state = Held
		ch = h.longPressLocked(now)
	}
	h.mu.Unlock()

	if ch != nil {
		h.apply(ch)
	}
}

func (h *Handler) shortPressLocked(now time.Time) *change {
	h.stats.ShortPresses++

	if h.mode != ModeEmergencyStop && !h.lastChange.IsZero() &&
		now.Sub(h.lastChange) < h.cfg.UndoWindow {
		h.stats.Undos++
		return h.setModeLocked(h.previous, EventUndo, now)
	}

	switch h.mode {
	case ModeDisarmed:
		return h.setModeLocked(ModeArmed, EventShortPress, now)
	case ModeArmed:
		return h.setModeLocked(ModeDisarmed, EventShortPress, now)
	default:
		h.log.Info("emergency stop cleared by button")
		return h.setModeLocked(ModeDisarmed, EventShortPress, now)
	}
}

func (h *Handler) longPressLocked(now time.Time) *change {
	h.stats.LongPresses++
	return h.setModeLocked(ModeEmergencyStop, EventLongPress, now)
}

// setModeLocked records the transition and returns the work to do once the
// lock is released. A press that does not change the mode still reports its
// event.
func (h *Handler) setModeLocked(m Mode, ev Event, now time.Time) *change {
	ch := &change{
		old:      h.mode,
		new:      m,
		event:    ev,
		beep:     h.cfg.Buzzer,
		resetter: h.resetter,
		onMode:   h.onMode,
		onEvent:  h.onEvent,
	}
	if m == h.mode {
		ch.beep = false
		return ch
	}
	h.previous = h.mode
	h.mode = m
	h.lastChange = now
	h.gen++
	ch.gen = h.gen
	switch m {
	case ModeArmed:
		h.stats.Arms++
	case ModeDisarmed:
		h.stats.Disarms++
	case ModeEmergencyStop:
		h.stats.EmergencyStops++
	}
	return ch
}

// apply runs a transition's side effects with no lock held: laser first,
// then buzzer, mode callback and event callback. It returns the laser's
// refusal when an arm could not be honoured.
func (h *Handler) apply(ch *change) error {
	var armErr error
	if ch.old != ch.new {
		h.log.Info("mode changed", "from", ch.old, "to", ch.new, "event", ch.event)
		armErr = h.driveLaser(ch)
	}

	if armErr != nil {
		h.log.Warn("arm refused by laser", "error", armErr)
		if h.revertArm(ch.gen) {
			ch.new = ch.old
			if ch.beep {
				h.beep(DisarmFreq, DisarmDuration)
			}
		}
	} else if ch.beep {
		switch ch.new {
		case ModeArmed:
			h.beep(ArmFreq, ArmDuration)
		case ModeDisarmed:
			h.beep(DisarmFreq, DisarmDuration)
		case ModeEmergencyStop:
			h.beep(EmergencyFreq, EmergencyDuration)
		}
	}

	if ch.old != ch.new && ch.onMode != nil {
		ch.onMode(ch.old, ch.new)
	}
	if ch.event != EventNone && ch.onEvent != nil {
		ch.onEvent(ch.event)
	}
	return armErr
}

func (h *Handler) driveLaser(ch *change) error {
	switch ch.new {
	case ModeEmergencyStop:
		if err := h.laser.KillSwitch(); err != nil && !errors.Is(err, fault.ErrAlreadyKilled) {
			h.log.Error("kill switch failed", "error", err)
		}
		h.log.Warn("EMERGENCY STOP engaged")
	case ModeArmed:
		return h.laser.Arm()
	case ModeDisarmed:
		if ch.old == ModeEmergencyStop {
			h.laser.ResetKillSwitch()
			if ch.resetter != nil {
				if err := ch.resetter.Reset(); err != nil {
					h.log.Warn("reset after emergency clear failed", "error", err)
				}
			}
		}
		h.laser.Disarm()
	}
	return nil
}

// revertArm returns the handler to disarmed if the refused arm is still the
// latest transition.
func (h *Handler) revertArm(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.ArmsRefused++
	if h.gen != gen || h.mode != ModeArmed {
		return false
	}
	h.mode = h.previous
	if h.mode == ModeArmed {
		h.mode = ModeDisarmed
	}
	h.previous = ModeArmed
	h.gen++
	return true
}

func (h *Handler) beep(freq int, d time.Duration) {
	if h.buzzer == nil {
		return
	}
	if err := h.buzzer.Beep(freq, d); err != nil {
		h.log.Debug("buzzer failed", "error", err)
	}
}

// Arm arms the system as if the button had been pressed. It fails with
// ErrEmergencyStop during an emergency stop and with the laser's error when
// the laser refuses.
func (h *Handler) Arm() error {
	h.mu.Lock()
	if h.mode == ModeEmergencyStop {
		h.mu.Unlock()
		return ErrEmergencyStop
	}
	ch := h.setModeLocked(ModeArmed, EventNone, h.now())
	h.mu.Unlock()

	if ch.old == ch.new {
		return nil
	}
	return h.apply(ch)
}

// Disarm disarms the system. It leaves an emergency stop in place.
func (h *Handler) Disarm() {
	h.mu.Lock()
	if h.mode == ModeEmergencyStop {
		h.mu.Unlock()
		return
	}
	ch := h.setModeLocked(ModeDisarmed, EventNone, h.now())
	h.mu.Unlock()

	if ch.old != ch.new {
		h.apply(ch)
	}
}

// Mode returns the current mode.
func (h *Handler) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// PressState returns the debounced button state.
func (h *Handler) PressState() PressState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsArmed reports whether the mode is armed.
func (h *Handler) IsArmed() bool {
	return h.Mode() == ModeArmed
}

// IsEmergencyStop reports whether the emergency stop is engaged.
func (h *Handler) IsEmergencyStop() bool {
	return h.Mode() == ModeEmergencyStop
}

// Stats returns a copy of the counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Close disarms the laser unless an emergency stop holds it killed.
func (h *Handler) Close() error {
	if h.Mode() != ModeEmergencyStop {
		h.laser.Disarm()
	}
	return h.in.Close()
}
