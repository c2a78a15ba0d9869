// Package safety is the policy layer every laser activation passes through.
//
// LaserOn checks that the system is armed, a detection is active, the tilt
// is not upward, the laser has not run too long, no kill switch or
// emergency stop is engaged, the watchdog is fed and the supply is not
// browned out, and only then asks the laser controller to fire. Update
// enforces the same rules continuously and drops into safe mode on watchdog
// expiry, brownout or a hardware fault.
//
// The layer never holds its lock while calling another controller or a
// callback: values from the laser, servo and button are read before the
// lock is taken, and any actuation decided under the lock happens after it
// is released.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/fault"
	"github.com/teslashibe/apis-edge/pkg/servo"
)

// Laser is the laser controller surface the layer uses.
type Laser interface {
	IsArmed() bool
	IsActive() bool
	IsKillSwitchEngaged() bool
	IsFaulted() bool
	OnTime() time.Duration
	On() error
	Pulse(d time.Duration) (time.Duration, error)
	Off()
	KillSwitch() error
	ResetKillSwitch()
	ResetFault()
}

// Servo is the servo controller surface the layer uses.
type Servo interface {
	Position() servo.Position
	IsHardwareOK() bool
	ClearFault()
}

// Button is the button handler surface the layer uses.
type Button interface {
	IsArmed() bool
	IsEmergencyStop() bool
	Disarm()
}

// Deps are the controllers the layer supervises. Servo and Button may be
// nil on bench rigs.
type Deps struct {
	Laser  Laser
	Servo  Servo
	Button Button
}

// Stats are cumulative counters.
type Stats struct {
	Checks             uint64 `json:"checks"`
	ChecksPassed       uint64 `json:"checks_passed"`
	ChecksFailed       uint64 `json:"checks_failed"`
	ArmedFailures      uint64 `json:"armed_failures"`
	DetectionFailures  uint64 `json:"detection_failures"`
	TiltFailures       uint64 `json:"tilt_failures"`
	TimeFailures       uint64 `json:"time_failures"`
	KillSwitchFailures uint64 `json:"kill_switch_failures"`
	WatchdogFailures   uint64 `json:"watchdog_failures"`
	BrownoutFailures   uint64 `json:"brownout_failures"`
	Activations        uint64 `json:"activations"`
	Blocked            uint64 `json:"blocked"`
	AutoOffs           uint64 `json:"auto_offs"`
	TiltCutoffs        uint64 `json:"tilt_cutoffs"`
	WatchdogWarnings   uint64 `json:"watchdog_warnings"`
	SafeModeEntries    uint64 `json:"safe_mode_entries"`
	Resets             uint64 `json:"resets"`
}

// Layer enforces the laser safety policy.
type Layer struct {
	cfg    Config
	laser  Laser
	servo  Servo
	button Button
	log    *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	initialized  bool
	state        State
	reason       string
	detection    bool
	tiltDeg      float64
	tiltBad      bool
	voltageMV    int
	lastFeed     time.Time
	warningFired bool
	stats        Stats

	onState    func(old, new State)
	onFailure  func(Result)
	onWatchdog func(remaining time.Duration)
}

// snapshot holds values read from other controllers before locking.
type snapshot struct {
	armed      bool
	killSwitch bool
	active     bool
	faulted    bool
	onTime     time.Duration
	servoOK    bool
	tilt       float64
}

// effects is work decided under the lock and carried out after it.
type effects struct {
	stateChanged bool
	old, new     State
	safeMode     bool
	reason       string
	laserOff     bool
	warning      bool
	remaining    time.Duration

	onState    func(old, new State)
	onWatchdog func(time.Duration)
}

// New returns an uninitialised layer.
func New(cfg Config, deps Deps) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Laser == nil {
		return nil, fmt.Errorf("safety: laser controller required")
	}
	return &Layer{
		cfg:       cfg,
		laser:     deps.Laser,
		servo:     deps.Servo,
		button:    deps.Button,
		log:       log.Component("safety"),
		now:       time.Now,
		voltageMV: NominalVoltageMV,
	}, nil
}

// Init starts the watchdog. Calling it again has no effect.
func (l *Layer) Init() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return
	}
	l.initialized = true
	l.state = StateNormal
	l.lastFeed = l.now()
	l.log.Info("safety layer initialized")
}

// Close forces the laser off and engages the kill switch.
func (l *Layer) Close() error {
	l.mu.Lock()
	l.initialized = false
	l.mu.Unlock()

	l.laser.Off()
	if err := l.laser.KillSwitch(); err != nil && !errors.Is(err, fault.ErrAlreadyKilled) {
		return err
	}
	return nil
}

// OnStateChange registers the state callback.
func (l *Layer) OnStateChange(fn func(old, new State)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// OnCheckFailure registers the callback for failed checks.
func (l *Layer) OnCheckFailure(fn func(Result)) {
	l.mu.Lock()
	l.onFailure = fn
	l.mu.Unlock()
}

// OnWatchdogWarning registers the callback fired once per starvation when
// the watchdog passes its warning threshold.
func (l *Layer) OnWatchdogWarning(fn func(remaining time.Duration)) {
	l.mu.Lock()
	l.onWatchdog = fn
	l.mu.Unlock()
}

func (l *Layer) read() snapshot {
	s := snapshot{
		armed:      l.laser.IsArmed(),
		killSwitch: l.laser.IsKillSwitchEngaged(),
		active:     l.laser.IsActive(),
		faulted:    l.laser.IsFaulted(),
		onTime:     l.laser.OnTime(),
		servoOK:    true,
		tilt:       TiltMax,
	}
	if l.button != nil {
		s.armed = s.armed && l.button.IsArmed()
		s.killSwitch = s.killSwitch || l.button.IsEmergencyStop()
	}
	if l.servo != nil {
		s.servoOK = l.servo.IsHardwareOK()
		s.tilt = l.servo.Position().Tilt
	}
	return s
}

// CheckAll runs every check.
func (l *Layer) CheckAll() Result {
	return l.Check(CheckAll)
}

// Check evaluates the requested checks. It never changes another
// controller's state. In safe mode every check fails.
func (l *Layer) Check(mask Check) Result {
	snap := l.read()

	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return Result{Status: StatusNotInitialized}
	}
	now := l.now()
	l.stats.Checks++

	tilt := l.tiltDeg
	if snap.tilt > tilt {
		tilt = snap.tilt
	}
	r := Result{
		Armed:             snap.armed,
		Detection:         l.detection,
		KillSwitch:        snap.killSwitch,
		TiltDeg:           tilt,
		OnTime:            snap.onTime,
		WatchdogRemaining: l.watchdogRemainingLocked(now),
		VoltageMV:         l.voltageMV,
	}

	if l.state == StateSafeMode {
		r.Status = StatusSafeMode
		r.Failed = CheckAll
		l.stats.ChecksFailed++
		cb := l.onFailure
		l.mu.Unlock()
		if cb != nil {
			cb(r)
		}
		return r
	}

	if mask&CheckArmed != 0 && !r.Armed {
		r.Failed |= CheckArmed
		l.stats.ArmedFailures++
	}
	if mask&CheckDetection != 0 && !r.Detection {
		r.Failed |= CheckDetection
		l.stats.DetectionFailures++
	}
	if mask&CheckTilt != 0 && (l.tiltBad || tilt > TiltMax) {
		r.Failed |= CheckTilt
		l.stats.TiltFailures++
	}
	if mask&CheckTime != 0 && r.OnTime >= MaxContinuousOn {
		r.Failed |= CheckTime
		l.stats.TimeFailures++
	}
	if mask&CheckKillSwitch != 0 && r.KillSwitch {
		r.Failed |= CheckKillSwitch
		l.stats.KillSwitchFailures++
	}
	if mask&CheckWatchdog != 0 && r.WatchdogRemaining == 0 {
		r.Failed |= CheckWatchdog
		l.stats.WatchdogFailures++
	}
	if mask&CheckBrownout != 0 && l.brownoutLocked() {
		r.Failed |= CheckBrownout
		l.stats.BrownoutFailures++
	}
	r.Status = statusFor(r.Failed)

	var cb func(Result)
	if r.OK() {
		l.stats.ChecksPassed++
	} else {
		l.stats.ChecksFailed++
		cb = l.onFailure
	}
	l.mu.Unlock()

	if r.Failed&CheckTilt != 0 {
		l.log.Warn("safety check failed: tilt upward", "tilt", r.TiltDeg)
	} else if !r.OK() {
		l.log.Debug("safety check failed", "status", r.Status, "failed", r.Failed)
	}
	if cb != nil {
		cb(r)
	}
	return r
}

// LaserOn turns the laser on only if every check passes. A refusal by the
// checks is a *CheckError; a refusal by the laser controller wraps the
// laser's error.
func (l *Layer) LaserOn() error {
	r := l.CheckAll()
	if !r.OK() {
		l.countBlocked()
		return r.Err()
	}
	if err := l.laser.On(); err != nil {
		l.countBlocked()
		return fmt.Errorf("safety: laser refused: %w", err)
	}
	l.mu.Lock()
	l.stats.Activations++
	l.mu.Unlock()
	return nil
}

// Activate turns the laser on for d if every check passes. d is capped at
// the maximum continuous on-time and the laser turns itself off afterwards.
func (l *Layer) Activate(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDuration
	}
	if d > MaxContinuousOn {
		l.log.Warn("activation capped", "requested", d, "max", MaxContinuousOn)
		d = MaxContinuousOn
	}
	r := l.CheckAll()
	if !r.OK() {
		l.countBlocked()
		return r.Err()
	}
	if _, err := l.laser.Pulse(d); err != nil {
		l.countBlocked()
		return fmt.Errorf("safety: laser refused: %w", err)
	}
	l.mu.Lock()
	l.stats.Activations++
	l.mu.Unlock()
	return nil
}

func (l *Layer) countBlocked() {
	l.mu.Lock()
	l.stats.Blocked++
	l.mu.Unlock()
}

// LaserOff turns the laser off. Always permitted.
func (l *Layer) LaserOff() {
	l.laser.Off()
}

// Feed proves the main loop is alive.
func (l *Layer) Feed() {
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return
	}
	l.lastFeed = l.now()
	l.warningFired = false
	var fx effects
	if l.state == StateWarning {
		l.setStateLocked(StateNormal, &fx)
	}
	l.mu.Unlock()
	l.apply(fx)
}

// Update is the periodic safety tick. It handles watchdog warning and
// expiry, brownout, laser and servo hardware faults, the early auto-off and
// an upward tilt while the laser is on.
func (l *Layer) Update() {
	snap := l.read()

	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return
	}
	now := l.now()
	elapsed := now.Sub(l.lastFeed)
	var fx effects

	switch {
	case elapsed >= l.cfg.WatchdogTimeout:
		l.enterSafeModeLocked("watchdog expired", &fx)
	case elapsed >= l.cfg.WatchdogWarning && !l.warningFired:
		l.warningFired = true
		l.stats.WatchdogWarnings++
		fx.warning = true
		fx.remaining = l.cfg.WatchdogTimeout - elapsed
		fx.onWatchdog = l.onWatchdog
		if l.state == StateNormal {
			l.setStateLocked(StateWarning, &fx)
		}
	}

	if l.brownoutLocked() {
		l.enterSafeModeLocked(fmt.Sprintf("brownout (%d mV)", l.voltageMV), &fx)
	}
	if snap.faulted {
		l.enterSafeModeLocked("laser drive fault", &fx)
	}
	if !snap.servoOK {
		l.enterSafeModeLocked("servo hardware fault", &fx)
	}

	if snap.active && snap.onTime >= l.cfg.AutoOffThreshold {
		l.stats.AutoOffs++
		fx.laserOff = true
		l.log.Warn("laser auto-off", "on_time", snap.onTime)
	}
	if snap.active && snap.tilt > TiltMax {
		l.stats.TiltCutoffs++
		fx.laserOff = true
		l.log.Error("laser on while tilted upward", "tilt", snap.tilt)
	}
	l.mu.Unlock()

	l.apply(fx)
}

// Run calls Update every UpdateInterval until ctx is cancelled. It runs on
// its own goroutine so that a stalled feeder still expires the watchdog.
func (l *Layer) Run(ctx context.Context) {
	ticker := time.NewTicker(UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Update()
		}
	}
}

// EnterSafeMode forces the laser off, engages the kill switch and blocks
// every activation until Reset.
func (l *Layer) EnterSafeMode(reason string) {
	l.mu.Lock()
	var fx effects
	l.enterSafeModeLocked(reason, &fx)
	l.mu.Unlock()
	l.apply(fx)
}

func (l *Layer) enterSafeModeLocked(reason string, fx *effects) {
	if l.state == StateSafeMode {
		return
	}
	l.stats.SafeModeEntries++
	l.reason = reason
	l.setStateLocked(StateSafeMode, fx)
	fx.safeMode = true
	fx.reason = reason
	fx.laserOff = true
}

func (l *Layer) setStateLocked(s State, fx *effects) {
	if l.state == s {
		return
	}
	if !fx.stateChanged {
		fx.old = l.state
	}
	fx.stateChanged = true
	fx.new = s
	fx.onState = l.onState
	l.state = s
}

// apply performs actuation first and notification last.
func (l *Layer) apply(fx effects) {
	if fx.laserOff {
		l.laser.Off()
	}
	if fx.safeMode {
		if err := l.laser.KillSwitch(); err != nil && !errors.Is(err, fault.ErrAlreadyKilled) {
			l.log.Error("kill switch failed", "error", err)
		}
		if l.button != nil {
			l.button.Disarm()
		}
		l.log.Error("SAFE MODE entered, manual reset required", "reason", fx.reason)
	}
	if fx.stateChanged && fx.old != fx.new {
		l.log.Info("safety state changed", "from", fx.old, "to", fx.new)
		if fx.onState != nil {
			fx.onState(fx.old, fx.new)
		}
	}
	if fx.warning {
		l.log.Warn("watchdog warning", "remaining", fx.remaining)
		if fx.onWatchdog != nil {
			fx.onWatchdog(fx.remaining)
		}
	}
}

// Reset leaves safe mode: it feeds the watchdog, resets the laser kill
// switch and fault and clears a servo fault. The system stays disarmed.
// Reset is refused while the physical emergency stop is engaged.
func (l *Layer) Reset() error {
	if l.button != nil && l.button.IsEmergencyStop() {
		return ErrEmergencyStop
	}

	if !l.IsInitialized() {
		return ErrNotInitialized
	}

	// Hardware first, so an Update racing the reset cannot see a stale
	// fault after the state returns to normal.
	l.laser.ResetKillSwitch()
	l.laser.ResetFault()
	if l.servo != nil {
		l.servo.ClearFault()
	}

	l.mu.Lock()
	l.lastFeed = l.now()
	l.warningFired = false
	l.reason = ""
	l.stats.Resets++
	var fx effects
	l.setStateLocked(StateNormal, &fx)
	l.mu.Unlock()

	l.log.Info("safety layer reset, system remains disarmed")
	l.apply(fx)
	return nil
}

// ValidateTilt records the tilt the caller is about to aim at and rejects
// upward angles. The recorded tilt is also judged by later checks.
func (l *Layer) ValidateTilt(deg float64) error {
	bad := !(deg <= TiltMax)

	l.mu.Lock()
	l.tiltBad = bad
	if !math.IsNaN(deg) {
		l.tiltDeg = deg
	}
	if bad {
		l.stats.TiltFailures++
	}
	l.mu.Unlock()

	if bad {
		l.log.Warn("tilt rejected: upward", "tilt", deg, "max", TiltMax)
		return fmt.Errorf("%w: %.1f° > %.1f°", ErrTiltUpward, deg, TiltMax)
	}
	return nil
}

// SetDetectionActive records whether a target is currently detected.
func (l *Layer) SetDetectionActive(active bool) {
	l.mu.Lock()
	l.detection = active
	l.mu.Unlock()
}

// SetVoltage records the measured supply voltage. Zero means unknown and
// never counts as a brownout.
func (l *Layer) SetVoltage(mV int) {
	l.mu.Lock()
	l.voltageMV = mV
	l.mu.Unlock()
}

func (l *Layer) brownoutLocked() bool {
	return l.voltageMV > 0 && l.voltageMV < l.cfg.MinVoltageMV
}

func (l *Layer) watchdogRemainingLocked(now time.Time) time.Duration {
	remaining := l.cfg.WatchdogTimeout - now.Sub(l.lastFeed)
	if remaining < 0 {
		return 0
	}
	return remaining
}
