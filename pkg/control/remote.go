// Package control is the surface exposed to remote operators.
//
// A remote caller may arm, disarm and read status. Nothing here can clear
// an emergency stop or leave safe mode; both need the physical button or a
// local operator.
package control

import (
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/button"
	"github.com/teslashibe/apis-edge/pkg/fault"
	"github.com/teslashibe/apis-edge/pkg/laser"
	"github.com/teslashibe/apis-edge/pkg/safety"
	"github.com/teslashibe/apis-edge/pkg/servo"
	"github.com/teslashibe/apis-edge/pkg/targeting"
)

// Refusal reasons, also used as machine readable reasons by the web API.
const (
	ReasonSafeMode      = "safe_mode"
	ReasonEmergencyStop = "emergency_stop"
)

// Sentinel errors.
var (
	ErrSafeMode      = fault.New(fault.ErrCheckFailed, "control: safe mode active")
	ErrEmergencyStop = fault.New(fault.ErrCheckFailed, "control: emergency stop active")
)

// Safety is the safety layer surface used remotely.
type Safety interface {
	IsSafeMode() bool
	IsEmergencyStop() bool
	State() safety.State
	SafeModeReason() string
	IsDetectionActive() bool
	WatchdogRemaining() time.Duration
	Voltage() int
	IsArmed() bool
}

// Button is the arm/disarm surface.
type Button interface {
	Arm() error
	Disarm()
	Mode() button.Mode
}

// LaserView reports laser state.
type LaserView interface {
	Snapshot() laser.Snapshot
}

// ServoView reports servo state.
type ServoView interface {
	Position() servo.Position
	IsHardwareOK() bool
}

// TargetView reports targeting state.
type TargetView interface {
	State() targeting.State
	CurrentTarget() (targeting.Target, bool)
}

// Views are optional read-only sources for Status.
type Views struct {
	Laser     LaserView
	Servo     ServoView
	Targeting TargetView
}

// Status is a point in time snapshot of the device.
type Status struct {
	At                time.Time         `json:"at"`
	Mode              button.Mode       `json:"mode"`
	Armed             bool              `json:"armed"`
	EmergencyStop     bool              `json:"emergency_stop"`
	Safety            safety.State      `json:"safety"`
	SafeModeReason    string            `json:"safe_mode_reason,omitempty"`
	Detection         bool              `json:"detection"`
	WatchdogRemaining time.Duration     `json:"watchdog_remaining"`
	VoltageMV         int               `json:"voltage_mv"`
	Laser             *laser.Snapshot   `json:"laser,omitempty"`
	Servo             *servo.Position   `json:"servo,omitempty"`
	ServoOK           bool              `json:"servo_ok"`
	Targeting         targeting.State   `json:"targeting"`
	Target            *targeting.Target `json:"target,omitempty"`
}

// Remote mediates remote requests.
type Remote struct {
	safety Safety
	button Button
	views  Views
	log    *slog.Logger
	now    func() time.Time
}

// NewRemote returns a remote surface.
func NewRemote(s Safety, b Button, views Views) *Remote {
	return &Remote{safety: s, button: b, views: views, log: log.Component("control"), now: time.Now}
}

// Arm arms the device unless safe mode or the emergency stop is active.
func (r *Remote) Arm() error {
	if r.safety.IsSafeMode() {
		r.log.Warn("remote arm refused", "reason", ReasonSafeMode)
		return ErrSafeMode
	}
	if r.safety.IsEmergencyStop() {
		r.log.Warn("remote arm refused", "reason", ReasonEmergencyStop)
		return ErrEmergencyStop
	}
	return r.button.Arm()
}

// Disarm disarms the device. It is always permitted and never clears an
// emergency stop.
func (r *Remote) Disarm() {
	r.button.Disarm()
}

// Reason maps an Arm error to its machine readable reason, or "" if it is
// not a policy refusal.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrSafeMode):
		return ReasonSafeMode
	case errors.Is(err, ErrEmergencyStop), errors.Is(err, button.ErrEmergencyStop):
		return ReasonEmergencyStop
	default:
		return ""
	}
}

// Status gathers a snapshot from every source.
func (r *Remote) Status() Status {
	st := Status{
		At:                r.now(),
		Mode:              r.button.Mode(),
		Armed:             r.safety.IsArmed(),
		EmergencyStop:     r.safety.IsEmergencyStop(),
		Safety:            r.safety.State(),
		SafeModeReason:    r.safety.SafeModeReason(),
		Detection:         r.safety.IsDetectionActive(),
		WatchdogRemaining: r.safety.WatchdogRemaining(),
		VoltageMV:         r.safety.Voltage(),
		ServoOK:           true,
	}
	if v := r.views.Laser; v != nil {
		snap := v.Snapshot()
		st.Laser = &snap
	}
	if v := r.views.Servo; v != nil {
		pos := v.Position()
		st.Servo = &pos
		st.ServoOK = v.IsHardwareOK()
	}
	if v := r.views.Targeting; v != nil {
		st.Targeting = v.State()
		if tg, ok := v.CurrentTarget(); ok {
			st.Target = &tg
		}
	}
	return st
}
