package safety

import (
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/teslashibe/apis-edge/pkg/fault"
)

// Check is a bitmask of policy checks.
type Check uint32

const (
	CheckArmed Check = 1 << iota
	CheckDetection
	CheckTilt
	CheckTime
	CheckKillSwitch
	CheckWatchdog
	CheckBrownout

	CheckAll Check = 0x7F
)

var checkNames = []struct {
	c    Check
	name string
}{
	{CheckArmed, "armed"},
	{CheckDetection, "detection"},
	{CheckTilt, "tilt"},
	{CheckTime, "time"},
	{CheckKillSwitch, "kill_switch"},
	{CheckWatchdog, "watchdog"},
	{CheckBrownout, "brownout"},
}

func (c Check) String() string {
	if c == 0 {
		return "none"
	}
	if c == CheckAll {
		return "all"
	}
	var parts []string
	for _, n := range checkNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// MarshalText encodes the mask as names joined by "|".
func (c Check) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Status summarises a check result.
type Status int

const (
	StatusOK Status = iota
	StatusNotInitialized
	StatusNotArmed
	StatusNoDetection
	StatusTiltUpward
	StatusTimeExceeded
	StatusKillSwitch
	StatusWatchdog
	StatusBrownout
	StatusSafeMode
	StatusMultiple
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotInitialized:
		return "not_initialized"
	case StatusNotArmed:
		return "not_armed"
	case StatusNoDetection:
		return "no_detection"
	case StatusTiltUpward:
		return "tilt_upward"
	case StatusTimeExceeded:
		return "time_exceeded"
	case StatusKillSwitch:
		return "kill_switch"
	case StatusWatchdog:
		return "watchdog"
	case StatusBrownout:
		return "brownout"
	case StatusSafeMode:
		return "safe_mode"
	case StatusMultiple:
		return "multiple"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// statusFor maps a failed mask to its status. More than one failure
// reports StatusMultiple.
func statusFor(failed Check) Status {
	if failed == 0 {
		return StatusOK
	}
	if bits.OnesCount32(uint32(failed)) > 1 {
		return StatusMultiple
	}
	switch failed {
	case CheckArmed:
		return StatusNotArmed
	case CheckDetection:
		return StatusNoDetection
	case CheckTilt:
		return StatusTiltUpward
	case CheckTime:
		return StatusTimeExceeded
	case CheckKillSwitch:
		return StatusKillSwitch
	case CheckWatchdog:
		return StatusWatchdog
	default:
		return StatusBrownout
	}
}

// Result is the outcome of one Check call, with the values it was judged on.
type Result struct {
	Status            Status        `json:"status"`
	Failed            Check         `json:"failed"`
	Armed             bool          `json:"armed"`
	Detection         bool          `json:"detection"`
	KillSwitch        bool          `json:"kill_switch"`
	TiltDeg           float64       `json:"tilt_deg"`
	OnTime            time.Duration `json:"on_time"`
	WatchdogRemaining time.Duration `json:"watchdog_remaining"`
	VoltageMV         int           `json:"voltage_mv"`
}

// OK reports whether every requested check passed.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Err returns a *CheckError for a failed result, or nil.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	if r.Status == StatusNotInitialized {
		return ErrNotInitialized
	}
	return &CheckError{Result: r}
}

// CheckError reports a refused activation. It unwraps to
// fault.ErrCheckFailed.
type CheckError struct {
	Result Result
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("safety: check failed: %s (failed: %s)", e.Result.Status, e.Result.Failed)
}

func (e *CheckError) Unwrap() error {
	return fault.ErrCheckFailed
}

// State is the global fail-safe mode.
type State int

const (
	StateNormal State = iota
	StateWarning
	StateSafeMode
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateSafeMode:
		return "safe_mode"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
