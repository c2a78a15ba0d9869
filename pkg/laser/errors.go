package laser

import "github.com/teslashibe/apis-edge/pkg/fault"

// Sentinel errors.
var (
	ErrNotInitialized = fault.New(fault.ErrNotInitialized, "laser: controller closed")
	ErrNotArmed       = fault.New(fault.ErrCheckFailed, "laser: not armed")
	ErrCooldown       = fault.New(fault.ErrCheckFailed, "laser: cooling down")
	ErrKillSwitch     = fault.New(fault.ErrCheckFailed, "laser: kill switch engaged")
	ErrAlreadyKilled  = fault.New(fault.ErrAlreadyKilled, "laser: kill switch already engaged")
	ErrHardware       = fault.New(fault.ErrHardwareFailure, "laser: drive failure")
	ErrInvalidPulse   = fault.New(fault.ErrInvalidParameter, "laser: pulse shorter than minimum")
)
