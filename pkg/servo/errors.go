package servo

import "github.com/teslashibe/apis-edge/pkg/fault"

// Sentinel errors.
var (
	ErrNotInitialized = fault.New(fault.ErrNotInitialized, "servo: controller closed")
	ErrHardwareFault  = fault.New(fault.ErrHardwareFailure, "servo: hardware fault latched")
	ErrMoveTimeout    = fault.New(fault.ErrTimeout, "servo: movement did not complete")
	ErrInvalidAngle   = fault.New(fault.ErrInvalidParameter, "servo: angle is not a number")
)
