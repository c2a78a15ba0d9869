package safety

import "github.com/teslashibe/apis-edge/pkg/fault"

// Sentinel errors.
var (
	ErrNotInitialized  = fault.New(fault.ErrNotInitialized, "safety: layer not initialized")
	ErrEmergencyStop   = fault.New(fault.ErrCheckFailed, "safety: emergency stop active")
	ErrTiltUpward      = fault.New(fault.ErrCheckFailed, "safety: tilt points upward")
	ErrInvalidDuration = fault.New(fault.ErrInvalidParameter, "safety: activation duration must be positive")
)
