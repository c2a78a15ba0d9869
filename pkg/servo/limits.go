// Package servo drives the pan/tilt servos that aim the laser.
//
// Tilt is hard-clamped so the beam can never point above the horizon: every
// requested angle is clamped before it is queued, and every pulse width is
// clamped again when it is computed for the hardware.
package servo

import (
	"math"
	"time"
)

// Mechanical limits in degrees. Positive tilt is upward and never allowed.
const (
	PanMin  = -45.0
	PanMax  = 45.0
	TiltMin = -30.0
	TiltMax = 0.0

	HomePan  = 0.0
	HomeTilt = -15.0
)

// PWM timing for standard hobby servos.
const (
	Period      = 20 * time.Millisecond // 50 Hz
	PulseMin    = 1000 * time.Microsecond
	PulseMax    = 2000 * time.Microsecond
	PulseCenter = 1500 * time.Microsecond
)

// Axis identifies a servo.
type Axis int

const (
	AxisPan Axis = iota
	AxisTilt
)

func (a Axis) String() string {
	switch a {
	case AxisPan:
		return "pan"
	case AxisTilt:
		return "tilt"
	default:
		return "unknown"
	}
}

// MarshalText encodes the axis by name.
func (a Axis) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a Axis) limits() (min, max, home float64) {
	if a == AxisTilt {
		return TiltMin, TiltMax, HomeTilt
	}
	return PanMin, PanMax, HomePan
}

// clamp restricts v to the range [min, max].
func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Clamp restricts deg to the axis limits. NaN maps to the home angle.
func Clamp(axis Axis, deg float64) float64 {
	min, max, home := axis.limits()
	if math.IsNaN(deg) {
		return home
	}
	return clamp(deg, min, max)
}

// IsAngleValid reports whether deg is within the axis limits.
func IsAngleValid(axis Axis, deg float64) bool {
	min, max, _ := axis.limits()
	return !math.IsNaN(deg) && deg >= min && deg <= max
}

// AngleToPulse maps an angle linearly onto PulseMin..PulseMax across the
// axis range. The angle is clamped first, so the result is always safe.
func AngleToPulse(axis Axis, deg float64) time.Duration {
	min, max, _ := axis.limits()
	n := (Clamp(axis, deg) - min) / (max - min)
	return PulseMin + time.Duration(n*float64(PulseMax-PulseMin))
}

// PulseToAngle is the inverse of AngleToPulse.
func PulseToAngle(axis Axis, pulse time.Duration) float64 {
	min, max, _ := axis.limits()
	if pulse < PulseMin {
		pulse = PulseMin
	}
	if pulse > PulseMax {
		pulse = PulseMax
	}
	n := float64(pulse-PulseMin) / float64(PulseMax-PulseMin)
	return min + n*(max-min)
}
