// Package hal abstracts the device hardware lines driven by the control core:
// the laser MOSFET gate, the arm/stop button, the pan/tilt servo PWM channels,
// the status LED channels and the piezo buzzer.
//
// Real backends use periph.io for GPIO and the kernel sysfs PWM class for the
// servo channels. Mock backends record every call and support failure
// injection for tests and bench runs without hardware.
package hal

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed line.
var ErrClosed = errors.New("hal: line closed")

// Output is a digital output line.
type Output interface {
	// Set drives the line. on=true means the load is energised,
	// independent of the electrical polarity.
	Set(on bool) error
	Close() error
}

// Input is a digital input line.
type Input interface {
	// Read reports whether the input is active (button pressed).
	Read() (bool, error)
	Close() error
}

// PWM is a servo-style PWM channel with a fixed period.
type PWM interface {
	// SetPulse sets the high time of each period.
	SetPulse(width time.Duration) error
	Close() error
}

// Tone plays a beep without blocking the caller.
type Tone interface {
	Beep(freqHz int, d time.Duration) error
}

// Compile-time interface checks.
var (
	_ Output = (*MockOutput)(nil)
	_ Input  = (*MockInput)(nil)
	_ PWM    = (*MockPWM)(nil)
	_ Tone   = (*MockTone)(nil)
	_ PWM    = (*SysfsPWM)(nil)
	_ Output = (*GPIOOutput)(nil)
	_ Input  = (*GPIOInput)(nil)
	_ Tone   = (*GPIOBuzzer)(nil)
)
