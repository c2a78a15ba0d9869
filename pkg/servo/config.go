package servo

import (
	"fmt"
	"time"
)

// Config holds movement and watchdog timing.
type Config struct {
	// MoveTime is the interpolated duration of one move.
	MoveTime time.Duration `yaml:"move_time" json:"move_time"`

	// Tick is the interpolation step interval.
	Tick time.Duration `yaml:"tick" json:"tick"`

	// WatchdogInterval is how often movement progress is checked.
	WatchdogInterval time.Duration `yaml:"watchdog_interval" json:"watchdog_interval"`

	// StallFactor is how many MoveTimes a move may take before a check fails.
	StallFactor int `yaml:"stall_factor" json:"stall_factor"`

	// FailureThreshold is the number of consecutive failed checks that
	// raises a hardware fault.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
}

// DefaultConfig returns the standard servo timing.
func DefaultConfig() Config {
	return Config{
		MoveTime:         45 * time.Millisecond,
		Tick:             5 * time.Millisecond,
		WatchdogInterval: 100 * time.Millisecond,
		StallFactor:      4,
		FailureThreshold: 3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("servo: tick must be positive")
	}
	if c.MoveTime < c.Tick {
		return fmt.Errorf("servo: move_time %v shorter than tick %v", c.MoveTime, c.Tick)
	}
	if c.WatchdogInterval < c.Tick {
		return fmt.Errorf("servo: watchdog_interval %v shorter than tick %v", c.WatchdogInterval, c.Tick)
	}
	if c.StallFactor < 1 || c.FailureThreshold < 1 {
		return fmt.Errorf("servo: stall_factor and failure_threshold must be >= 1")
	}
	return nil
}

func (c Config) steps() int {
	n := int(c.MoveTime / c.Tick)
	if n < 1 {
		return 1
	}
	return n
}
