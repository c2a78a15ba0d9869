// Package laser owns the laser MOSFET gate and enforces its timing rules
// independently of any caller: a hard maximum continuous on-time, a cooldown
// between activations, an arm flag and a sticky kill switch.
package laser

import (
	"fmt"
	"time"
)

// Hard limits. Config may tighten these but never loosen them.
const (
	// MaxOnTime is the longest the laser may stay on continuously.
	MaxOnTime = 10 * time.Second

	// Cooldown is the minimum off time between activations.
	Cooldown = 5 * time.Second

	// MinPulse is the shortest accepted timed pulse.
	MinPulse = 50 * time.Millisecond

	// DefaultTickInterval is how often Run calls Update.
	DefaultTickInterval = 10 * time.Millisecond
)

// Config holds laser timing configuration.
type Config struct {
	MaxOnTime    time.Duration `yaml:"max_on_time" json:"max_on_time"`
	Cooldown     time.Duration `yaml:"cooldown" json:"cooldown"`
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
}

// DefaultConfig returns the compiled-in limits.
func DefaultConfig() Config {
	return Config{
		MaxOnTime:    MaxOnTime,
		Cooldown:     Cooldown,
		TickInterval: DefaultTickInterval,
	}
}

// Validate rejects any setting looser than the hard limits.
func (c Config) Validate() error {
	if c.MaxOnTime <= 0 || c.MaxOnTime > MaxOnTime {
		return fmt.Errorf("laser: max_on_time %v outside (0, %v]", c.MaxOnTime, MaxOnTime)
	}
	if c.Cooldown < Cooldown {
		return fmt.Errorf("laser: cooldown %v below minimum %v", c.Cooldown, Cooldown)
	}
	if c.TickInterval <= 0 || c.TickInterval > time.Second {
		return fmt.Errorf("laser: tick_interval %v outside (0, 1s]", c.TickInterval)
	}
	return nil
}
