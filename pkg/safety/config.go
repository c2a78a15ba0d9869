package safety

import (
	"fmt"
	"time"

	"github.com/teslashibe/apis-edge/pkg/laser"
)

// Hard limits.
const (
	// MaxContinuousOn must equal the laser controller's own limit.
	MaxContinuousOn = 10 * time.Second

	// AutoOffThreshold is when Update turns the laser off ahead of the
	// laser controller's backstop.
	AutoOffThreshold = MaxContinuousOn - 500*time.Millisecond

	// TiltMax is the highest permitted tilt. Positive is upward.
	TiltMax = 0.0

	WatchdogTimeout = 30 * time.Second
	WatchdogWarning = 25 * time.Second

	// UpdateInterval is the period of Run. It is independent of whatever
	// loop calls Feed.
	UpdateInterval = 100 * time.Millisecond

	MinVoltageMV     = 4500
	WarningVoltageMV = 4750
	NominalVoltageMV = 5000
)

// Compile-time check that both layers enforce the same on-time limit.
var _ = [1]struct{}{}[laser.MaxOnTime-MaxContinuousOn]

// Config holds safety thresholds. Values may only be stricter than the
// hard limits.
type Config struct {
	WatchdogTimeout  time.Duration `yaml:"watchdog_timeout" json:"watchdog_timeout"`
	WatchdogWarning  time.Duration `yaml:"watchdog_warning" json:"watchdog_warning"`
	AutoOffThreshold time.Duration `yaml:"auto_off_threshold" json:"auto_off_threshold"`
	MinVoltageMV     int           `yaml:"min_voltage_mv" json:"min_voltage_mv"`
	WarningVoltageMV int           `yaml:"warning_voltage_mv" json:"warning_voltage_mv"`
}

// DefaultConfig returns the hard limits.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout:  WatchdogTimeout,
		WatchdogWarning:  WatchdogWarning,
		AutoOffThreshold: AutoOffThreshold,
		MinVoltageMV:     MinVoltageMV,
		WarningVoltageMV: WarningVoltageMV,
	}
}

// Validate rejects any threshold looser than the hard limits.
func (c Config) Validate() error {
	if c.WatchdogTimeout <= 0 || c.WatchdogTimeout > WatchdogTimeout {
		return fmt.Errorf("safety: watchdog_timeout %v outside (0, %v]", c.WatchdogTimeout, WatchdogTimeout)
	}
	if c.WatchdogWarning <= 0 || c.WatchdogWarning >= c.WatchdogTimeout {
		return fmt.Errorf("safety: watchdog_warning %v must be below watchdog_timeout", c.WatchdogWarning)
	}
	if c.AutoOffThreshold <= 0 || c.AutoOffThreshold > AutoOffThreshold {
		return fmt.Errorf("safety: auto_off_threshold %v outside (0, %v]", c.AutoOffThreshold, AutoOffThreshold)
	}
	if c.MinVoltageMV < MinVoltageMV {
		return fmt.Errorf("safety: min_voltage_mv %d below %d", c.MinVoltageMV, MinVoltageMV)
	}
	if c.WarningVoltageMV < c.MinVoltageMV {
		return fmt.Errorf("safety: warning_voltage_mv %d below min_voltage_mv %d", c.WarningVoltageMV, c.MinVoltageMV)
	}
	return nil
}
