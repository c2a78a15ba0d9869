package button

import (
	"fmt"
	"time"
)

// Buzzer tones.
const (
	ArmFreq           = 1000
	ArmDuration       = 100 * time.Millisecond
	DisarmFreq        = 500
	DisarmDuration    = 200 * time.Millisecond
	EmergencyFreq     = 2000
	EmergencyDuration = 500 * time.Millisecond
)

// Config holds press timing.
type Config struct {
	Debounce      time.Duration `yaml:"debounce" json:"debounce"`
	ShortPressMax time.Duration `yaml:"short_press_max" json:"short_press_max"`
	LongPress     time.Duration `yaml:"long_press" json:"long_press"`
	UndoWindow    time.Duration `yaml:"undo_window" json:"undo_window"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Buzzer        bool          `yaml:"buzzer" json:"buzzer"`
}

// DefaultConfig returns the standard timing with the buzzer enabled.
func DefaultConfig() Config {
	return Config{
		Debounce:      50 * time.Millisecond,
		ShortPressMax: time.Second,
		LongPress:     3 * time.Second,
		UndoWindow:    2 * time.Second,
		PollInterval:  10 * time.Millisecond,
		Buzzer:        true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Debounce <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("button: debounce and poll_interval must be positive")
	}
	if c.ShortPressMax <= c.Debounce {
		return fmt.Errorf("button: short_press_max %v must exceed debounce %v", c.ShortPressMax, c.Debounce)
	}
	if c.LongPress <= c.ShortPressMax {
		return fmt.Errorf("button: long_press %v must exceed short_press_max %v", c.LongPress, c.ShortPressMax)
	}
	if c.UndoWindow < 0 {
		return fmt.Errorf("button: undo_window must not be negative")
	}
	return nil
}
