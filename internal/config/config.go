// Package config loads the device configuration.
//
// Values come from the compiled defaults, then an optional YAML file, then
// APIS_* environment variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/apis-edge/pkg/button"
	"github.com/teslashibe/apis-edge/pkg/geometry"
	"github.com/teslashibe/apis-edge/pkg/laser"
	"github.com/teslashibe/apis-edge/pkg/safety"
	"github.com/teslashibe/apis-edge/pkg/servo"
	"github.com/teslashibe/apis-edge/pkg/targeting"
	"github.com/teslashibe/apis-edge/pkg/web"
)

// Default locations.
const (
	DefaultPath     = "/etc/apis/device.yaml"
	DefaultDBPath   = "/var/lib/apis/events.db"
	DefaultAddr     = ":8080"
	DefaultLogLevel = "info"
)

// Hardware names the GPIO lines and PWM channels.
type Hardware struct {
	// Mock uses in-memory hardware.
	Mock bool `yaml:"mock"`
	// AllowMock falls back to mocks when real hardware cannot be opened.
	AllowMock bool `yaml:"allow_mock"`

	LaserPin       string `yaml:"laser_pin"`
	LaserActiveLow bool   `yaml:"laser_active_low"`
	ButtonPin      string `yaml:"button_pin"`
	BuzzerPin      string `yaml:"buzzer_pin"`
	LEDRedPin      string `yaml:"led_red_pin"`
	LEDGreenPin    string `yaml:"led_green_pin"`
	LEDBluePin     string `yaml:"led_blue_pin"`

	PWMChip     string `yaml:"pwm_chip"`
	PanChannel  int    `yaml:"pan_channel"`
	TiltChannel int    `yaml:"tilt_channel"`
}

// EventLog configures the audit trail.
type EventLog struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// Device is the full device configuration.
type Device struct {
	LogLevel        string        `yaml:"log_level"`
	ControlTick     time.Duration `yaml:"control_tick"`
	CalibrationPath string        `yaml:"calibration_path"`

	Hardware  Hardware         `yaml:"hardware"`
	Laser     laser.Config     `yaml:"laser"`
	Servo     servo.Config     `yaml:"servo"`
	Button    button.Config    `yaml:"button"`
	Safety    safety.Config    `yaml:"safety"`
	Targeting targeting.Config `yaml:"targeting"`
	Camera    geometry.Camera  `yaml:"camera"`
	Web       web.Config       `yaml:"web"`
	EventLog  EventLog         `yaml:"event_log"`
}

// Default returns the configuration for a Raspberry Pi unit.
func Default() Device {
	return Device{
		LogLevel:        DefaultLogLevel,
		ControlTick:     50 * time.Millisecond,
		CalibrationPath: geometry.DefaultCalibrationPath,
		Hardware: Hardware{
			LaserPin:    "GPIO23",
			ButtonPin:   "GPIO17",
			BuzzerPin:   "GPIO27",
			LEDRedPin:   "GPIO24",
			LEDGreenPin: "GPIO25",
			LEDBluePin:  "GPIO12",
			PWMChip:     "pwmchip0",
			PanChannel:  0,
			TiltChannel: 1,
		},
		Laser:     laser.DefaultConfig(),
		Servo:     servo.DefaultConfig(),
		Button:    button.DefaultConfig(),
		Safety:    safety.DefaultConfig(),
		Targeting: targeting.DefaultConfig(),
		Camera:    geometry.DefaultCamera(),
		Web:       web.Config{Addr: DefaultAddr},
		EventLog:  EventLog{Path: DefaultDBPath, Retention: 30 * 24 * time.Hour},
	}
}

// Error describes an invalid setting.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Load reads path over the defaults. A missing file is not an error when
// path is the default location.
func Load(path string) (Device, error) {
	d := Default()
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return d, nil
		}
		return d, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse config %s: %w", path, err)
	}
	return d, nil
}

// Validate checks every section.
func (d Device) Validate() error {
	switch d.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Field: "log_level", Message: fmt.Sprintf("unknown level %q", d.LogLevel)}
	}
	if d.ControlTick <= 0 || d.ControlTick > time.Second {
		return &Error{Field: "control_tick", Message: "must be in (0, 1s]"}
	}
	// The main loop feeds the watchdog, so it must run well inside it.
	if d.ControlTick*10 > d.Safety.WatchdogTimeout {
		return &Error{Field: "control_tick", Message: "too slow for the safety watchdog"}
	}
	if !d.Hardware.Mock {
		for field, pin := range map[string]string{
			"hardware.laser_pin":  d.Hardware.LaserPin,
			"hardware.button_pin": d.Hardware.ButtonPin,
			"hardware.pwm_chip":   d.Hardware.PWMChip,
		} {
			if pin == "" {
				return &Error{Field: field, Message: "required"}
			}
		}
		if d.Hardware.PanChannel == d.Hardware.TiltChannel {
			return &Error{Field: "hardware.tilt_channel", Message: "must differ from pan_channel"}
		}
	}
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"laser", d.Laser},
		{"servo", d.Servo},
		{"button", d.Button},
		{"safety", d.Safety},
		{"targeting", d.Targeting},
		{"camera", d.Camera},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return &Error{Field: s.name, Message: err.Error()}
		}
	}
	if d.Web.Addr == "" {
		return &Error{Field: "web.addr", Message: "required"}
	}
	if d.EventLog.Retention < 0 {
		return &Error{Field: "event_log.retention", Message: "must not be negative"}
	}
	return nil
}
