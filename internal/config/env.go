package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables read by ApplyEnv.
const (
	EnvMock        = "APIS_MOCK"
	EnvLogLevel    = "APIS_LOG_LEVEL"
	EnvAddr        = "APIS_ADDR"
	EnvDB          = "APIS_DB"
	EnvCalibration = "APIS_CALIBRATION"
	EnvLaserPin    = "APIS_LASER_PIN"
	EnvButtonPin   = "APIS_BUTTON_PIN"
	EnvControlTick = "APIS_CONTROL_TICK"
)

// ApplyEnv overrides settings from APIS_* environment variables.
func (d *Device) ApplyEnv() error {
	if v := os.Getenv(EnvMock); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &Error{Field: EnvMock, Message: fmt.Sprintf("not a boolean: %q", v)}
		}
		d.Hardware.Mock = b
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		d.LogLevel = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		d.Web.Addr = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		d.EventLog.Path = v
	}
	if v := os.Getenv(EnvCalibration); v != "" {
		d.CalibrationPath = v
	}
	if v := os.Getenv(EnvLaserPin); v != "" {
		d.Hardware.LaserPin = v
	}
	if v := os.Getenv(EnvButtonPin); v != "" {
		d.Hardware.ButtonPin = v
	}
	if v := os.Getenv(EnvControlTick); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return &Error{Field: EnvControlTick, Message: err.Error()}
		}
		d.ControlTick = dur
	}
	return nil
}
