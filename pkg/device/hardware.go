package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/teslashibe/apis-edge/internal/config"
	"github.com/teslashibe/apis-edge/pkg/hal"
	"github.com/teslashibe/apis-edge/pkg/servo"
)

// hardware holds the opened lines. Controllers close the lines they own;
// closers lists the rest.
type hardware struct {
	mock bool

	laser     hal.Output
	pan, tilt hal.PWM
	button    hal.Input
	buzzer    hal.Tone

	red, green, blue hal.Output

	closers []io.Closer
}

func (h *hardware) close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

func mockHardware() *hardware {
	return &hardware{
		mock:   true,
		laser:  hal.NewMockOutput(),
		pan:    hal.NewMockPWM(),
		tilt:   hal.NewMockPWM(),
		button: hal.NewMockInput(),
		buzzer: hal.NewMockTone(),
		red:    hal.NewMockOutput(),
		green:  hal.NewMockOutput(),
		blue:   hal.NewMockOutput(),
	}
}

// openHardware opens the real lines. With AllowMock set a failure falls
// back to mocks instead of aborting.
func openHardware(cfg config.Hardware, log *slog.Logger) (*hardware, error) {
	if cfg.Mock {
		log.Info("using mock hardware")
		return mockHardware(), nil
	}
	hw, err := openReal(cfg)
	if err == nil {
		return hw, nil
	}
	if !cfg.AllowMock {
		return nil, err
	}
	log.Warn("hardware unavailable, falling back to mocks", "error", err)
	return mockHardware(), nil
}

func openReal(cfg config.Hardware) (*hardware, error) {
	hw := &hardware{}
	if err := hw.open(cfg); err != nil {
		hw.closeLines()
		return nil, err
	}
	return hw, nil
}

func (hw *hardware) open(cfg config.Hardware) error {
	if err := hal.Init(); err != nil {
		return fmt.Errorf("gpio host: %w", err)
	}

	laser, err := hal.OpenOutput(cfg.LaserPin, cfg.LaserActiveLow)
	if err != nil {
		return fmt.Errorf("laser line: %w", err)
	}
	hw.laser = laser

	btn, err := hal.OpenInput(cfg.ButtonPin)
	if err != nil {
		return fmt.Errorf("button line: %w", err)
	}
	hw.button = btn

	pan, err := hal.OpenSysfsPWM(cfg.PWMChip, cfg.PanChannel, servo.Period)
	if err != nil {
		return fmt.Errorf("pan servo: %w", err)
	}
	hw.pan = pan

	tilt, err := hal.OpenSysfsPWM(cfg.PWMChip, cfg.TiltChannel, servo.Period)
	if err != nil {
		return fmt.Errorf("tilt servo: %w", err)
	}
	hw.tilt = tilt

	if cfg.BuzzerPin != "" {
		bz, err := hal.OpenBuzzer(cfg.BuzzerPin)
		if err != nil {
			return fmt.Errorf("buzzer: %w", err)
		}
		hw.buzzer = bz
		hw.closers = append(hw.closers, bz)
	}

	for _, ch := range []struct {
		pin string
		dst *hal.Output
	}{
		{cfg.LEDRedPin, &hw.red},
		{cfg.LEDGreenPin, &hw.green},
		{cfg.LEDBluePin, &hw.blue},
	} {
		if ch.pin == "" {
			continue
		}
		out, err := hal.OpenOutput(ch.pin, false)
		if err != nil {
			return fmt.Errorf("led %s: %w", ch.pin, err)
		}
		*ch.dst = out
		hw.closers = append(hw.closers, out)
	}
	return nil
}

// closeLines releases every line of a partially opened set.
func (hw *hardware) closeLines() {
	for _, c := range []io.Closer{hw.laser, hw.button, hw.pan, hw.tilt} {
		if c != nil {
			c.Close()
		}
	}
	hw.close()
}
