package hal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DefaultPWMChip is the Raspberry Pi 5 PWM chip carrying GPIO18/19.
const DefaultPWMChip = "/sys/class/pwm/pwmchip2"

// exportWait bounds how long we wait for udev to create the channel directory.
const exportWait = time.Second

// SysfsPWM drives one channel of a kernel PWM chip.
type SysfsPWM struct {
	mu      sync.Mutex
	chip    string
	channel int
	dir     string
	closed  bool
}

// OpenSysfsPWM exports channel on chip, sets the period and enables output
// with a zero duty cycle.
func OpenSysfsPWM(chip string, channel int, period time.Duration) (*SysfsPWM, error) {
	dir := filepath.Join(chip, fmt.Sprintf("pwm%d", channel))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := writeAttr(filepath.Join(chip, "export"), strconv.Itoa(channel)); err != nil {
			return nil, err
		}
		if err := waitForDir(dir, exportWait); err != nil {
			return nil, err
		}
	}

	p := &SysfsPWM{chip: chip, channel: channel, dir: dir}
	if err := writeAttr(filepath.Join(dir, "duty_cycle"), "0"); err != nil {
		return nil, err
	}
	if err := writeAttr(filepath.Join(dir, "period"), strconv.FormatInt(period.Nanoseconds(), 10)); err != nil {
		return nil, err
	}
	if err := writeAttr(filepath.Join(dir, "enable"), "1"); err != nil {
		return nil, err
	}
	return p, nil
}

// SetPulse writes the duty cycle.
func (p *SysfsPWM) SetPulse(width time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return writeAttr(filepath.Join(p.dir, "duty_cycle"), strconv.FormatInt(width.Nanoseconds(), 10))
}

// Close disables and unexports the channel.
func (p *SysfsPWM) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := writeAttr(filepath.Join(p.dir, "enable"), "0"); err != nil {
		return err
	}
	return writeAttr(filepath.Join(p.chip, "unexport"), strconv.Itoa(p.channel))
}

func writeAttr(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("hal: write %s: %w", path, err)
	}
	return nil
}

func waitForDir(dir string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(dir); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("hal: %s did not appear after export", dir)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
