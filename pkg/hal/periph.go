package hal

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var (
	hostOnce sync.Once
	hostErr  error
)

// Init loads the periph.io host drivers. Safe to call more than once.
func Init() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

func pinByName(name string) (gpio.PinIO, error) {
	if err := Init(); err != nil {
		return nil, fmt.Errorf("hal: host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("hal: no such gpio %q", name)
	}
	return p, nil
}

// GPIOOutput drives a GPIO pin.
type GPIOOutput struct {
	pin       gpio.PinIO
	activeLow bool
}

// OpenOutput opens name (e.g. "GPIO23") as an output, driven inactive.
func OpenOutput(name string, activeLow bool) (*GPIOOutput, error) {
	p, err := pinByName(name)
	if err != nil {
		return nil, err
	}
	o := &GPIOOutput{pin: p, activeLow: activeLow}
	if err := o.Set(false); err != nil {
		return nil, err
	}
	return o, nil
}

// Set drives the pin.
func (o *GPIOOutput) Set(on bool) error {
	level := gpio.Level(on != o.activeLow)
	if err := o.pin.Out(level); err != nil {
		return fmt.Errorf("hal: %s out: %w", o.pin.Name(), err)
	}
	return nil
}

// Close drives the pin inactive and releases it.
func (o *GPIOOutput) Close() error {
	if err := o.Set(false); err != nil {
		return err
	}
	return o.pin.Halt()
}

// GPIOInput reads an active-low push button with the internal pull-up enabled.
type GPIOInput struct {
	pin gpio.PinIO
}

// OpenInput opens name as a pulled-up input.
func OpenInput(name string) (*GPIOInput, error) {
	p, err := pinByName(name)
	if err != nil {
		return nil, err
	}
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("hal: %s in: %w", name, err)
	}
	return &GPIOInput{pin: p}, nil
}

// Read reports true while the button pulls the line low.
func (i *GPIOInput) Read() (bool, error) {
	return i.pin.Read() == gpio.Low, nil
}

// Close releases the pin.
func (i *GPIOInput) Close() error {
	return i.pin.Halt()
}

// GPIOBuzzer plays tones on a piezo through hardware PWM.
type GPIOBuzzer struct {
	mu    sync.Mutex
	pin   gpio.PinIO
	timer *time.Timer
}

// OpenBuzzer opens name as a buzzer output.
func OpenBuzzer(name string) (*GPIOBuzzer, error) {
	p, err := pinByName(name)
	if err != nil {
		return nil, err
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("hal: %s out: %w", name, err)
	}
	return &GPIOBuzzer{pin: p}, nil
}

// Beep starts a square wave at freqHz and stops it after d.
func (b *GPIOBuzzer) Beep(freqHz int, d time.Duration) error {
	if freqHz <= 0 || d <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}
	if err := b.pin.PWM(gpio.DutyHalf, physic.Frequency(freqHz)*physic.Hertz); err != nil {
		return fmt.Errorf("hal: buzzer pwm: %w", err)
	}
	b.timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		_ = b.pin.Out(gpio.Low)
	})
	return nil
}

// Close silences the buzzer.
func (b *GPIOBuzzer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	return b.pin.Out(gpio.Low)
}
