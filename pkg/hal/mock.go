package hal

import (
	"errors"
	"sync"
	"time"
)

// ErrInjected is the default error returned by failure injection.
var ErrInjected = errors.New("hal: injected failure")

// MockOutput records every Set call.
type MockOutput struct {
	mu      sync.Mutex
	on      bool
	history []bool
	failOn  error
	closed  bool
}

// NewMockOutput returns an inactive mock output.
func NewMockOutput() *MockOutput {
	return &MockOutput{}
}

// Set records the level. Activation fails while FailOn is set; deactivation
// always succeeds so a mock can never be stuck energised.
func (m *MockOutput) Set(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on && m.failOn != nil {
		return m.failOn
	}
	m.on = on
	m.history = append(m.history, on)
	return nil
}

// FailOn makes subsequent activations return err (nil clears).
func (m *MockOutput) FailOn(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn = err
}

// On reports the current level.
func (m *MockOutput) On() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// History returns a copy of all levels set.
func (m *MockOutput) History() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.history))
	copy(out, m.history)
	return out
}

// Close drives the output low.
func (m *MockOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.on = false
	m.closed = true
	return nil
}

// MockInput is a button whose state is set by the test.
type MockInput struct {
	mu      sync.Mutex
	pressed bool
	err     error
}

// NewMockInput returns a released mock button.
func NewMockInput() *MockInput {
	return &MockInput{}
}

// Press holds the button down.
func (m *MockInput) Press() { m.set(true) }

// Release lets the button go.
func (m *MockInput) Release() { m.set(false) }

func (m *MockInput) set(v bool) {
	m.mu.Lock()
	m.pressed = v
	m.mu.Unlock()
}

// FailRead makes Read return err (nil clears).
func (m *MockInput) FailRead(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Read returns the simulated state.
func (m *MockInput) Read() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressed, m.err
}

// Close is a no-op.
func (m *MockInput) Close() error { return nil }

// MockPWM records pulse widths. A stuck channel rejects every write, which
// the servo controller observes as a movement that never completes.
type MockPWM struct {
	mu     sync.Mutex
	pulses []time.Duration
	stuck  bool
}

// NewMockPWM returns a working mock channel.
func NewMockPWM() *MockPWM {
	return &MockPWM{}
}

// SetPulse records width.
func (m *MockPWM) SetPulse(width time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stuck {
		return ErrInjected
	}
	m.pulses = append(m.pulses, width)
	return nil
}

// SetStuck toggles failure of every write.
func (m *MockPWM) SetStuck(stuck bool) {
	m.mu.Lock()
	m.stuck = stuck
	m.mu.Unlock()
}

// Last returns the most recent pulse and whether any was written.
func (m *MockPWM) Last() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pulses) == 0 {
		return 0, false
	}
	return m.pulses[len(m.pulses)-1], true
}

// Pulses returns a copy of every pulse written.
func (m *MockPWM) Pulses() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.pulses))
	copy(out, m.pulses)
	return out
}

// Close is a no-op.
func (m *MockPWM) Close() error { return nil }

// Beep is one recorded tone.
type Beep struct {
	FreqHz   int
	Duration time.Duration
}

// MockTone records beeps.
type MockTone struct {
	mu    sync.Mutex
	beeps []Beep
}

// NewMockTone returns an empty recorder.
func NewMockTone() *MockTone {
	return &MockTone{}
}

// Beep records the tone.
func (m *MockTone) Beep(freqHz int, d time.Duration) error {
	m.mu.Lock()
	m.beeps = append(m.beeps, Beep{FreqHz: freqHz, Duration: d})
	m.mu.Unlock()
	return nil
}

// Beeps returns a copy of recorded tones.
func (m *MockTone) Beeps() []Beep {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Beep, len(m.beeps))
	copy(out, m.beeps)
	return out
}
