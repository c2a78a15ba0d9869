// Package led drives the RGB status indicator.
//
// Several states can be active at once; the highest priority one is shown.
// A detection flash overrides everything but errors for a short time.
package led

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/hal"
)

// Pattern timing.
const (
	Tick             = 50 * time.Millisecond
	DetectionFlash   = 200 * time.Millisecond
	BootPeriod       = 2 * time.Second
	ErrorBlinkPeriod = time.Second
	ServoFaultPeriod = 250 * time.Millisecond
)

const stateCount = int(StateError) + 1

// State is an indicator state. Higher values win.
type State int

const (
	StateOff State = iota
	StateBoot
	StateDisarmed
	StateArmed
	StateDetection
	StateServoFault
	StateError
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateBoot:
		return "boot"
	case StateDisarmed:
		return "disarmed"
	case StateArmed:
		return "armed"
	case StateDetection:
		return "detection"
	case StateServoFault:
		return "servo_fault"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Color is an on/off RGB value.
type Color struct {
	R, G, B bool
}

// Colors used by the patterns.
var (
	Off    = Color{}
	Red    = Color{R: true}
	Green  = Color{G: true}
	Blue   = Color{B: true}
	Yellow = Color{R: true, G: true}
	White  = Color{R: true, G: true, B: true}
)

// Controller renders the active state onto three GPIO lines.
type Controller struct {
	red, green, blue hal.Output
	log              *slog.Logger
	now              func() time.Time

	mu        sync.Mutex
	active    uint32
	start     time.Time
	flashEnd  time.Time
	shown     Color
	written   bool
	writeErrs uint64
}

// New returns a controller. green and blue may be nil on single colour
// boards; those channels are then skipped.
func New(red, green, blue hal.Output) *Controller {
	c := &Controller{
		red:   red,
		green: green,
		blue:  blue,
		log:   log.Component("led"),
		now:   time.Now,
	}
	c.start = c.now()
	return c
}

// Set activates a state.
func (c *Controller) Set(s State) {
	if s <= StateOff || int(s) >= stateCount {
		return
	}
	c.mu.Lock()
	c.active |= 1 << uint(s)
	c.mu.Unlock()
}

// Clear deactivates a state.
func (c *Controller) Clear(s State) {
	if s <= StateOff || int(s) >= stateCount {
		return
	}
	c.mu.Lock()
	c.active &^= 1 << uint(s)
	c.mu.Unlock()
}

// SetArmed switches between the armed and disarmed states.
func (c *Controller) SetArmed(armed bool) {
	c.mu.Lock()
	c.active &^= 1<<uint(StateArmed) | 1<<uint(StateDisarmed) | 1<<uint(StateBoot)
	if armed {
		c.active |= 1 << uint(StateArmed)
	} else {
		c.active |= 1 << uint(StateDisarmed)
	}
	c.mu.Unlock()
}

// IsActive reports whether s is set.
func (c *Controller) IsActive(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active&(1<<uint(s)) != 0
}

// FlashDetection shows the detection colour briefly.
func (c *Controller) FlashDetection() {
	c.mu.Lock()
	c.flashEnd = c.now().Add(DetectionFlash)
	c.mu.Unlock()
}

// Current returns the state being shown.
func (c *Controller) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(c.now())
}

func (c *Controller) currentLocked(now time.Time) State {
	top := StateOff
	for s := StateError; s > StateOff; s-- {
		if c.active&(1<<uint(s)) != 0 {
			top = s
			break
		}
	}
	if now.Before(c.flashEnd) && top < StateDetection {
		return StateDetection
	}
	return top
}

// Color returns the colour the pattern calls for right now.
func (c *Controller) Color() Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.colorLocked(c.now())
}

func (c *Controller) colorLocked(now time.Time) Color {
	elapsed := now.Sub(c.start)
	switch c.currentLocked(now) {
	case StateBoot:
		// Breathing is approximated by a slow blink.
		if elapsed%BootPeriod < BootPeriod/2 {
			return Blue
		}
		return Off
	case StateDisarmed:
		return Yellow
	case StateArmed:
		return Green
	case StateDetection:
		return White
	case StateServoFault:
		if elapsed%ServoFaultPeriod < ServoFaultPeriod/2 {
			return Red
		}
		return Blue
	case StateError:
		if elapsed%ErrorBlinkPeriod < ErrorBlinkPeriod/2 {
			return Red
		}
		return Off
	default:
		return Off
	}
}

// Render writes the current colour if it changed.
func (c *Controller) Render() {
	c.mu.Lock()
	col := c.colorLocked(c.now())
	if c.written && col == c.shown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	err := c.write(col)

	c.mu.Lock()
	if err != nil {
		c.writeErrs++
		c.written = false
	} else {
		c.shown = col
		c.written = true
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("led write failed", "error", err)
	}
}

func (c *Controller) write(col Color) error {
	var firstErr error
	for _, ch := range []struct {
		out hal.Output
		on  bool
	}{{c.red, col.R}, {c.green, col.G}, {c.blue, col.B}} {
		if ch.out == nil {
			continue
		}
		if err := ch.out.Set(ch.on); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteErrors returns how many renders failed.
func (c *Controller) WriteErrors() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErrs
}

// Run renders the pattern until ctx is cancelled, then turns the LED off.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()
	c.Render()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			c.Render()
		}
	}
}

// Close turns every channel off.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.active = 0
	c.flashEnd = time.Time{}
	c.mu.Unlock()
	err := c.write(Off)
	c.mu.Lock()
	c.shown, c.written = Off, err == nil
	c.mu.Unlock()
	return err
}
