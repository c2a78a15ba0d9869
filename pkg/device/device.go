// Package device assembles the control core: it opens the hardware,
// constructs every controller once, wires their callbacks to the audit
// log, status LED and web streams, and runs the loops.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/apis-edge/internal/config"
	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/button"
	"github.com/teslashibe/apis-edge/pkg/control"
	"github.com/teslashibe/apis-edge/pkg/eventlog"
	"github.com/teslashibe/apis-edge/pkg/geometry"
	"github.com/teslashibe/apis-edge/pkg/hal"
	"github.com/teslashibe/apis-edge/pkg/laser"
	"github.com/teslashibe/apis-edge/pkg/led"
	"github.com/teslashibe/apis-edge/pkg/safety"
	"github.com/teslashibe/apis-edge/pkg/servo"
	"github.com/teslashibe/apis-edge/pkg/targeting"
	"github.com/teslashibe/apis-edge/pkg/web"
)

const (
	// statusEvery is how many control ticks pass between status frames.
	statusEvery = 10

	// detectionBuffer is the depth of the frame input channel.
	detectionBuffer = 4
)

// Device owns every controller.
type Device struct {
	cfg config.Device
	log *slog.Logger
	hw  *hardware

	laser     *laser.Controller
	servo     *servo.Controller
	button    *button.Handler
	safety    *safety.Layer
	mapper    *geometry.Mapper
	targeting *targeting.Controller
	led       *led.Controller
	events    *eventlog.Log
	remote    *control.Remote
	web       *web.Server

	detections chan []targeting.Detection
	ticks      uint64

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the hardware and builds the controllers. cfg must already be
// validated. An empty EventLog.Path runs without an audit log.
func New(cfg config.Device) (*Device, error) {
	d := &Device{
		cfg:        cfg,
		log:        log.Component("device"),
		detections: make(chan []targeting.Detection, detectionBuffer),
	}

	hw, err := openHardware(cfg.Hardware, d.log)
	if err != nil {
		return nil, err
	}
	d.hw = hw

	if err := d.build(); err != nil {
		d.closePartial()
		return nil, err
	}
	d.wire()
	return d, nil
}

// build constructs the modules in dependency order.
func (d *Device) build() error {
	var err error
	cfg := d.cfg

	if d.laser, err = laser.New(cfg.Laser, d.hw.laser); err != nil {
		return fmt.Errorf("laser: %w", err)
	}
	if d.servo, err = servo.New(cfg.Servo, d.hw.pan, d.hw.tilt, d.laser); err != nil {
		return fmt.Errorf("servo: %w", err)
	}
	var buzzer hal.Tone
	if cfg.Button.Buzzer {
		buzzer = d.hw.buzzer
	}
	if d.button, err = button.New(cfg.Button, d.hw.button, d.laser, buzzer); err != nil {
		return fmt.Errorf("button: %w", err)
	}
	d.safety, err = safety.New(cfg.Safety, safety.Deps{
		Laser:  d.laser,
		Servo:  d.servo,
		Button: d.button,
	})
	if err != nil {
		return fmt.Errorf("safety: %w", err)
	}
	d.servo.SetFailsafe(d.safety)
	d.button.SetResetter(d.safety)

	if d.mapper, err = geometry.NewMapper(cfg.Camera); err != nil {
		return fmt.Errorf("geometry: %w", err)
	}
	d.loadCalibration()

	d.targeting, err = targeting.New(cfg.Targeting, targeting.Deps{
		Servo:  d.servo,
		Safety: d.safety,
		Laser:  d.laser,
		Mapper: d.mapper,
	})
	if err != nil {
		return fmt.Errorf("targeting: %w", err)
	}

	red := d.hw.red
	if red == nil {
		red = hal.NewMockOutput()
	}
	d.led = led.New(red, d.hw.green, d.hw.blue)
	d.led.Set(led.StateBoot)

	if cfg.EventLog.Path != "" {
		if d.events, err = eventlog.Open(cfg.EventLog.Path); err != nil {
			return fmt.Errorf("event log: %w", err)
		}
	}

	d.remote = control.NewRemote(d.safety, d.button, control.Views{
		Laser:     d.laser,
		Servo:     d.servo,
		Targeting: d.targeting,
	})

	var src web.EventSource
	if d.events != nil {
		src = d.events
	}
	d.web = web.NewServer(cfg.Web, d.remote, src)
	return nil
}

func (d *Device) loadCalibration() {
	path := d.cfg.CalibrationPath
	if path == "" {
		return
	}
	cam := d.mapper.Camera()
	cal, err := geometry.Load(path, cam)
	if err != nil {
		d.log.Warn("calibration unavailable, using identity", "path", path, "error", err)
		return
	}
	// Frame bounds always come from the configured camera.
	if cal.Camera != cam {
		d.log.Warn("calibration camera differs from configured camera, keeping configured",
			"path", path, "calibration", cal.Camera, "configured", cam)
		cal.Camera = cam
	}
	if err := d.mapper.SetCalibration(cal); err != nil {
		d.log.Warn("calibration rejected", "path", path, "error", err)
		return
	}
	d.log.Info("calibration loaded", "path", path)
}

// closePartial releases whatever build managed to open.
func (d *Device) closePartial() {
	if d.events != nil {
		d.events.Close()
	}
	if d.button != nil {
		d.button.Close()
	} else if d.hw.button != nil {
		d.hw.button.Close()
	}
	if d.servo != nil {
		d.servo.Close()
	} else {
		d.hw.pan.Close()
		d.hw.tilt.Close()
	}
	if d.laser != nil {
		d.laser.Close()
	} else {
		d.hw.laser.Close()
	}
	d.hw.close()
}

// Detections is the input for the external detector. Each send is one
// camera frame; an empty slice is a frame with nothing in it.
func (d *Device) Detections() chan<- []targeting.Detection {
	return d.detections
}

// Remote returns the operator surface.
func (d *Device) Remote() *control.Remote {
	return d.remote
}

// Safety returns the safety layer, for local operator tools.
func (d *Device) Safety() *safety.Layer {
	return d.safety
}

// Mock reports whether the device runs on mock hardware.
func (d *Device) Mock() bool {
	return d.hw.mock
}

// Run starts the safety layer and every loop, and blocks until ctx is
// cancelled or the web server fails. Call Shutdown afterwards.
func (d *Device) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.safety.Init()
	d.refreshLED()
	d.prune(ctx)

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	spawn(d.safety.Run)
	spawn(d.laser.Run)
	spawn(d.servo.Run)
	spawn(d.button.Run)
	spawn(d.led.Run)
	if d.events != nil {
		spawn(d.events.Run)
	}
	spawn(d.consumeDetections)
	spawn(d.controlLoop)

	webErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		webErr <- d.web.Run(ctx)
	}()

	d.log.Info("device running",
		"mock", d.hw.mock,
		"control_tick", d.cfg.ControlTick,
		"addr", d.cfg.Web.Addr)

	var err error
	select {
	case <-ctx.Done():
	case err = <-webErr:
		if err != nil {
			err = fmt.Errorf("web: %w", err)
		}
	}
	d.park()
	cancel()
	wg.Wait()
	return err
}

// park stops engagement and returns the servos home while the servo loop
// is still running to carry out the move.
func (d *Device) park() {
	d.targeting.Cancel()
	d.safety.LaserOff()
	if err := d.servo.MoveImmediate(servo.HomePan, servo.HomeTilt); err != nil {
		d.log.Warn("could not park servos", "error", err)
		return
	}
	deadline := time.Now().Add(d.cfg.Servo.MoveTime)
	for d.servo.IsMoving() && time.Now().Before(deadline) {
		time.Sleep(d.cfg.Servo.Tick)
	}
}

func (d *Device) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ControlTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick is one pass of the main control loop. It feeds the watchdog; the
// safety layer's own loop decides when the feeding has stopped.
func (d *Device) tick() {
	d.safety.Feed()
	d.targeting.Update()
	d.refreshLED()

	d.ticks++
	if d.ticks%statusEvery == 0 && d.web.StatusClients() > 0 {
		d.web.PublishStatus(d.remote.Status())
	}
}

func (d *Device) consumeDetections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dets := <-d.detections:
			if len(dets) > 0 {
				d.led.FlashDetection()
			}
			if err := d.targeting.ProcessDetections(dets); err != nil {
				if errors.Is(err, targeting.ErrNotInitialized) {
					return
				}
				d.log.Debug("frame rejected", "error", err)
			}
		}
	}
}

// refreshLED derives the indicator from controller state.
func (d *Device) refreshLED() {
	d.led.SetArmed(d.button.IsArmed())
	if d.safety.IsSafeMode() || d.button.IsEmergencyStop() {
		d.led.Set(led.StateError)
	} else {
		d.led.Clear(led.StateError)
	}
	if d.servo.IsHardwareOK() {
		d.led.Clear(led.StateServoFault)
	} else {
		d.led.Set(led.StateServoFault)
	}
}

func (d *Device) prune(ctx context.Context) {
	if d.events == nil || d.cfg.EventLog.Retention <= 0 {
		return
	}
	n, err := d.events.Prune(ctx, time.Now().Add(-d.cfg.EventLog.Retention))
	if err != nil {
		d.log.Warn("event log prune failed", "error", err)
		return
	}
	if n > 0 {
		d.log.Info("event log pruned", "rows", n)
	}
}

// Shutdown turns the laser off, engages the kill switch and releases the
// hardware. Run has already parked the servos. It is safe to call more
// than once.
func (d *Device) Shutdown() error {
	d.shutdownOnce.Do(func() {
		var errs []error
		add := func(err error) {
			if err != nil {
				errs = append(errs, err)
			}
		}

		d.targeting.Close()
		add(d.safety.Close())
		add(d.button.Close())
		add(d.servo.Close())
		add(d.laser.Close())
		add(d.led.Close())
		if d.events != nil {
			add(d.events.Close())
		}
		add(d.hw.close())

		d.shutdownErr = errors.Join(errs...)
		d.log.Info("device stopped")
	})
	return d.shutdownErr
}
