package device

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/apis-edge/internal/config"
	"github.com/teslashibe/apis-edge/pkg/control"
	"github.com/teslashibe/apis-edge/pkg/eventlog"
	"github.com/teslashibe/apis-edge/pkg/geometry"
	"github.com/teslashibe/apis-edge/pkg/hal"
	"github.com/teslashibe/apis-edge/pkg/led"
	"github.com/teslashibe/apis-edge/pkg/servo"
	"github.com/teslashibe/apis-edge/pkg/targeting"
)

func testConfig(t *testing.T) config.Device {
	t.Helper()
	cfg := config.Default()
	cfg.Hardware.Mock = true
	cfg.CalibrationPath = ""
	cfg.Web.Addr = "127.0.0.1:0"
	cfg.EventLog.Path = filepath.Join(t.TempDir(), "events.db")
	return cfg
}

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Shutdown() })
	return d
}

// hornet is centred low in the frame, below the horizon.
func hornet() targeting.Detection {
	return targeting.Detection{X: 300, Y: 340, Width: 40, Height: 40, Confidence: 0.9}
}

func laserLine(d *Device) *hal.MockOutput {
	return d.hw.laser.(*hal.MockOutput)
}

// drainEvents runs the writer until every queued event is on disk.
func drainEvents(t *testing.T, d *Device) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.events.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event writer did not stop")
	}
}

func count(t *testing.T, d *Device, kind eventlog.Kind) int {
	t.Helper()
	n, err := d.events.Count(context.Background(), kind)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNewUsesMocks(t *testing.T) {
	d := newTestDevice(t)
	if !d.Mock() {
		t.Error("Mock() = false")
	}
	if d.led.Current() != led.StateBoot {
		t.Errorf("LED = %v before Run, want boot", d.led.Current())
	}
	if d.laser.IsArmed() || laserLine(d).On() {
		t.Error("laser live after New")
	}
}

func TestNewRealHardwareFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hardware.Mock = false
	cfg.Hardware.LaserPin = "NO_SUCH_PIN"

	if _, err := New(cfg); err == nil {
		t.Fatal("New succeeded without hardware")
	}

	cfg.Hardware.AllowMock = true
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New with AllowMock: %v", err)
	}
	defer d.Shutdown()
	if !d.Mock() {
		t.Error("AllowMock did not fall back to mocks")
	}
}

func TestArmedDetectionFiresAndIsAudited(t *testing.T) {
	d := newTestDevice(t)
	d.safety.Init()

	if err := d.Remote().Arm(); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := d.targeting.ProcessDetections([]targeting.Detection{hornet()}); err != nil {
		t.Fatalf("ProcessDetections: %v", err)
	}
	if !laserLine(d).On() {
		t.Fatal("laser line off after armed acquisition")
	}
	if st := d.Remote().Status(); st.Targeting != targeting.StateTracking || st.Laser == nil || !st.Laser.Active {
		t.Errorf("status = %+v", st)
	}

	d.Remote().Disarm()
	if laserLine(d).On() {
		t.Error("laser line on after disarm")
	}

	drainEvents(t, d)
	for kind, want := range map[eventlog.Kind]int{
		eventlog.KindMode:           2,
		eventlog.KindTargetAcquired: 1,
		eventlog.KindLaserOn:        1,
		eventlog.KindLaserOff:       1,
	} {
		if got := count(t, d, kind); got != want {
			t.Errorf("%s events = %d, want %d", kind, got, want)
		}
	}
}

func TestDisarmedDetectionNeverFires(t *testing.T) {
	d := newTestDevice(t)
	d.safety.Init()

	for i := 0; i < 5; i++ {
		d.targeting.ProcessDetections([]targeting.Detection{hornet()})
		d.tick()
	}
	for _, on := range laserLine(d).History() {
		if on {
			t.Fatal("laser line driven while disarmed")
		}
	}
	if d.targeting.State() != targeting.StateAcquired {
		t.Errorf("targeting = %v, want acquired", d.targeting.State())
	}
}

func TestCalibrationKeepsConfiguredCamera(t *testing.T) {
	cfg := testConfig(t)
	cfg.Camera = geometry.Camera{Width: 1280, Height: 720, FOVH: 70, FOVV: 42}
	cfg.CalibrationPath = filepath.Join(t.TempDir(), "calibration.json")
	doc := `{"offset_pan_deg": 1, "scale_pan": 1, "scale_tilt": 1}`
	if err := os.WriteFile(cfg.CalibrationPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Shutdown() })
	d.safety.Init()

	if cam := d.mapper.Camera(); cam != cfg.Camera {
		t.Fatalf("camera = %+v, want %+v", cam, cfg.Camera)
	}
	if cal := d.mapper.Calibration(); cal.OffsetPanDeg != 1 {
		t.Errorf("calibration not applied: %+v", cal)
	}

	wide := targeting.Detection{X: 1000, Y: 520, Width: 60, Height: 60, Confidence: 0.9}
	d.targeting.ProcessDetections([]targeting.Detection{wide})
	if st := d.targeting.Stats(); st.Rejected != 0 {
		t.Errorf("rejected = %d, want 0", st.Rejected)
	}
	if d.targeting.State() != targeting.StateAcquired {
		t.Errorf("targeting = %v, want acquired", d.targeting.State())
	}
}

func TestSafeModeRefusesRemoteArm(t *testing.T) {
	d := newTestDevice(t)
	d.safety.Init()
	d.refreshLED()

	d.safety.EnterSafeMode("test")
	if err := d.Remote().Arm(); !errors.Is(err, control.ErrSafeMode) {
		t.Errorf("Arm in safe mode = %v, want ErrSafeMode", err)
	}
	if d.led.Current() != led.StateError {
		t.Errorf("LED = %v, want error", d.led.Current())
	}

	drainEvents(t, d)
	if n := count(t, d, eventlog.KindSafetyState); n != 1 {
		t.Errorf("safety_state events = %d, want 1", n)
	}
}

func TestTickFeedsWatchdog(t *testing.T) {
	d := newTestDevice(t)
	d.safety.Init()
	d.tick()
	if r := d.safety.WatchdogRemaining(); r < d.cfg.Safety.WatchdogTimeout-time.Second {
		t.Errorf("watchdog remaining = %v after tick", r)
	}
	if d.safety.IsSafeMode() {
		t.Error("tick entered safe mode")
	}
}

func TestDetectionsChannelReachesTargeting(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Detections() <- []targeting.Detection{hornet()}
	deadline := time.Now().Add(2 * time.Second)
	for d.targeting.State() != targeting.StateAcquired {
		if time.Now().After(deadline) {
			t.Fatalf("targeting = %v, want acquired", d.targeting.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	pos := d.servo.Position()
	if math.Abs(pos.Pan-servo.HomePan) > 1e-9 || math.Abs(pos.Tilt-servo.HomeTilt) > 1e-9 {
		t.Errorf("servos at %+v after Run, want home", pos)
	}
	if laserLine(d).On() {
		t.Error("laser line on after Run")
	}
}

func TestShutdownKillsLaser(t *testing.T) {
	d := newTestDevice(t)
	d.safety.Init()
	if err := d.Remote().Arm(); err != nil {
		t.Fatal(err)
	}

	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !d.laser.IsKillSwitchEngaged() {
		t.Error("kill switch not engaged after Shutdown")
	}
	if laserLine(d).On() {
		t.Error("laser line on after Shutdown")
	}
	if err := d.Shutdown(); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}
