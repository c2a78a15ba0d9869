// servo-test exercises the pan/tilt servos on the bench and captures
// camera calibration points.
//
// The laser line is opened and held off for the whole run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/teslashibe/apis-edge/internal/config"
	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/geometry"
	"github.com/teslashibe/apis-edge/pkg/hal"
	"github.com/teslashibe/apis-edge/pkg/laser"
	"github.com/teslashibe/apis-edge/pkg/servo"
)

func main() {
	path := pflag.StringP("config", "c", config.DefaultPath, "device configuration file")
	mock := pflag.Bool("mock", false, "use mock hardware")
	selfTest := pflag.Bool("self-test", false, "visit every axis limit and return home")
	sweep := pflag.Int("sweep", 0, "sweep pan end to end this many times")
	points := pflag.StringArray("calibrate", nil, "calibration point x,y,pan,tilt (repeat up to 4 times)")
	out := pflag.String("out", "", "calibration output path (default: calibration_path from config)")
	pflag.Parse()

	cfg, err := config.Load(*path)
	if err == nil {
		err = cfg.ApplyEnv()
	}
	if err != nil {
		fatalf("❌ Configuration error: %v", err)
	}
	if pflag.CommandLine.Changed("mock") {
		cfg.Hardware.Mock = *mock
	}
	log.Init(cfg.LogLevel)

	if len(*points) > 0 {
		dst := *out
		if dst == "" {
			dst = cfg.CalibrationPath
		}
		if err := calibrate(cfg.Camera, *points, dst); err != nil {
			fatalf("❌ Calibration failed: %v", err)
		}
		if !*selfTest && *sweep == 0 {
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rig, err := openRig(cfg)
	if err != nil {
		fatalf("❌ Hardware: %v", err)
	}
	defer rig.close()
	go rig.servo.Run(ctx)

	if *selfTest {
		fmt.Println("🔧 Running servo self-test...")
		if err := rig.servo.SelfTest(ctx); err != nil {
			fatalf("❌ Self-test failed: %v", err)
		}
		fmt.Println("✅ Self-test passed")
	}
	if *sweep > 0 {
		fmt.Printf("↔️  Sweeping %d times...\n", *sweep)
		if err := runSweep(ctx, rig.servo, *sweep); err != nil {
			fatalf("❌ Sweep stopped: %v", err)
		}
		fmt.Println("✅ Sweep done")
	}
	if !*selfTest && *sweep == 0 && len(*points) == 0 {
		pflag.Usage()
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type rig struct {
	laser *laser.Controller
	servo *servo.Controller
}

// openRig opens the laser line, held off, and both servo channels.
func openRig(cfg config.Device) (*rig, error) {
	var (
		line      hal.Output
		pan, tilt hal.PWM
		err       error
	)
	if cfg.Hardware.Mock {
		line, pan, tilt = hal.NewMockOutput(), hal.NewMockPWM(), hal.NewMockPWM()
	} else {
		if line, err = hal.OpenOutput(cfg.Hardware.LaserPin, cfg.Hardware.LaserActiveLow); err != nil {
			return nil, fmt.Errorf("laser line: %w", err)
		}
		if pan, err = hal.OpenSysfsPWM(cfg.Hardware.PWMChip, cfg.Hardware.PanChannel, servo.Period); err != nil {
			line.Close()
			return nil, fmt.Errorf("pan: %w", err)
		}
		if tilt, err = hal.OpenSysfsPWM(cfg.Hardware.PWMChip, cfg.Hardware.TiltChannel, servo.Period); err != nil {
			line.Close()
			pan.Close()
			return nil, fmt.Errorf("tilt: %w", err)
		}
	}

	l, err := laser.New(cfg.Laser, line)
	if err != nil {
		return nil, err
	}
	s, err := servo.New(cfg.Servo, pan, tilt, l)
	if err != nil {
		l.Close()
		return nil, err
	}
	return &rig{laser: l, servo: s}, nil
}

func (r *rig) close() {
	r.servo.Close()
	r.laser.Close()
}

func runSweep(ctx context.Context, s *servo.Controller, cycles int) error {
	for i := 0; i < cycles; i++ {
		for _, pan := range []float64{servo.PanMin, servo.PanMax} {
			if err := s.SetTarget(pan, servo.HomeTilt); err != nil {
				return err
			}
			if err := waitIdle(ctx, s); err != nil {
				return err
			}
		}
	}
	if err := s.Home(); err != nil {
		return err
	}
	return waitIdle(ctx, s)
}

func waitIdle(ctx context.Context, s *servo.Controller) error {
	for s.IsMoving() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !s.IsHardwareOK() {
		return servo.ErrHardwareFault
	}
	return nil
}

func calibrate(cam geometry.Camera, raw []string, path string) error {
	points := make([]geometry.Point, 0, len(raw))
	for _, r := range raw {
		p, err := parsePoint(r)
		if err != nil {
			return err
		}
		points = append(points, p)
	}
	cal, err := geometry.Fit(cam, points)
	if err != nil {
		return err
	}
	if err := geometry.Save(path, cal); err != nil {
		return err
	}
	fmt.Printf("✅ Calibration saved to %s\n", path)
	fmt.Printf("   pan  = %.3f × raw %+.2f°\n", cal.ScalePan, cal.OffsetPanDeg)
	fmt.Printf("   tilt = %.3f × raw %+.2f°\n", cal.ScaleTilt, cal.OffsetTiltDeg)
	return nil
}

// parsePoint reads "x,y,pan,tilt".
func parsePoint(s string) (geometry.Point, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return geometry.Point{}, fmt.Errorf("point %q: want x,y,pan,tilt", s)
	}
	var v [4]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return geometry.Point{}, fmt.Errorf("point %q: %w", s, err)
		}
		v[i] = n
	}
	return geometry.Point{X: v[0], Y: v[1], Pan: v[2], Tilt: v[3]}, nil
}
