package geometry

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/teslashibe/apis-edge/pkg/servo"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func newMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := NewMapper(DefaultCamera())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPixelToAngleIdentity(t *testing.T) {
	m := newMapper(t)
	tests := []struct {
		x, y      float64
		pan, tilt float64
	}{
		{320, 240, 0, 0},
		{0, 240, -30, 0},
		{480, 360, 15, -11.25},
		{320, 480 - 1e-9, 0, -22.5},
	}
	for _, tt := range tests {
		pan, tilt, err := m.PixelToAngle(tt.x, tt.y)
		if err != nil {
			t.Errorf("(%v,%v): %v", tt.x, tt.y, err)
			continue
		}
		if !approxEqual(pan, tt.pan, 1e-6) || !approxEqual(tilt, tt.tilt, 1e-6) {
			t.Errorf("(%v,%v) = %v,%v want %v,%v", tt.x, tt.y, pan, tilt, tt.pan, tt.tilt)
		}
	}
}

func TestPixelToAngleNeverUpward(t *testing.T) {
	m := newMapper(t)
	for y := 0.0; y < DefaultHeight; y += 20 {
		_, tilt, _ := m.PixelToAngle(320, y)
		if tilt > servo.TiltMax {
			t.Fatalf("y=%v mapped to upward tilt %v", y, tilt)
		}
	}
}

func TestPixelToAngleOutOfFrame(t *testing.T) {
	m := newMapper(t)
	pan, _, err := m.PixelToAngle(-100, 240)
	if !errors.Is(err, ErrOutOfFrame) {
		t.Errorf("err = %v, want ErrOutOfFrame", err)
	}
	if pan < servo.PanMin {
		t.Errorf("pan %v not clamped", pan)
	}
	if m.Stats().OutOfBounds != 1 {
		t.Errorf("out of bounds = %d", m.Stats().OutOfBounds)
	}
}

func TestAngleToPixelRoundTrip(t *testing.T) {
	m := newMapper(t)
	if err := m.SetCalibration(Calibration{OffsetPanDeg: 2, OffsetTiltDeg: -3, ScalePan: 1.1, ScaleTilt: 0.9, Camera: DefaultCamera()}); err != nil {
		t.Fatal(err)
	}
	pan, tilt, err := m.PixelToAngle(400, 300)
	if err != nil {
		t.Fatal(err)
	}
	x, y := m.AngleToPixel(pan, tilt)
	if !approxEqual(x, 400, 1e-6) || !approxEqual(y, 300, 1e-6) {
		t.Errorf("round trip = %v,%v", x, y)
	}
}

func TestCalibrationValidate(t *testing.T) {
	tests := []struct {
		name    string
		cal     Calibration
		wantErr bool
	}{
		{"identity", Identity(), false},
		{"scale too big", Calibration{ScalePan: 2.5, ScaleTilt: 1, Camera: DefaultCamera()}, true},
		{"scale too small", Calibration{ScalePan: 1, ScaleTilt: 0.2, Camera: DefaultCamera()}, true},
		{"pan offset", Calibration{OffsetPanDeg: 50, ScalePan: 1, ScaleTilt: 1, Camera: DefaultCamera()}, true},
		{"tilt offset", Calibration{OffsetTiltDeg: -31, ScalePan: 1, ScaleTilt: 1, Camera: DefaultCamera()}, true},
		{"nan", Calibration{OffsetPanDeg: math.NaN(), ScalePan: 1, ScaleTilt: 1, Camera: DefaultCamera()}, true},
		{"bad camera", Calibration{ScalePan: 1, ScaleTilt: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cal.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFallsBackToIdentity(t *testing.T) {
	dir := t.TempDir()

	cal, err := Load(filepath.Join(dir, "missing.json"), DefaultCamera())
	if err == nil || !cal.IsIdentity() {
		t.Errorf("missing file: cal=%+v err=%v", cal, err)
	}

	extreme := filepath.Join(dir, "extreme.json")
	os.WriteFile(extreme, []byte(`{"offset_pan_deg": 0, "offset_tilt_deg": 0, "scale_pan": 10, "scale_tilt": 1}`), 0o644)
	cal, err = Load(extreme, DefaultCamera())
	if !errors.Is(err, ErrInvalidCalibration) || !cal.IsIdentity() {
		t.Errorf("extreme: cal=%+v err=%v", cal, err)
	}

	garbage := filepath.Join(dir, "garbage.json")
	os.WriteFile(garbage, []byte(`{not json`), 0o644)
	if cal, err = Load(garbage, DefaultCamera()); err == nil || !cal.IsIdentity() {
		t.Errorf("garbage: cal=%+v err=%v", cal, err)
	}
}

func TestLoadAcceptsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.json")
	doc := `{
  // measured on the bench
  "offset_pan_deg": 1.5,
  "offset_tilt_deg": -2,
  "scale_pan": 1.05,
  "scale_tilt": 0.95, /* trailing comma below */
}`
	os.WriteFile(path, []byte(doc), 0o644)
	cal, err := Load(path, DefaultCamera())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cal.OffsetPanDeg != 1.5 || cal.ScaleTilt != 0.95 {
		t.Errorf("cal = %+v", cal)
	}
	if cal.Camera != DefaultCamera() {
		t.Errorf("camera = %+v, want default", cal.Camera)
	}
}

func TestLoadKeepsGivenCamera(t *testing.T) {
	dir := t.TempDir()
	hd := Camera{Width: 1280, Height: 720, FOVH: 70, FOVV: 42}

	offsets := filepath.Join(dir, "offsets.json")
	os.WriteFile(offsets, []byte(`{"offset_pan_deg": 1, "scale_pan": 1, "scale_tilt": 1}`), 0o644)
	cal, err := Load(offsets, hd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cal.Camera != hd {
		t.Errorf("camera = %+v, want %+v", cal.Camera, hd)
	}

	cal, err = Load(filepath.Join(dir, "missing.json"), hd)
	if err == nil || cal.Camera != hd || !cal.IsIdentity() {
		t.Errorf("missing file: cal=%+v err=%v", cal, err)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "calibration.json")
	want := Calibration{OffsetPanDeg: 3, OffsetTiltDeg: -1, ScalePan: 1.2, ScaleTilt: 0.8, Camera: DefaultCamera()}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path, DefaultCamera())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.OffsetPanDeg != want.OffsetPanDeg || got.ScalePan != want.ScalePan || got.Timestamp.IsZero() {
		t.Errorf("got %+v", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	if err := Save(path, Calibration{ScalePan: 5, ScaleTilt: 1, Camera: DefaultCamera()}); err == nil {
		t.Error("Save should reject an invalid calibration")
	}
}

func TestFitSinglePoint(t *testing.T) {
	cam := DefaultCamera()
	cal, err := Fit(cam, []Point{{X: 320, Y: 240, Pan: 2, Tilt: -3}})
	if err != nil {
		t.Fatal(err)
	}
	if cal.ScalePan != 1 || cal.ScaleTilt != 1 {
		t.Errorf("scales = %v,%v want 1", cal.ScalePan, cal.ScaleTilt)
	}
	if !approxEqual(cal.OffsetPanDeg, 2, 1e-9) || !approxEqual(cal.OffsetTiltDeg, -3, 1e-9) {
		t.Errorf("offsets = %v,%v", cal.OffsetPanDeg, cal.OffsetTiltDeg)
	}
}

func TestFitRecoversScaleAndOffset(t *testing.T) {
	cam := DefaultCamera()
	truth := Calibration{OffsetPanDeg: 1.5, OffsetTiltDeg: -4, ScalePan: 1.2, ScaleTilt: 0.9, Camera: cam}
	m := newMapper(t)
	m.SetCalibration(truth)

	var pts []Point
	for _, px := range [][2]float64{{100, 300}, {500, 300}, {320, 400}, {200, 460}} {
		pan, tilt, err := m.PixelToAngle(px[0], px[1])
		if err != nil {
			t.Fatal(err)
		}
		pts = append(pts, Point{X: px[0], Y: px[1], Pan: pan, Tilt: tilt})
	}
	cal, err := Fit(cam, pts)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !approxEqual(cal.ScalePan, truth.ScalePan, 1e-6) || !approxEqual(cal.OffsetPanDeg, truth.OffsetPanDeg, 1e-6) {
		t.Errorf("pan fit = %v,%v", cal.ScalePan, cal.OffsetPanDeg)
	}
	if !approxEqual(cal.ScaleTilt, truth.ScaleTilt, 1e-6) || !approxEqual(cal.OffsetTiltDeg, truth.OffsetTiltDeg, 1e-6) {
		t.Errorf("tilt fit = %v,%v", cal.ScaleTilt, cal.OffsetTiltDeg)
	}
}

func TestFitRejects(t *testing.T) {
	cam := DefaultCamera()
	if _, err := Fit(cam, nil); !errors.Is(err, ErrNoPoints) {
		t.Errorf("no points: %v", err)
	}
	if _, err := Fit(cam, make([]Point, 5)); err == nil {
		t.Error("five points should fail")
	}
	if _, err := Fit(cam, []Point{{X: 900, Y: 10}}); !errors.Is(err, ErrOutOfFrame) {
		t.Errorf("out of frame: %v", err)
	}
	// A factor-of-three spread cannot be a real lens.
	_, err := Fit(cam, []Point{{X: 220, Y: 240, Pan: -30, Tilt: 0}, {X: 420, Y: 240, Pan: 30, Tilt: 0}})
	if !errors.Is(err, ErrInvalidCalibration) {
		t.Errorf("extreme fit: %v", err)
	}
}
