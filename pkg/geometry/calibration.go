package geometry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/teslashibe/apis-edge/pkg/fault"
)

// DefaultCalibrationPath is where the device keeps its calibration.
const DefaultCalibrationPath = "/data/apis/calibration.json"

// Coefficient bounds. A calibration outside them is never applied.
const (
	MinScale      = 0.5
	MaxScale      = 2.0
	MaxOffsetPan  = 45.0
	MaxOffsetTilt = 30.0
)

// ErrInvalidCalibration is returned for out-of-range coefficients.
var ErrInvalidCalibration = fault.New(fault.ErrInvalidParameter, "geometry: calibration out of range")

// Calibration maps raw camera angles onto servo angles:
// servo = raw*Scale + Offset, per axis.
type Calibration struct {
	OffsetPanDeg  float64   `json:"offset_pan_deg"`
	OffsetTiltDeg float64   `json:"offset_tilt_deg"`
	ScalePan      float64   `json:"scale_pan"`
	ScaleTilt     float64   `json:"scale_tilt"`
	Timestamp     time.Time `json:"timestamp"`
	Camera        Camera    `json:"camera"`
}

// Identity returns the uncalibrated mapping for the default camera.
func Identity() Calibration {
	return IdentityFor(DefaultCamera())
}

// IdentityFor returns the uncalibrated mapping for cam.
func IdentityFor(cam Camera) Calibration {
	return Calibration{ScalePan: 1, ScaleTilt: 1, Camera: cam}
}

// IsIdentity reports whether the mapping applies no correction.
func (c Calibration) IsIdentity() bool {
	return c.OffsetPanDeg == 0 && c.OffsetTiltDeg == 0 && c.ScalePan == 1 && c.ScaleTilt == 1
}

// Validate checks the coefficients against the safe bounds.
func (c Calibration) Validate() error {
	for _, v := range []float64{c.OffsetPanDeg, c.OffsetTiltDeg, c.ScalePan, c.ScaleTilt} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coefficient", ErrInvalidCalibration)
		}
	}
	if c.ScalePan < MinScale || c.ScalePan > MaxScale {
		return fmt.Errorf("%w: scale_pan %.3f outside [%.1f, %.1f]", ErrInvalidCalibration, c.ScalePan, MinScale, MaxScale)
	}
	if c.ScaleTilt < MinScale || c.ScaleTilt > MaxScale {
		return fmt.Errorf("%w: scale_tilt %.3f outside [%.1f, %.1f]", ErrInvalidCalibration, c.ScaleTilt, MinScale, MaxScale)
	}
	if math.Abs(c.OffsetPanDeg) > MaxOffsetPan {
		return fmt.Errorf("%w: offset_pan_deg %.2f beyond ±%.0f", ErrInvalidCalibration, c.OffsetPanDeg, MaxOffsetPan)
	}
	if math.Abs(c.OffsetTiltDeg) > MaxOffsetTilt {
		return fmt.Errorf("%w: offset_tilt_deg %.2f beyond ±%.0f", ErrInvalidCalibration, c.OffsetTiltDeg, MaxOffsetTilt)
	}
	return c.Camera.Validate()
}

// Parse decodes a calibration document. Comments and trailing commas are
// allowed. A missing camera block means cam.
func Parse(data []byte, cam Camera) (Calibration, error) {
	cal := Calibration{Camera: cam}
	if err := json.Unmarshal(jsonc.ToJSON(data), &cal); err != nil {
		return Calibration{}, fmt.Errorf("parsing calibration: %w", err)
	}
	if err := cal.Validate(); err != nil {
		return Calibration{}, err
	}
	return cal, nil
}

// Load reads the calibration at path, taking cam as the camera when the
// file has no camera block. On any failure it returns the identity mapping
// for cam together with the error, so the caller can log the problem and
// keep running uncalibrated.
func Load(path string, cam Camera) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IdentityFor(cam), fmt.Errorf("reading %s: %w", path, err)
	}
	cal, err := Parse(data, cam)
	if err != nil {
		return IdentityFor(cam), fmt.Errorf("%s: %w", path, err)
	}
	return cal, nil
}

// Save validates cal and writes it atomically.
func Save(path string, cal Calibration) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	if cal.Timestamp.IsZero() {
		cal.Timestamp = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create calibration dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
