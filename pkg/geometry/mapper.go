// Package geometry maps camera pixels to servo angles.
package geometry

import (
	"fmt"
	"math"
	"sync"

	"github.com/teslashibe/apis-edge/pkg/fault"
	"github.com/teslashibe/apis-edge/pkg/servo"
)

// Camera defaults.
const (
	DefaultWidth  = 640
	DefaultHeight = 480
	DefaultFOVH   = 60.0
	DefaultFOVV   = 45.0
)

// ErrOutOfFrame is returned for pixels outside the frame. The mapped angles
// are still computed and clamped.
var ErrOutOfFrame = fault.New(fault.ErrInvalidParameter, "geometry: pixel outside frame")

// Camera describes the frame the detections are reported in.
type Camera struct {
	Width  int     `json:"width" yaml:"width"`
	Height int     `json:"height" yaml:"height"`
	FOVH   float64 `json:"fov_h_deg" yaml:"fov_h_deg"`
	FOVV   float64 `json:"fov_v_deg" yaml:"fov_v_deg"`
}

// DefaultCamera returns a 640x480 frame with a 60°x45° field of view.
func DefaultCamera() Camera {
	return Camera{Width: DefaultWidth, Height: DefaultHeight, FOVH: DefaultFOVH, FOVV: DefaultFOVV}
}

// Validate checks the camera parameters.
func (c Camera) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("geometry: camera size %dx%d must be positive", c.Width, c.Height)
	}
	if !(c.FOVH > 0 && c.FOVH < 180) || !(c.FOVV > 0 && c.FOVV < 180) {
		return fmt.Errorf("geometry: field of view %.1fx%.1f outside (0, 180)", c.FOVH, c.FOVV)
	}
	return nil
}

// Diagonal returns the frame diagonal in pixels.
func (c Camera) Diagonal() float64 {
	return math.Hypot(float64(c.Width), float64(c.Height))
}

// Contains reports whether (x, y) lies inside the frame.
func (c Camera) Contains(x, y float64) bool {
	return x >= 0 && y >= 0 && x < float64(c.Width) && y < float64(c.Height)
}

// Stats are cumulative counters.
type Stats struct {
	Maps        uint64 `json:"maps"`
	OutOfBounds uint64 `json:"out_of_bounds"`
	Calibrated  bool   `json:"calibrated"`
}

// Mapper converts between pixels and servo angles.
type Mapper struct {
	mu    sync.RWMutex
	cal   Calibration
	stats Stats
}

// NewMapper returns a mapper using the identity calibration for cam.
func NewMapper(cam Camera) (*Mapper, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	return &Mapper{cal: IdentityFor(cam)}, nil
}

// SetCalibration installs cal after validating it.
func (m *Mapper) SetCalibration(cal Calibration) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cal = cal
	m.mu.Unlock()
	return nil
}

// ResetCalibration returns to the identity mapping, keeping the camera.
func (m *Mapper) ResetCalibration() {
	m.mu.Lock()
	m.cal = IdentityFor(m.cal.Camera)
	m.mu.Unlock()
}

// Calibration returns the active calibration.
func (m *Mapper) Calibration() Calibration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cal
}

// Camera returns the active camera parameters.
func (m *Mapper) Camera() Camera {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cal.Camera
}

// PixelToAngle maps a pixel to servo angles clamped to the servo limits.
func (m *Mapper) PixelToAngle(x, y float64) (pan, tilt float64, err error) {
	m.mu.Lock()
	cal := m.cal
	m.stats.Maps++
	inFrame := cal.Camera.Contains(x, y)
	if !inFrame {
		m.stats.OutOfBounds++
	}
	m.mu.Unlock()

	rawPan, rawTilt := rawAngles(cal.Camera, x, y)
	pan = servo.Clamp(servo.AxisPan, rawPan*cal.ScalePan+cal.OffsetPanDeg)
	tilt = servo.Clamp(servo.AxisTilt, rawTilt*cal.ScaleTilt+cal.OffsetTiltDeg)
	if !inFrame {
		return pan, tilt, ErrOutOfFrame
	}
	return pan, tilt, nil
}

// AngleToPixel is the inverse of PixelToAngle for angles inside the limits.
func (m *Mapper) AngleToPixel(pan, tilt float64) (x, y float64) {
	cal := m.Calibration()
	rawPan := (pan - cal.OffsetPanDeg) / cal.ScalePan
	rawTilt := (tilt - cal.OffsetTiltDeg) / cal.ScaleTilt
	x = (rawPan/cal.Camera.FOVH + 0.5) * float64(cal.Camera.Width)
	y = (-rawTilt/cal.Camera.FOVV + 0.5) * float64(cal.Camera.Height)
	return x, y
}

// Stats returns a copy of the counters.
func (m *Mapper) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Calibrated = !m.cal.IsIdentity()
	return s
}

// rawAngles maps a pixel to uncalibrated angles. The frame centre is 0°,
// right is positive pan and up is positive tilt.
func rawAngles(cam Camera, x, y float64) (pan, tilt float64) {
	pan = (x/float64(cam.Width) - 0.5) * cam.FOVH
	tilt = -(y/float64(cam.Height) - 0.5) * cam.FOVV
	return pan, tilt
}
