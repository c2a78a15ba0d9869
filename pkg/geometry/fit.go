package geometry

import (
	"errors"
	"fmt"
	"time"
)

// MaxPoints is the most calibration points Fit accepts.
const MaxPoints = 4

// Point pairs a pixel with the servo angles that aim at it.
type Point struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Pan  float64 `json:"pan_deg"`
	Tilt float64 `json:"tilt_deg"`
}

// ErrNoPoints is returned by Fit without points.
var ErrNoPoints = errors.New("geometry: no calibration points")

// Fit derives a calibration from measured points. One point yields offsets
// only; two or more fit scale and offset per axis by least squares. An axis
// whose points do not vary keeps a scale of 1.
func Fit(cam Camera, points []Point) (Calibration, error) {
	if len(points) == 0 {
		return Calibration{}, ErrNoPoints
	}
	if len(points) > MaxPoints {
		return Calibration{}, fmt.Errorf("geometry: %d points, at most %d", len(points), MaxPoints)
	}
	if err := cam.Validate(); err != nil {
		return Calibration{}, err
	}

	rawPan := make([]float64, len(points))
	rawTilt := make([]float64, len(points))
	pan := make([]float64, len(points))
	tilt := make([]float64, len(points))
	for i, p := range points {
		if !cam.Contains(p.X, p.Y) {
			return Calibration{}, fmt.Errorf("geometry: point %d: %w", i, ErrOutOfFrame)
		}
		rawPan[i], rawTilt[i] = rawAngles(cam, p.X, p.Y)
		pan[i], tilt[i] = p.Pan, p.Tilt
	}

	cal := Calibration{Camera: cam, Timestamp: time.Now().UTC()}
	cal.ScalePan, cal.OffsetPanDeg = fitAxis(rawPan, pan)
	cal.ScaleTilt, cal.OffsetTiltDeg = fitAxis(rawTilt, tilt)
	if err := cal.Validate(); err != nil {
		return Calibration{}, err
	}
	return cal, nil
}

// fitAxis solves y = scale*x + offset.
func fitAxis(x, y []float64) (scale, offset float64) {
	n := float64(len(x))
	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	mx /= n
	my /= n

	var sxy, sxx float64
	for i := range x {
		sxy += (x[i] - mx) * (y[i] - my)
		sxx += (x[i] - mx) * (x[i] - mx)
	}
	if len(x) < 2 || sxx < 1e-9 {
		return 1, my - mx
	}
	scale = sxy / sxx
	offset = my - scale*mx
	return scale, offset
}
