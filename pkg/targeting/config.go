package targeting

import (
	"fmt"
	"time"

	"github.com/teslashibe/apis-edge/pkg/geometry"
)

// Dither limits for SetSweep.
const (
	MaxSweepAmplitude = 45.0
	MinSweepFrequency = 0.5
	MaxSweepFrequency = 5.0
)

// Config holds selection and movement parameters.
type Config struct {
	// MaxTargets is how many detections per frame are considered.
	MaxTargets int `yaml:"max_targets" json:"max_targets"`

	// LostTimeout is how long a target may go unseen.
	LostTimeout time.Duration `yaml:"lost_timeout" json:"lost_timeout"`

	MinArea          int     `yaml:"min_area" json:"min_area"`
	MinConfidence    float64 `yaml:"min_confidence" json:"min_confidence"`
	WeightConfidence float64 `yaml:"weight_confidence" json:"weight_confidence"`
	WeightProximity  float64 `yaml:"weight_proximity" json:"weight_proximity"`

	// Tracking dither around the target.
	SweepAmplitude float64 `yaml:"sweep_amplitude" json:"sweep_amplitude"`
	SweepFrequency float64 `yaml:"sweep_frequency" json:"sweep_frequency"`

	// Idle scan while armed with nothing in view.
	IdleSweepAmplitude float64 `yaml:"idle_sweep_amplitude" json:"idle_sweep_amplitude"`
	IdleSweepFrequency float64 `yaml:"idle_sweep_frequency" json:"idle_sweep_frequency"`
}

// DefaultConfig returns the standard parameters.
func DefaultConfig() Config {
	return Config{
		MaxTargets:         10,
		LostTimeout:        500 * time.Millisecond,
		MinArea:            100,
		MinConfidence:      0.3,
		WeightConfidence:   0.7,
		WeightProximity:    0.3,
		SweepAmplitude:     10,
		SweepFrequency:     2,
		IdleSweepAmplitude: 30,
		IdleSweepFrequency: 0.1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxTargets < 1 {
		return fmt.Errorf("targeting: max_targets must be >= 1")
	}
	if c.LostTimeout <= 0 {
		return fmt.Errorf("targeting: lost_timeout must be positive")
	}
	if c.MinArea < 1 {
		return fmt.Errorf("targeting: min_area must be >= 1")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("targeting: min_confidence %.2f outside [0, 1]", c.MinConfidence)
	}
	if c.WeightConfidence < 0 || c.WeightProximity < 0 || c.WeightConfidence+c.WeightProximity == 0 {
		return fmt.Errorf("targeting: score weights must be non-negative and not both zero")
	}
	if c.SweepAmplitude < 0 || c.SweepAmplitude > MaxSweepAmplitude {
		return fmt.Errorf("targeting: sweep_amplitude %.1f outside [0, %.0f]", c.SweepAmplitude, MaxSweepAmplitude)
	}
	if c.SweepFrequency < MinSweepFrequency || c.SweepFrequency > MaxSweepFrequency {
		return fmt.Errorf("targeting: sweep_frequency %.2f outside [%.1f, %.1f]", c.SweepFrequency, MinSweepFrequency, MaxSweepFrequency)
	}
	if c.IdleSweepAmplitude < 0 || c.IdleSweepAmplitude > MaxSweepAmplitude || c.IdleSweepFrequency <= 0 {
		return fmt.Errorf("targeting: invalid idle sweep")
	}
	return nil
}

// accept rejects detections that are malformed or too weak. Boxes are never
// clamped into the frame.
func (c Config) accept(d Detection, cam geometry.Camera) error {
	switch {
	case d.Width <= 0 || d.Height <= 0:
		return fmt.Errorf("%w: size %dx%d", ErrInvalidDetection, d.Width, d.Height)
	case d.X < 0 || d.Y < 0 || d.X+d.Width > cam.Width || d.Y+d.Height > cam.Height:
		return fmt.Errorf("%w: box (%d,%d %dx%d) outside %dx%d frame", ErrInvalidDetection, d.X, d.Y, d.Width, d.Height, cam.Width, cam.Height)
	case d.Area() < c.MinArea:
		return fmt.Errorf("%w: area %d below %d", ErrInvalidDetection, d.Area(), c.MinArea)
	case !(d.Confidence >= 0 && d.Confidence <= 1):
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidDetection, d.Confidence)
	case d.Confidence < c.MinConfidence:
		return fmt.Errorf("%w: confidence %.2f below %.2f", ErrInvalidDetection, d.Confidence, c.MinConfidence)
	}
	return nil
}
