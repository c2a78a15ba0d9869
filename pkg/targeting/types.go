package targeting

import (
	"math"
	"time"
)

// State is the targeting state.
type State int

const (
	StateIdle State = iota
	StateSweeping
	StateAcquired
	StateTracking
	StateCooldown
	StateLost
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSweeping:
		return "sweeping"
	case StateAcquired:
		return "acquired"
	case StateTracking:
		return "tracking"
	case StateCooldown:
		return "cooldown"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LostReason says why a target was dropped.
type LostReason int

const (
	// LostNoDetections means frames kept arriving without a valid target.
	LostNoDetections LostReason = iota
	// LostTimeout means no frames arrived at all.
	LostTimeout
)

func (r LostReason) String() string {
	if r == LostTimeout {
		return "timeout"
	}
	return "no_detections"
}

// MarshalText encodes the reason by name.
func (r LostReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Detection is one candidate box from the detector, in frame pixels.
type Detection struct {
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Confidence float64   `json:"confidence"`
	ID         uint32    `json:"id,omitempty"`
	At         time.Time `json:"at,omitempty"`
}

// Area returns the box area in pixels.
func (d Detection) Area() int {
	return d.Width * d.Height
}

// Centroid returns the box centre.
func (d Detection) Centroid() (x, y float64) {
	return float64(d.X) + float64(d.Width)/2, float64(d.Y) + float64(d.Height)/2
}

// Target is a snapshot of the tracked target. Callbacks receive copies.
type Target struct {
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Pan        float64   `json:"pan_deg"`
	Tilt       float64   `json:"tilt_deg"`
	AimPan     float64   `json:"aim_pan_deg"`
	Area       int       `json:"area"`
	Confidence float64   `json:"confidence"`
	ID         uint32    `json:"id,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Active     bool      `json:"active"`
}

// Tracked returns how long the target has been followed.
func (t Target) Tracked() time.Duration {
	return t.LastSeen.Sub(t.FirstSeen)
}

// Stats are cumulative counters.
type Stats struct {
	Frames        uint64        `json:"frames"`
	Detections    uint64        `json:"detections"`
	Rejected      uint64        `json:"rejected"`
	Dropped       uint64        `json:"dropped"`
	MultiTarget   uint64        `json:"multi_target"`
	Acquired      uint64        `json:"acquired"`
	Lost          uint64        `json:"lost"`
	Fired         uint64        `json:"fired"`
	FireBlocked   uint64        `json:"fire_blocked"`
	TiltRejects   uint64        `json:"tilt_rejects"`
	SweepCycles   uint64        `json:"sweep_cycles"`
	TotalTracking time.Duration `json:"total_tracking"`
}

// sweepOffset returns amplitude*sin(2πft) for the time since start.
func sweepOffset(amplitude, freqHz float64, since time.Duration) float64 {
	return amplitude * math.Sin(2*math.Pi*freqHz*since.Seconds())
}
