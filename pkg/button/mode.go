package button

// Mode is the operator-selected system mode.
type Mode int

const (
	ModeDisarmed Mode = iota
	ModeArmed
	ModeEmergencyStop
)

func (m Mode) String() string {
	switch m {
	case ModeDisarmed:
		return "disarmed"
	case ModeArmed:
		return "armed"
	case ModeEmergencyStop:
		return "emergency_stop"
	default:
		return "unknown"
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Event is a recognised press.
type Event int

const (
	EventNone Event = iota
	EventShortPress
	EventLongPress
	EventUndo
)

func (e Event) String() string {
	switch e {
	case EventShortPress:
		return "short_press"
	case EventLongPress:
		return "long_press"
	case EventUndo:
		return "undo"
	default:
		return "none"
	}
}

// MarshalText encodes the event by name.
func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// PressState is the debounced button state.
type PressState int

const (
	Released PressState = iota
	Pressed
	Held
)

func (s PressState) String() string {
	switch s {
	case Released:
		return "released"
	case Pressed:
		return "pressed"
	case Held:
		return "held"
	default:
		return "unknown"
	}
}

// Stats are cumulative counters.
type Stats struct {
	ShortPresses    uint64 `json:"short_presses"`
	LongPresses     uint64 `json:"long_presses"`
	Undos           uint64 `json:"undos"`
	DebounceRejects uint64 `json:"debounce_rejects"`
	ReadErrors      uint64 `json:"read_errors"`
	Arms            uint64 `json:"arms"`
	ArmsRefused     uint64 `json:"arms_refused"`
	Disarms         uint64 `json:"disarms"`
	EmergencyStops  uint64 `json:"emergency_stops"`
}
