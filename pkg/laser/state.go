package laser

import "time"

// State is the laser hardware state.
type State int

const (
	StateOff State = iota
	StateArmed
	StateOn
	StateCooldown
	StateKilled
	StateError
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateArmed:
		return "armed"
	case StateOn:
		return "on"
	case StateCooldown:
		return "cooldown"
	case StateKilled:
		return "killed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	State             State         `json:"state"`
	Armed             bool          `json:"armed"`
	Active            bool          `json:"active"`
	KillSwitch        bool          `json:"kill_switch"`
	Faulted           bool          `json:"faulted"`
	OnTime            time.Duration `json:"on_time"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// Stats are cumulative counters.
type Stats struct {
	Activations     uint64        `json:"activations"`
	SafetyTimeouts  uint64        `json:"safety_timeouts"`
	CooldownBlocks  uint64        `json:"cooldown_blocks"`
	KillSwitchCount uint64        `json:"kill_switch_count"`
	HardwareFaults  uint64        `json:"hardware_faults"`
	TotalOnTime     time.Duration `json:"total_on_time"`
	LastActivation  time.Time     `json:"last_activation"`
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
