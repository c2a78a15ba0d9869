package control

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/apis-edge/pkg/button"
	"github.com/teslashibe/apis-edge/pkg/fault"
	"github.com/teslashibe/apis-edge/pkg/laser"
	"github.com/teslashibe/apis-edge/pkg/safety"
	"github.com/teslashibe/apis-edge/pkg/servo"
	"github.com/teslashibe/apis-edge/pkg/targeting"
)

type stubSafety struct {
	mu       sync.Mutex
	safeMode bool
	estop    bool
	armed    bool
}

func (s *stubSafety) IsSafeMode() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.safeMode }
func (s *stubSafety) IsEmergencyStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estop
}
func (s *stubSafety) State() safety.State {
	if s.IsSafeMode() {
		return safety.StateSafeMode
	}
	return safety.StateNormal
}
func (s *stubSafety) SafeModeReason() string {
	if s.IsSafeMode() {
		return "watchdog expired"
	}
	return ""
}
func (s *stubSafety) IsDetectionActive() bool          { return false }
func (s *stubSafety) WatchdogRemaining() time.Duration { return 20 * time.Second }
func (s *stubSafety) Voltage() int                     { return 5000 }
func (s *stubSafety) IsArmed() bool                    { s.mu.Lock(); defer s.mu.Unlock(); return s.armed }

type stubButton struct {
	mu      sync.Mutex
	mode    button.Mode
	arms    int
	disarms int
	armErr  error
}

func (b *stubButton) Arm() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arms++
	if b.armErr != nil {
		return b.armErr
	}
	if b.mode == button.ModeEmergencyStop {
		return button.ErrEmergencyStop
	}
	b.mode = button.ModeArmed
	return nil
}

func (b *stubButton) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disarms++
	if b.mode != button.ModeEmergencyStop {
		b.mode = button.ModeDisarmed
	}
}

func (b *stubButton) Mode() button.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

type stubLaser struct{}

func (stubLaser) Snapshot() laser.Snapshot {
	return laser.Snapshot{State: laser.StateOff, Armed: true}
}

type stubServo struct{}

func (stubServo) Position() servo.Position { return servo.Position{Pan: 3, Tilt: -12} }
func (stubServo) IsHardwareOK() bool       { return false }

type stubTargeting struct{ active bool }

func (s stubTargeting) State() targeting.State {
	if s.active {
		return targeting.StateTracking
	}
	return targeting.StateIdle
}

func (s stubTargeting) CurrentTarget() (targeting.Target, bool) {
	return targeting.Target{X: 320, Y: 360, Active: s.active}, s.active
}

func TestArm(t *testing.T) {
	s, b := &stubSafety{}, &stubButton{}
	r := NewRemote(s, b, Views{})
	if err := r.Arm(); err != nil {
		t.Fatalf("Arm() = %v", err)
	}
	if b.Mode() != button.ModeArmed {
		t.Errorf("mode = %v, want armed", b.Mode())
	}
}

func TestArmRefusals(t *testing.T) {
	tests := []struct {
		name     string
		safeMode bool
		estop    bool
		want     error
		reason   string
	}{
		{"safe mode", true, false, ErrSafeMode, ReasonSafeMode},
		{"emergency stop", false, true, ErrEmergencyStop, ReasonEmergencyStop},
		{"safe mode wins", true, true, ErrSafeMode, ReasonSafeMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &stubSafety{safeMode: tt.safeMode, estop: tt.estop}
			b := &stubButton{}
			r := NewRemote(s, b, Views{})

			err := r.Arm()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Arm() = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, fault.ErrCheckFailed) {
				t.Errorf("Arm() error kind = %v, want CheckFailed", fault.Kind(err))
			}
			if got := Reason(err); got != tt.reason {
				t.Errorf("Reason() = %q, want %q", got, tt.reason)
			}
			if b.arms != 0 {
				t.Error("button armed despite refusal")
			}
		})
	}
}

// Nothing reachable from the remote surface clears an emergency stop.
func TestRemoteCannotClearEmergencyStop(t *testing.T) {
	s := &stubSafety{estop: true}
	b := &stubButton{mode: button.ModeEmergencyStop}
	r := NewRemote(s, b, Views{})

	for i := 0; i < 3; i++ {
		if err := r.Arm(); !errors.Is(err, ErrEmergencyStop) {
			t.Fatalf("Arm() = %v, want ErrEmergencyStop", err)
		}
		r.Disarm()
		_ = r.Status()
	}
	if b.Mode() != button.ModeEmergencyStop {
		t.Errorf("mode = %v, want emergency stop", b.Mode())
	}

	var names []string
	rt := reflect.TypeOf(r)
	for i := 0; i < rt.NumMethod(); i++ {
		names = append(names, rt.Method(i).Name)
	}
	sort.Strings(names)
	if want := []string{"Arm", "Disarm", "Status"}; !reflect.DeepEqual(names, want) {
		t.Errorf("Remote methods = %v, want exactly %v", names, want)
	}
}

func TestReasonForButtonRefusal(t *testing.T) {
	if got := Reason(button.ErrEmergencyStop); got != ReasonEmergencyStop {
		t.Errorf("Reason(button.ErrEmergencyStop) = %q", got)
	}
	if got := Reason(laser.ErrKillSwitch); got != "" {
		t.Errorf("Reason(laser.ErrKillSwitch) = %q, want empty", got)
	}
}

func TestArmPropagatesButtonError(t *testing.T) {
	b := &stubButton{armErr: laser.ErrKillSwitch}
	r := NewRemote(&stubSafety{}, b, Views{})
	if err := r.Arm(); !errors.Is(err, laser.ErrKillSwitch) {
		t.Errorf("Arm() = %v, want ErrKillSwitch", err)
	}
}

func TestStatus(t *testing.T) {
	s := &stubSafety{safeMode: true}
	b := &stubButton{}
	r := NewRemote(s, b, Views{Laser: stubLaser{}, Servo: stubServo{}, Targeting: stubTargeting{active: true}})
	r.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }

	st := r.Status()
	if st.Safety != safety.StateSafeMode || st.SafeModeReason == "" {
		t.Errorf("safety = %v %q", st.Safety, st.SafeModeReason)
	}
	if st.Laser == nil || !st.Laser.Armed {
		t.Errorf("laser = %+v", st.Laser)
	}
	if st.Servo == nil || st.Servo.Pan != 3 || st.ServoOK {
		t.Errorf("servo = %+v ok=%v", st.Servo, st.ServoOK)
	}
	if st.Target == nil || st.Targeting != targeting.StateTracking {
		t.Errorf("targeting = %v %+v", st.Targeting, st.Target)
	}

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["safety"] != "safe_mode" || decoded["mode"] != "disarmed" || decoded["targeting"] != "tracking" {
		t.Errorf("json = %s", data)
	}
}

func TestStatusWithoutViews(t *testing.T) {
	st := NewRemote(&stubSafety{}, &stubButton{}, Views{}).Status()
	if st.Laser != nil || st.Servo != nil || st.Target != nil {
		t.Errorf("status = %+v, want no optional sections", st)
	}
	if !st.ServoOK {
		t.Error("ServoOK should default to true")
	}
}
