package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/teslashibe/apis-edge/pkg/button"
	"github.com/teslashibe/apis-edge/pkg/control"
	"github.com/teslashibe/apis-edge/pkg/eventlog"
	"github.com/teslashibe/apis-edge/pkg/laser"
)

type stubControls struct {
	mu      sync.Mutex
	armErr  error
	mode    button.Mode
	disarms int
}

func (s *stubControls) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armErr != nil {
		return s.armErr
	}
	s.mode = button.ModeArmed
	return nil
}

func (s *stubControls) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarms++
	if s.mode != button.ModeEmergencyStop {
		s.mode = button.ModeDisarmed
	}
}

func (s *stubControls) Status() control.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return control.Status{Mode: s.mode, Armed: s.mode == button.ModeArmed, ServoOK: true}
}

type stubEvents struct {
	events []eventlog.Event
	err    error
	limit  int
}

func (s *stubEvents) Recent(_ context.Context, limit int) ([]eventlog.Event, error) {
	s.limit = limit
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.events) {
		return s.events[:limit], nil
	}
	return s.events, nil
}

func do(t *testing.T, s *Server, method, target string) (int, []byte) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body
}

func TestStatus(t *testing.T) {
	s := NewServer(Config{}, &stubControls{}, nil)
	code, body := do(t, s, http.MethodGet, "/api/status")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	var st map[string]any
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st["mode"] != "disarmed" {
		t.Errorf("mode = %v, want disarmed", st["mode"])
	}
}

func TestArmAndDisarm(t *testing.T) {
	ctl := &stubControls{}
	s := NewServer(Config{}, ctl, nil)

	code, body := do(t, s, http.MethodPost, "/api/arm")
	if code != http.StatusOK {
		t.Fatalf("arm code = %d body=%s", code, body)
	}
	var st map[string]any
	json.Unmarshal(body, &st)
	if st["mode"] != "armed" {
		t.Errorf("mode after arm = %v", st["mode"])
	}

	code, _ = do(t, s, http.MethodPost, "/api/disarm")
	if code != http.StatusOK || ctl.disarms != 1 {
		t.Errorf("disarm code = %d disarms = %d", code, ctl.disarms)
	}
}

func TestArmRefused(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		reason string
	}{
		{"safe mode", control.ErrSafeMode, http.StatusForbidden, control.ReasonSafeMode},
		{"emergency stop", control.ErrEmergencyStop, http.StatusForbidden, control.ReasonEmergencyStop},
		{"button emergency stop", button.ErrEmergencyStop, http.StatusForbidden, control.ReasonEmergencyStop},
		{"laser refused", laser.ErrKillSwitch, http.StatusConflict, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{}, &stubControls{armErr: tt.err}, nil)
			code, body := do(t, s, http.MethodPost, "/api/arm")
			if code != tt.code {
				t.Fatalf("code = %d, want %d", code, tt.code)
			}
			var resp errorResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Reason != tt.reason || resp.Error == "" {
				t.Errorf("response = %+v, want reason %q", resp, tt.reason)
			}
		})
	}
}

func TestNoResetRoutes(t *testing.T) {
	s := NewServer(Config{}, &stubControls{mode: button.ModeEmergencyStop}, nil)
	for _, path := range []string{"/api/reset", "/api/clear", "/api/safety/reset", "/api/estop/clear"} {
		code, _ := do(t, s, http.MethodPost, path)
		if code != http.StatusNotFound {
			t.Errorf("POST %s = %d, want 404", path, code)
		}
	}
	do(t, s, http.MethodPost, "/api/disarm")
	_, body := do(t, s, http.MethodGet, "/api/status")
	var st map[string]any
	json.Unmarshal(body, &st)
	if st["mode"] != "emergency_stop" {
		t.Errorf("mode after disarm = %v, want emergency_stop", st["mode"])
	}
}

func TestEvents(t *testing.T) {
	ev := &stubEvents{events: []eventlog.Event{
		{ID: "b", Kind: eventlog.KindLaserOff},
		{ID: "a", Kind: eventlog.KindLaserOn, LaserFired: true},
	}}
	s := NewServer(Config{}, &stubControls{}, ev)

	code, body := do(t, s, http.MethodGet, "/api/events?limit=1")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	var got []eventlog.Event
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b" || ev.limit != 1 {
		t.Errorf("events = %+v limit=%d", got, ev.limit)
	}

	if code, _ := do(t, s, http.MethodGet, "/api/events?limit=0"); code != http.StatusBadRequest {
		t.Errorf("limit=0 code = %d, want 400", code)
	}

	ev.err = errors.New("disk gone")
	if code, _ := do(t, s, http.MethodGet, "/api/events"); code != http.StatusInternalServerError {
		t.Errorf("failing store code = %d, want 500", code)
	}
}

func TestEventsWithoutLog(t *testing.T) {
	s := NewServer(Config{}, &stubControls{}, nil)
	if code, _ := do(t, s, http.MethodGet, "/api/events"); code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
}

func TestEmptyEventsIsArray(t *testing.T) {
	s := NewServer(Config{}, &stubControls{}, &stubEvents{})
	_, body := do(t, s, http.MethodGet, "/api/events")
	if string(body) != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	s := NewServer(Config{}, &stubControls{}, nil)
	if code, _ := do(t, s, http.MethodGet, "/ws/status"); code != http.StatusUpgradeRequired {
		t.Errorf("code = %d, want 426", code)
	}
}
