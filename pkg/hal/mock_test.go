package hal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMockOutputFailOnNeverBlocksDeactivation(t *testing.T) {
	out := NewMockOutput()
	if err := out.Set(true); err != nil {
		t.Fatalf("Set(true) = %v", err)
	}

	out.FailOn(ErrInjected)
	if err := out.Set(true); !errors.Is(err, ErrInjected) {
		t.Errorf("Set(true) with FailOn = %v, want ErrInjected", err)
	}
	if err := out.Set(false); err != nil {
		t.Errorf("Set(false) with FailOn = %v, want nil", err)
	}
	if out.On() {
		t.Error("output should be off")
	}

	want := []bool{true, false}
	got := out.History()
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMockPWMStuck(t *testing.T) {
	p := NewMockPWM()
	if err := p.SetPulse(1500 * time.Microsecond); err != nil {
		t.Fatal(err)
	}
	p.SetStuck(true)
	if err := p.SetPulse(1000 * time.Microsecond); err == nil {
		t.Error("stuck channel should reject writes")
	}
	last, ok := p.Last()
	if !ok || last != 1500*time.Microsecond {
		t.Errorf("Last() = %v, %v; want 1.5ms, true", last, ok)
	}
}

func TestSysfsPWMWritesAttributes(t *testing.T) {
	chip := t.TempDir()
	dir := filepath.Join(chip, "pwm1")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	p, err := OpenSysfsPWM(chip, 1, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenSysfsPWM: %v", err)
	}

	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return strings.TrimSpace(string(b))
	}

	if got := read("period"); got != "20000000" {
		t.Errorf("period = %s, want 20000000", got)
	}
	if got := read("enable"); got != "1" {
		t.Errorf("enable = %s, want 1", got)
	}

	if err := p.SetPulse(1500 * time.Microsecond); err != nil {
		t.Fatal(err)
	}
	if got := read("duty_cycle"); got != "1500000" {
		t.Errorf("duty_cycle = %s, want 1500000", got)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if got := read("enable"); got != "0" {
		t.Errorf("enable after close = %s, want 0", got)
	}
	if err := p.SetPulse(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("SetPulse after close = %v, want ErrClosed", err)
	}
}

func TestSysfsPWMMissingChannel(t *testing.T) {
	chip := t.TempDir()
	start := time.Now()
	if _, err := OpenSysfsPWM(chip, 0, 20*time.Millisecond); err == nil {
		t.Fatal("expected error when channel directory never appears")
	}
	if time.Since(start) < exportWait {
		t.Error("should wait for udev before giving up")
	}
}
