package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindAndSentinel(t *testing.T) {
	errNotArmed := New(ErrCheckFailed, "laser: not armed")
	wrapped := fmt.Errorf("fire: %w", errNotArmed)

	if !errors.Is(wrapped, errNotArmed) {
		t.Error("wrapped error should match its sentinel")
	}
	if !errors.Is(wrapped, ErrCheckFailed) {
		t.Error("wrapped error should match its kind")
	}
	if errors.Is(wrapped, ErrHardwareFailure) {
		t.Error("wrapped error should not match an unrelated kind")
	}
	if wrapped.Error() != "fire: laser: not armed" {
		t.Errorf("unexpected message %q", wrapped.Error())
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), nil},
		{"sentinel", New(ErrTimeout, "servo: move timeout"), ErrTimeout},
		{"wrapped", fmt.Errorf("x: %w", New(ErrAlreadyKilled, "laser: killed")), ErrAlreadyKilled},
		{"kind itself", ErrInvalidParameter, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}
