package gpio

import (
	"errors"
	"testing"
)

type fakeLine struct {
	value int
	err   error
}

func (f *fakeLine) Value() (int, error) { return f.value, f.err }

func (f *fakeLine) SetValue(v int) error {
	if f.err != nil {
		return f.err
	}
	f.value = v
	return nil
}

func TestLogicalToPinValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		on, inverted bool
		want         int
	}{
		{true, false, 1},
		{false, false, 0},
		{true, true, 0},
		{false, true, 1},
	}
	for _, tt := range tests {
		if got := logicalToPinValue(tt.on, tt.inverted); got != tt.want {
			t.Errorf("logicalToPinValue(%v, %v) = %d, want %d", tt.on, tt.inverted, got, tt.want)
		}
		if got := getLogicalState(tt.want, tt.inverted); got != tt.on {
			t.Errorf("getLogicalState(%d, %v) = %v, want %v", tt.want, tt.inverted, got, tt.on)
		}
	}
}

func TestActiveLowOutput(t *testing.T) {
	t.Parallel()

	l := &fakeLine{value: 1}
	o := &output{name: "relay_water", line: l, inverted: true}

	on, err := o.Active()
	if err != nil || on {
		t.Fatalf("idle active-low relay reads on=%v err=%v", on, err)
	}
	if err := o.SetActive(true); err != nil {
		t.Fatal(err)
	}
	if l.value != 0 {
		t.Fatalf("pin value = %d, want 0 for ON", l.value)
	}
	if on, _ := o.Active(); !on {
		t.Fatal("relay should read ON")
	}
}

func TestOutputErrorsWrapName(t *testing.T) {
	t.Parallel()

	boom := errors.New("ebusy")
	o := &output{name: "relay_vent", line: &fakeLine{err: boom}}
	err := o.SetActive(true)
	if !errors.Is(err, boom) {
		t.Fatalf("error %v should wrap line error", err)
	}
}

func TestInputPressedLow(t *testing.T) {
	t.Parallel()

	l := &fakeLine{value: 0}
	in := &input{name: "reset", line: l, inverted: true}
	if pressed, _ := in.Active(); !pressed {
		t.Fatal("pulled-up button reading low should be pressed")
	}
	l.value = 1
	if pressed, _ := in.Active(); pressed {
		t.Fatal("button reading high should be released")
	}
}
