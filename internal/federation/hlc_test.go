package federation

import "testing"

func TestHLC_MonotonicWithinSameMillisecond(t *testing.T) {
	h := NewHLC()
	a := h.Now()
	b := h.Now()

	if !a.Before(b) {
		t.Fatalf("expected %+v before %+v", a, b)
	}
}

func TestHLC_Before(t *testing.T) {
	earlier := HLCTimestamp{WallMs: 100, Counter: 5}
	later := HLCTimestamp{WallMs: 100, Counter: 6}
	if !earlier.Before(later) {
		t.Fatal("expected earlier counter to be Before later counter at equal wall time")
	}
	if later.Before(earlier) {
		t.Fatal("later timestamp should not be Before earlier timestamp")
	}
}
