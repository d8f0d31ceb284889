package internal

import (
	"testing"
	"time"
)

func Test_ConnectionDelay(t *testing.T) {
	base := 250 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		delay := ConnectionDelay(attempt, base)
		expected := time.Duration(attempt+1) * base
		if delay != expected {
			t.Errorf("attempt %d: got %s, expected %s", attempt, delay, expected)
		}
		t.Logf("Attempt %d: %s", attempt, delay)
	}
}

func Test_ConnectionDelayInvalidInput(t *testing.T) {
	if d := ConnectionDelay(-1, time.Second); d != 0 {
		t.Errorf("negative attempt: got %s, expected 0", d)
	}
	if d := ConnectionDelay(3, 0); d != 0 {
		t.Errorf("zero base: got %s, expected 0", d)
	}
}

func Test_TransactionDelayBounds(t *testing.T) {
	unit := time.Second
	for i := 0; i < 1000; i++ {
		delay := TransactionDelay(unit)
		if delay < 0 || delay >= 2*unit {
			t.Fatalf("iteration %d: delay %s outside [0, %s)", i, delay, 2*unit)
		}
	}
}

func Test_TransactionDelayJitters(t *testing.T) {
	unit := time.Second
	first := TransactionDelay(unit)
	for i := 0; i < 100; i++ {
		if TransactionDelay(unit) != first {
			return
		}
	}
	t.Errorf("100 draws all returned %s, delay is not jittered", first)
}
