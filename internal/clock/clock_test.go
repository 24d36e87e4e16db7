package clock

import (
	"testing"
	"time"
)

func TestEpochOfGenesis(t *testing.T) {
	if got := EpochOf(Genesis); got != 0 {
		t.Errorf("EpochOf(Genesis) = %d, want 0", got)
	}
	mid := Genesis.Add(5 * time.Minute)
	if got := EpochOf(mid); got != 0 {
		t.Errorf("EpochOf(mid-epoch) = %d, want 0", got)
	}
	next := Genesis.Add(EpochLength)
	if got := EpochOf(next); got != 1 {
		t.Errorf("EpochOf(next epoch start) = %d, want 1", got)
	}
}

func TestRangeOfRoundTrips(t *testing.T) {
	for n := int64(0); n < 5; n++ {
		start, end := RangeOf(n)
		if EpochOf(start) != n {
			t.Errorf("epoch %d: EpochOf(start)=%d", n, EpochOf(start))
		}
		if EpochOf(end.Add(-time.Nanosecond)) != n {
			t.Errorf("epoch %d: EpochOf(end-1ns)=%d", n, EpochOf(end.Add(-time.Nanosecond)))
		}
		if EpochOf(end) != n+1 {
			t.Errorf("epoch %d: EpochOf(end)=%d, want %d", n, EpochOf(end), n+1)
		}
	}
}

func TestValidateTimestampClosingWindow(t *testing.T) {
	_, end := RangeOf(100)
	now := end.Add(-20 * time.Second)

	tooClose := end.Add(-5 * time.Second)
	if err := ValidateTimestamp(tooClose, now); err != ErrExpiredTimestamp {
		t.Errorf("timestamp within closing window should fail, got %v", err)
	}

	fine := end.Add(-30 * time.Second)
	if err := ValidateTimestamp(fine, now); err != nil {
		t.Errorf("timestamp outside closing window should pass, got %v", err)
	}
}

func TestValidateTimestampPropagationWindow(t *testing.T) {
	now := Genesis.Add(time.Hour)

	tooFarFuture := now.Add(15 * time.Second)
	if err := ValidateTimestamp(tooFarFuture, now); err != ErrExpiredTimestamp {
		t.Errorf("timestamp far in the future should fail, got %v", err)
	}

	justFine := now.Add(5 * time.Second)
	if err := ValidateTimestamp(justFine, now); err != nil {
		t.Errorf("timestamp slightly ahead should pass, got %v", err)
	}
}
