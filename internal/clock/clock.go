// Package clock maps wall-clock time to Staeon epoch numbers and enforces
// the propagation/closing windows transactions must fall within.
package clock

import (
	"errors"
	"time"
)

// Genesis is the fixed instant epoch 0 begins. Taken from the original
// node's `consensus_util.py` (`genesis = datetime.datetime(2019, 2, 14, 10,
// 0)`), since spec.md leaves the exact instant unspecified.
var Genesis = time.Date(2019, 2, 14, 10, 0, 0, 0, time.UTC)

const (
	EpochLength       = 600 * time.Second // 10 minutes
	ClosingWindow     = 10 * time.Second
	PropagationWindow = 10 * time.Second
)

// ErrExpiredTimestamp is returned when a transaction timestamp falls
// outside the acceptance window: too close to the end of its epoch to
// propagate, or too far in the future relative to the validator's clock.
var ErrExpiredTimestamp = errors.New("clock: expired timestamp")

// EpochOf returns the epoch number containing t.
func EpochOf(t time.Time) int64 {
	delta := t.Sub(Genesis)
	return int64(delta / EpochLength)
}

// RangeOf returns the half-open time range [start, end) of epoch n.
func RangeOf(n int64) (start, end time.Time) {
	start = Genesis.Add(time.Duration(n) * EpochLength)
	end = start.Add(EpochLength)
	return start, end
}

// SecondsTilNextEpoch returns how much time remains until the epoch
// containing t ends.
func SecondsTilNextEpoch(t time.Time) time.Duration {
	delta := t.Sub(Genesis)
	into := delta % EpochLength
	return EpochLength - into
}

// ValidateTimestamp enforces spec.md §4.1: a transaction timestamp must not
// be so close to its epoch's end that it can't propagate in time, and must
// not be so far in the future (relative to now) that it looks like clock
// skew or an attempt to pre-stage a future epoch.
func ValidateTimestamp(ts, now time.Time) error {
	if SecondsTilNextEpoch(ts) < ClosingWindow {
		return ErrExpiredTimestamp
	}
	if ts.Sub(now) >= PropagationWindow {
		return ErrExpiredTimestamp
	}
	return nil
}
