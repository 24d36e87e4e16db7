package models

import (
	"strings"
	"time"
)

// isoLayout matches the original node's wire format: a naive (UTC, no
// offset) ISO-8601 timestamp with microsecond precision, as produced by
// Python's `datetime.isoformat()`.
const isoLayout = "2006-01-02T15:04:05.000000"

// Timestamp is a UTC instant encoded on the wire the same way the original
// Staeon node encodes it, so txid/signature canonicalization byte-for-byte
// matches what every peer computes.
type Timestamp struct {
	time.Time
}

// NewTimestamp rounds t to microsecond precision in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Round(time.Microsecond)}
}

func (ts Timestamp) ISO() string {
	return ts.UTC().Format(isoLayout)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + ts.ISO() + `"`), nil
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	t, err := time.Parse(isoLayout, s)
	if err != nil {
		// tolerate a missing fractional part
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return err
		}
	}
	ts.Time = t.UTC()
	return nil
}

func ParseTimestamp(s string) (Timestamp, error) {
	var ts Timestamp
	err := ts.UnmarshalJSON([]byte(`"` + s + `"`))
	return ts, err
}
