package models

import (
	"fmt"
	"math"
	"strconv"
)

// Amount is a fixed-point value with exactly 8 fractional digits, stored as
// an integer count of 1e-8 units so ledger arithmetic never drifts the way
// repeated float64 addition would.
type Amount int64

// AmountFromFloat rounds a float64 (as decoded from wire-format JSON) to
// the nearest 1e-8 unit.
func AmountFromFloat(f float64) Amount {
	return Amount(math.Round(f * 1e8))
}

// Float64 converts back to a float64 BTC-style value, for JSON encoding of
// responses that mirror the original wire format.
func (a Amount) Float64() float64 {
	return float64(a) / 1e8
}

// Fixed8 renders the amount with exactly 8 fractional digits, matching
// spec.md §4.2's `fixed8(x) = printf("%.8f", x)`. It formats directly from
// the integer representation so no float rounding error can sneak into the
// canonical encoding used for txids and signatures.
func (a Amount) Fixed8() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / 1e8
	frac := v % 1e8
	s := fmt.Sprintf("%d.%08d", whole, frac)
	if neg {
		s = "-" + s
	}
	return s
}

func (a Amount) String() string { return a.Fixed8() }

// ParseFixed8 parses a fixed8-formatted decimal string back into an Amount.
func ParseFixed8(s string) (Amount, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return AmountFromFloat(f), nil
}

// MarshalJSON encodes the amount as a JSON number with 8 decimal places,
// matching the wire format's `amount_float` fields.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Fixed8()), nil
}

// UnmarshalJSON accepts a JSON number and rounds it to the nearest 1e-8 unit.
func (a *Amount) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*a = AmountFromFloat(f)
	return nil
}
