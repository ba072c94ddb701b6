// Package money provides the fixed-point monetary type used throughout the
// matching core. It wraps shopspring/decimal so that every add, sub, and mul
// on prices, amounts, and balances is exact -- no silent rounding.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a signed, arbitrary-precision fixed-point number. It is safe to
// pass by value and to use as a struct field; the zero value is zero. It is
// not usable as a map key: two equal amounts can compare unequal with ==,
// so compare with Equal.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// FromInt builds an Amount from an integer mantissa and a base-10 scale, so
// that the value is mantissa * 10^-scale. Used for loading exact values out
// of WAL records and database columns without going through a float.
func FromInt(mantissa int64, scale int32) Amount {
	return Amount{d: decimal.New(mantissa, -scale)}
}

// FromString parses a canonical decimal string ("123.45", "-0.0001").
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: invalid decimal %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// FromFloat constructs an Amount from a float64. Reserved for presentation
// inputs (e.g. config defaults); never use it for a value that round-trips
// through matching, since binary floats cannot represent every decimal.
func FromFloat(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f)}
}

// String returns the canonical decimal representation, no trailing zeros.
func (a Amount) String() string {
	return a.d.String()
}

// Float64 converts to float64 for presentation only (logs, JSON to UIs).
// Never feed the result back into matching or balance arithmetic.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// Add returns a+b, exact.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a-b, exact.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Mul returns a*b, exact. Used to turn (price, amount) into quote-side cost.
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }

// Div returns a/b rounded to scale decimal places. Division is not required
// inside the matching loop (spec.md §4.1) but is needed to convert a
// market-buy's remaining quote amount into a base-asset step size.
func (a Amount) Div(b Amount, scale int32) Amount {
	return Amount{d: a.d.DivRound(b.d, scale)}
}

// Truncate rounds toward zero to the given number of decimal places,
// discarding the remainder. Used to clip a computed base-asset fill size to
// an asset's lot scale.
func (a Amount) Truncate(scale int32) Amount {
	return Amount{d: a.d.Truncate(scale)}
}

// Cmp returns -1, 0, or 1 per the usual comparator contract.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Equal reports whether a == b.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }

// GreaterThanOrEqual reports whether a >= b.
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.d.GreaterThanOrEqual(b.d) }

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }

// LessThanOrEqual reports whether a <= b.
func (a Amount) LessThanOrEqual(b Amount) bool { return a.d.LessThanOrEqual(b.d) }

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsNegative reports whether a < 0.
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MarshalJSON encodes as a JSON string, matching decimal's own convention and
// avoiding float round-off through the wire.
func (a Amount) MarshalJSON() ([]byte, error) {
	return a.d.MarshalJSON()
}

// UnmarshalJSON decodes a JSON string or number into an exact Amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	return a.d.UnmarshalJSON(data)
}

// Value implements driver.Valuer so gorm/database-sql can persist an Amount
// as a decimal/numeric column.
func (a Amount) Value() (driver.Value, error) {
	return a.d.Value()
}

// Scan implements sql.Scanner for gorm/database-sql row reads.
func (a *Amount) Scan(value interface{}) error {
	return a.d.Scan(value)
}
