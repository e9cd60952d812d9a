// Package money provides the fixed-point amount type used on every path
// between ingest and the ledger. Amounts carry exactly two fractional
// digits and are never represented as binary floats.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value with two fractional digits.
// The zero value is $0.00 and is ready to use.
type Amount struct {
	d decimal.Decimal
}

// Parse converts a string like "1234.50" into an Amount. Amounts are
// parsed exactly once, at the edge; more than two fractional digits is a
// validation error, not something to round away silently.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	// Tolerate accounting-style input: "$1,234.50"
	s = strings.ReplaceAll(strings.TrimPrefix(s, "$"), ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Exponent() < -2 {
		return Amount{}, fmt.Errorf("amount %q has more than two fractional digits", s)
	}
	return Amount{d: d.Round(2)}, nil
}

// MustParse is Parse for compile-time constants in tests and seeds.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromCents builds an Amount from an integer number of cents.
func FromCents(c int64) Amount {
	return Amount{d: decimal.New(c, -2)}
}

// Zero returns $0.00.
func Zero() Amount { return Amount{} }

// Cents returns the amount as an integer number of cents.
func (a Amount) Cents() int64 {
	return a.d.Shift(2).IntPart()
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Abs returns |a|.
func (a Amount) Abs() Amount { return Amount{d: a.d.Abs()} }

// Neg returns -a.
func (a Amount) Neg() Amount { return Amount{d: a.d.Neg()} }

// Cmp compares a and b: -1 if a<b, 0 if equal, +1 if a>b.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Equal reports whether a and b are the same value.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// IsZero reports whether a is $0.00.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsNegative reports whether a is below zero.
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// IsPositive reports whether a is above zero.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// String renders the amount with exactly two fractional digits.
func (a Amount) String() string {
	return a.d.StringFixed(2)
}

// Within reports whether b falls inside the tolerance band around a.
// The effective tolerance is the greater of the absolute tolerance and
// the relative one (relPct of a, e.g. 0.005 for 0.5%).
func (a Amount) Within(b Amount, abs Amount, relPct float64) bool {
	rel := a.d.Abs().Mul(decimal.NewFromFloat(relPct)).Round(2)
	tol := abs.d
	if rel.GreaterThan(tol) {
		tol = rel
	}
	return a.d.Sub(b.d).Abs().LessThanOrEqual(tol)
}

// Sum adds a list of amounts.
func Sum(amounts ...Amount) Amount {
	total := Amount{}
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON serializes the amount as a string with two fractional
// digits, never as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a string amount. Numeric JSON is rejected so a
// client cannot smuggle a binary float into the ledger.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a string with two fractional digits: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as integer cents.
func (a Amount) Value() (driver.Value, error) {
	return a.Cents(), nil
}

// Scan reads integer cents back from the database.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*a = FromCents(v)
		return nil
	case nil:
		*a = Zero()
		return nil
	default:
		return fmt.Errorf("cannot scan %T into money.Amount", src)
	}
}
