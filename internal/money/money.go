package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scales used across the billing pipeline. Settlement amounts (invoice
// totals, payments, refunds) carry scale 2; unit prices and exchange
// rates carry scale 8.
const (
	ScaleSettlement int32 = 2
	ScaleRate       int32 = 8
)

// Amount is an exact decimal monetary value. The zero value is 0.
// Construction from binary floating point is not provided; parse
// strings or integers instead.
type Amount struct {
	dec decimal.Decimal
}

var (
	// Cent is the settlement tolerance used by invoice validation.
	Cent = MustParse("0.01")
	// One is the multiplicative identity, used for reflexive rates.
	One = FromInt64(1)
)

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// Parse parses a canonical decimal string such as "10.50" or "-0.001".
func Parse(value string) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("money: parse %q: %w", value, err)
	}
	return Amount{dec: d}, nil
}

// MustParse parses a canonical decimal string and panics on failure.
// Intended for constants, seeds and tests.
func MustParse(value string) Amount {
	a, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt64 returns the amount v/1.
func FromInt64(v int64) Amount {
	return Amount{dec: decimal.NewFromInt(v)}
}

// FromMinorUnits interprets v as hundredths (e.g. paise) and returns
// the major-unit amount.
func FromMinorUnits(v int64) Amount {
	return Amount{dec: decimal.New(v, -2)}
}

// FromDecimal wraps an existing decimal value.
func FromDecimal(d decimal.Decimal) Amount { return Amount{dec: d} }

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.dec }

func (a Amount) Add(b Amount) Amount { return Amount{dec: a.dec.Add(b.dec)} }
func (a Amount) Sub(b Amount) Amount { return Amount{dec: a.dec.Sub(b.dec)} }

// Mul multiplies at full precision. Callers narrowing the product to a
// storage scale must follow with Round.
func (a Amount) Mul(b Amount) Amount { return Amount{dec: a.dec.Mul(b.dec)} }

// DivRound divides and rounds half-even to the given scale.
func (a Amount) DivRound(b Amount, scale int32) Amount {
	return Amount{dec: a.dec.DivRound(b.dec, scale+1).RoundBank(scale)}
}

func (a Amount) Neg() Amount { return Amount{dec: a.dec.Neg()} }
func (a Amount) Abs() Amount { return Amount{dec: a.dec.Abs()} }

// Round rounds half-even (banker's rounding) to the given scale.
func (a Amount) Round(scale int32) Amount {
	return Amount{dec: a.dec.RoundBank(scale)}
}

// Settle narrows to the settlement scale with half-even rounding.
func (a Amount) Settle() Amount { return a.Round(ScaleSettlement) }

func (a Amount) Cmp(b Amount) int              { return a.dec.Cmp(b.dec) }
func (a Amount) Equal(b Amount) bool           { return a.dec.Equal(b.dec) }
func (a Amount) LessThan(b Amount) bool        { return a.dec.LessThan(b.dec) }
func (a Amount) LessThanOrEqual(b Amount) bool { return a.dec.LessThanOrEqual(b.dec) }
func (a Amount) GreaterThan(b Amount) bool     { return a.dec.GreaterThan(b.dec) }
func (a Amount) GreaterThanOrEqual(b Amount) bool {
	return a.dec.GreaterThanOrEqual(b.dec)
}
func (a Amount) IsZero() bool     { return a.dec.IsZero() }
func (a Amount) IsNegative() bool { return a.dec.IsNegative() }
func (a Amount) IsPositive() bool { return a.dec.IsPositive() }

// WithinCent reports whether a and b differ by at most one settlement cent.
func (a Amount) WithinCent(b Amount) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Cent)
}

// MinorUnits returns the settlement-rounded amount in hundredths,
// the integer form payment gateways expect.
func (a Amount) MinorUnits() int64 {
	return a.dec.RoundBank(ScaleSettlement).Shift(2).IntPart()
}

// String returns the canonical decimal form without trailing zeros.
func (a Amount) String() string { return a.dec.String() }

// StringFixed renders with exactly scale fractional digits.
func (a Amount) StringFixed(scale int32) string { return a.dec.StringFixed(scale) }

// MarshalJSON renders the amount as a JSON string to keep precision
// out of client float parsers.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.dec.String() + `"`), nil
}

// UnmarshalJSON accepts both string and bare number forms.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("money: unmarshal %s: %w", data, err)
	}
	a.dec = d
	return nil
}

// Value implements driver.Valuer, storing the canonical string form.
func (a Amount) Value() (driver.Value, error) { return a.dec.Value() }

// Scan implements sql.Scanner for numeric and text columns.
func (a *Amount) Scan(value any) error { return a.dec.Scan(value) }

// Sum adds the given amounts.
func Sum(amounts ...Amount) Amount {
	total := Amount{}
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
