package shared

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// QtyPlaces is the number of fractional digits kept for quantities.
const QtyPlaces = 3

// Qty normalises a quantity to the domain precision.
func Qty(d decimal.Decimal) decimal.Decimal {
	return d.Round(QtyPlaces)
}

// ParseQty parses a decimal string into a normalised quantity.
func ParseQty(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("shared: parse quantity %q: %w", s, err)
	}
	return Qty(d), nil
}

// MustQty is ParseQty for literals; it panics on malformed input.
func MustQty(s string) decimal.Decimal {
	d, err := ParseQty(s)
	if err != nil {
		panic(err)
	}
	return d
}

// MinQty returns the smaller of two quantities.
func MinQty(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
