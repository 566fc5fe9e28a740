package fiscal

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultMaxAmount is the largest amount accepted on a single voucher.
var DefaultMaxAmount = decimal.NewFromInt(999_999_999)

// AmountOptions bounds an amount. Min is exclusive unless AllowZero is set and the value is zero.
type AmountOptions struct {
	Min         decimal.Decimal
	Max         decimal.Decimal
	AllowZero   bool
	MaxDecimals int32
}

// DefaultAmountOptions returns the bounds used for invoice amounts: (0, 999_999_999], 2 decimals.
func DefaultAmountOptions() AmountOptions {
	return AmountOptions{
		Min:         decimal.Zero,
		Max:         DefaultMaxAmount,
		MaxDecimals: 2,
	}
}

// WithZero returns a copy of the options that accepts zero.
func (o AmountOptions) WithZero() AmountOptions {
	o.AllowZero = true
	return o
}

// ValidateAmount checks a raw numeric amount and returns it as a decimal.
func ValidateAmount(field string, v float64, opts AmountOptions) (decimal.Decimal, error) {
	if math.IsNaN(v) {
		return decimal.Zero, NewValidationError(field, v, "must be a number")
	}
	if math.IsInf(v, 0) {
		return decimal.Zero, NewValidationError(field, v, "must be finite")
	}
	d := decimal.NewFromFloat(v)
	if err := ValidateDecimal(field, d, opts); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateDecimal checks an already parsed amount against opts.
func ValidateDecimal(field string, d decimal.Decimal, opts AmountOptions) error {
	if d.IsZero() {
		if opts.AllowZero {
			return nil
		}
		return NewValidationError(field, d.String(), "must be greater than zero")
	}
	if d.LessThanOrEqual(opts.Min) {
		return NewValidationError(field, d.String(), fmt.Sprintf("must be greater than %s", opts.Min.String()))
	}
	if !opts.Max.IsZero() && d.GreaterThan(opts.Max) {
		return NewValidationError(field, d.String(), fmt.Sprintf("must not exceed %s", opts.Max.String()))
	}
	if decimalPlaces(d) > opts.MaxDecimals {
		return NewValidationError(field, d.String(), fmt.Sprintf("must have at most %d decimal digits", opts.MaxDecimals))
	}
	return nil
}

// ParseAmount parses a decimal string as sent by the exchange and validates it.
func ParseAmount(field, s string, opts AmountOptions) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, NewValidationError(field, s, "must be a decimal number")
	}
	if err := ValidateDecimal(field, d, opts); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Round2 rounds half away from zero to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func decimalPlaces(d decimal.Decimal) int32 {
	// Trailing zeros do not count: 10.50 has one significant decimal.
	for places := int32(0); places < 32; places++ {
		if d.Equal(d.Truncate(places)) {
			return places
		}
	}
	return 32
}
