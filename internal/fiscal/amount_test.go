package fiscal

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAmount(t *testing.T) {
	opts := DefaultAmountOptions()

	tests := []struct {
		name    string
		value   float64
		opts    AmountOptions
		wantErr string
	}{
		{name: "whole amount", value: 120675, opts: opts},
		{name: "two decimals", value: 120675.38, opts: opts},
		{name: "upper bound", value: 999_999_999, opts: opts},
		{name: "zero when allowed", value: 0, opts: opts.WithZero()},
		{name: "NaN", value: math.NaN(), opts: opts, wantErr: "must be a number"},
		{name: "infinity", value: math.Inf(1), opts: opts, wantErr: "must be finite"},
		{name: "zero", value: 0, opts: opts, wantErr: "greater than zero"},
		{name: "negative", value: -5, opts: opts, wantErr: "greater than 0"},
		{name: "too large", value: 1_000_000_000, opts: opts, wantErr: "must not exceed"},
		{name: "three decimals", value: 10.123, opts: opts, wantErr: "at most 2 decimal digits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateAmount("total_price", tt.value, tt.opts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, "total_price", validationErr.Field)
			assert.Contains(t, validationErr.Message, tt.wantErr)
		})
	}
}

func TestValidateDecimal_TrailingZeros(t *testing.T) {
	err := ValidateDecimal("amount", decimal.RequireFromString("10.500"), DefaultAmountOptions())
	assert.NoError(t, err)
}

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount("total_price", "120675.38", DefaultAmountOptions())
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("120675.38")))

	_, err = ParseAmount("total_price", "12,5", DefaultAmountOptions())
	assert.True(t, IsValidation(err))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, "1.01", Round2(decimal.RequireFromString("1.005")).String())
	assert.Equal(t, "99173.55", Round2(decimal.RequireFromString("99173.553719")).String())
}
