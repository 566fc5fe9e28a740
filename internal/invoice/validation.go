package invoice

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"invoicer/internal/fiscal"
	"invoicer/internal/logger"
)

// Totals holds the monetary amounts printed on an invoice.
type Totals struct {
	NetAmount   decimal.Decimal
	VATAmount   decimal.Decimal
	TotalAmount decimal.Decimal
	VATRate     *fiscal.VATRate // nil when VAT is not itemized
}

// AmountValidation computes invoice totals from a trade's fiat amount and checks them.
type AmountValidation struct {
	precision int32
	log       zerolog.Logger
}

// NewAmountValidation creates an amount validation service. precision is the number of
// decimals kept on the invoice total (0 invoices whole pesos).
func NewAmountValidation(precision int32) *AmountValidation {
	if precision < 0 || precision > 2 {
		precision = 2
	}
	return &AmountValidation{
		precision: precision,
		log:       logger.WithComponent("amount-validation"),
	}
}

// Round returns gross at the precision kept on the invoice total.
func (av *AmountValidation) Round(gross decimal.Decimal) decimal.Decimal {
	return gross.Round(av.precision)
}

// CalculateTotals splits gross into net and VAT. Without VAT the whole amount is net.
func (av *AmountValidation) CalculateTotals(gross decimal.Decimal, includeVAT bool, vatRateID int) (Totals, error) {
	const op = "CalculateTotals"

	total := av.Round(gross)
	if err := fiscal.ValidateDecimal("total_amount", total, fiscal.DefaultAmountOptions()); err != nil {
		return Totals{}, err
	}

	totals := Totals{
		NetAmount:   total,
		VATAmount:   decimal.Zero,
		TotalAmount: total,
	}

	if includeVAT {
		rate, err := fiscal.LookupVATRate(vatRateID)
		if err != nil {
			return Totals{}, err
		}
		totals.NetAmount = fiscal.Round2(total.Div(decimal.NewFromInt(1).Add(rate.Rate)))
		totals.VATAmount = total.Sub(totals.NetAmount)
		totals.VATRate = &rate
	}

	if err := av.CrossValidate(totals); err != nil {
		return Totals{}, fmt.Errorf("%s: %w", op, err)
	}

	av.log.Debug().
		Str("gross", gross.String()).
		Str("net", totals.NetAmount.String()).
		Str("vat", totals.VATAmount.String()).
		Str("total", totals.TotalAmount.String()).
		Bool("include_vat", includeVAT).
		Msg("Invoice totals calculated")

	return totals, nil
}

// CrossValidate checks that net + VAT adds up to the total and that no part is negative.
func (av *AmountValidation) CrossValidate(t Totals) error {
	if t.NetAmount.IsNegative() {
		return fiscal.NewValidationError("net_amount", t.NetAmount.String(), "must not be negative")
	}
	if t.VATAmount.IsNegative() {
		return fiscal.NewValidationError("vat_amount", t.VATAmount.String(), "must not be negative")
	}

	calculated := fiscal.Round2(t.NetAmount.Add(t.VATAmount))
	if !calculated.Equal(t.TotalAmount) {
		av.log.Warn().
			Str("net", t.NetAmount.String()).
			Str("vat", t.VATAmount.String()).
			Str("total", t.TotalAmount.String()).
			Str("calculated", calculated.String()).
			Msg("Amount calculation discrepancy detected")
		return fiscal.NewValidationError("total_amount", t.TotalAmount.String(),
			fmt.Sprintf("net %s + VAT %s = %s does not match the total", t.NetAmount, t.VATAmount, calculated))
	}
	return nil
}
