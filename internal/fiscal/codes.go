package fiscal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Concept tells the authority whether the invoice covers products, services or both.
type Concept int

const (
	ConceptProducts            Concept = 1
	ConceptServices            Concept = 2
	ConceptProductsAndServices Concept = 3
)

// MaxLagDays returns the number of days after the transaction an invoice may still be dated.
func (c Concept) MaxLagDays() int {
	if c == ConceptProducts {
		return 5
	}
	return 10
}

// HasServicePeriod reports whether the authority requires service-period dates.
func (c Concept) HasServicePeriod() bool {
	return c == ConceptServices || c == ConceptProductsAndServices
}

// Valid reports whether c is a known concept code.
func (c Concept) Valid() bool {
	return c >= ConceptProducts && c <= ConceptProductsAndServices
}

// Voucher types
const (
	VoucherFacturaA = 1
	VoucherFacturaB = 6
	VoucherFacturaC = 11
)

// Buyer document types
const (
	DocTypeCUIT          = 80
	DocTypeDNI           = 96
	DocTypeFinalConsumer = 99
)

// VATRate is one row of the authority's VAT-rate table.
type VATRate struct {
	ID   int
	Rate decimal.Decimal
}

var vatRates = map[int]VATRate{
	3: {ID: 3, Rate: decimal.Zero},
	4: {ID: 4, Rate: decimal.RequireFromString("0.105")},
	5: {ID: 5, Rate: decimal.RequireFromString("0.21")},
	6: {ID: 6, Rate: decimal.RequireFromString("0.27")},
	8: {ID: 8, Rate: decimal.RequireFromString("0.05")},
	9: {ID: 9, Rate: decimal.RequireFromString("0.025")},
}

// DefaultVATRateID is the general 21% rate.
const DefaultVATRateID = 5

// LookupVATRate returns the rate for an authority VAT id.
func LookupVATRate(id int) (VATRate, error) {
	rate, ok := vatRates[id]
	if !ok {
		return VATRate{}, NewValidationError("vat_rate_id", id, "unknown VAT rate id")
	}
	return rate, nil
}

// CurrencyCode maps an ISO fiat code to the authority's currency id. Only pesos are
// invoiced: foreign currencies need a quoted exchange rate, which is not looked up here.
func CurrencyCode(fiat string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(fiat)) {
	case "ARS":
		return "PES", nil
	default:
		return "", NewValidationError("fiat", fiat, fmt.Sprintf("currency %q cannot be invoiced without an exchange rate", fiat))
	}
}
