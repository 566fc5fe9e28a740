// Package invoice builds fiscal invoices from P2P sell orders.
//
// An Invoice is a transient value: it is derived from one Order, rendered into the
// authority's WSFE request shape and discarded once the outcome is in the ledger.
//
// Amount rules:
//   - The invoice total is the order's fiat total rounded to the configured precision
//     (whole pesos by default).
//   - Without itemized VAT the whole total is net (Factura C).
//   - With itemized VAT net = round2(total / (1 + rate)) and VAT = total - net
//     (Factura A for buyers with a CUIT, Factura B for final consumers).
package invoice

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"invoicer/internal/fiscal"
	"invoicer/pkg/models"
	"invoicer/pkg/services"
)

// Options controls how an invoice is derived from an order.
type Options struct {
	SalesPoint     int
	Concept        fiscal.Concept
	IncludeVAT     bool
	VATRateID      int
	BuyerCUIT      string
	PreferredDate  *civil.Date
	ReferenceDate  civil.Date
	MaxLagDays     int
	TotalPrecision int32
	Location       *time.Location
}

// Invoice is an invoice ready to be numbered and submitted.
type Invoice struct {
	OrderNumber string
	SalesPoint  int
	VoucherType int
	Concept     fiscal.Concept
	DocType     int
	DocNumber   int64
	Currency    string

	NetAmount   decimal.Decimal
	VATAmount   decimal.Decimal
	TotalAmount decimal.Decimal
	VATRate     *fiscal.VATRate

	Date        civil.Date
	ServiceFrom *civil.Date
	ServiceTo   *civil.Date
	PaymentDue  *civil.Date
}

// FromOrder derives an invoice from order. It has no side effects.
func FromOrder(order models.Order, opts Options) (*Invoice, error) {
	if opts.SalesPoint <= 0 {
		return nil, fiscal.NewValidationError("sales_point", opts.SalesPoint, "must be positive")
	}
	concept := opts.Concept
	if !concept.Valid() {
		concept = fiscal.ConceptServices
	}
	maxLag := opts.MaxLagDays
	if maxLag <= 0 {
		maxLag = concept.MaxLagDays()
	}
	rule := fiscal.NewDateRule(maxLag)
	if !opts.ReferenceDate.IsValid() {
		opts.ReferenceDate = fiscal.DateIn(time.Now(), opts.Location)
	}

	currency, err := fiscal.CurrencyCode(order.Fiat)
	if err != nil {
		return nil, err
	}

	totals, err := NewAmountValidation(opts.TotalPrecision).CalculateTotals(order.TotalPrice, opts.IncludeVAT, vatRateOrDefault(opts.VATRateID))
	if err != nil {
		return nil, err
	}

	transaction := fiscal.DateIn(order.CreateTime, opts.Location)
	date := ResolveDate(rule, transaction, opts.PreferredDate, opts.ReferenceDate)
	if err := rule.Validate(transaction, date, opts.ReferenceDate); err != nil {
		return nil, err
	}

	inv := &Invoice{
		OrderNumber: order.OrderNumber,
		SalesPoint:  opts.SalesPoint,
		Concept:     concept,
		DocType:     fiscal.DocTypeFinalConsumer,
		Currency:    currency,
		NetAmount:   totals.NetAmount,
		VATAmount:   totals.VATAmount,
		TotalAmount: totals.TotalAmount,
		VATRate:     totals.VATRate,
		Date:        date,
	}

	buyer := opts.BuyerCUIT
	if buyer == "" {
		buyer = order.BuyerCUIT
	}
	if buyer != "" {
		cuit, err := fiscal.ParseCUIT(buyer)
		if err != nil {
			return nil, err
		}
		inv.DocType = fiscal.DocTypeCUIT
		inv.DocNumber = cuit.Int64()
	}

	inv.VoucherType = selectVoucherType(opts.IncludeVAT, inv.DocType == fiscal.DocTypeCUIT)

	if concept.HasServicePeriod() {
		from, to, due := date, date, date
		inv.ServiceFrom, inv.ServiceTo, inv.PaymentDue = &from, &to, &due
	}

	return inv, nil
}

// ResolveDate picks the invoice date: the preferred date when legal, then the
// transaction date, then the rule's suggestion.
func ResolveDate(rule fiscal.DateRule, transaction civil.Date, preferred *civil.Date, reference civil.Date) civil.Date {
	if preferred != nil && rule.Validate(transaction, *preferred, reference) == nil {
		return *preferred
	}
	if rule.Validate(transaction, transaction, reference) == nil {
		return transaction
	}
	return rule.Suggest(transaction, reference)
}

func selectVoucherType(itemizedVAT, buyerHasCUIT bool) int {
	switch {
	case itemizedVAT && buyerHasCUIT:
		return fiscal.VoucherFacturaA
	case itemizedVAT:
		return fiscal.VoucherFacturaB
	default:
		return fiscal.VoucherFacturaC
	}
}

func vatRateOrDefault(id int) int {
	if id == 0 {
		return fiscal.DefaultVATRateID
	}
	return id
}

// DateTime returns the invoice date as midnight UTC, the form stored in the ledger.
func (inv *Invoice) DateTime() time.Time {
	return inv.Date.In(time.UTC)
}

// ToAuthorityFormat renders the invoice as a WSFE detail request for voucher.
// Pass 0 to get the unnumbered placeholder.
func (inv *Invoice) ToAuthorityFormat(voucher int64) services.AuthorityInvoice {
	req := services.AuthorityInvoice{
		SalesPoint:   inv.SalesPoint,
		VoucherType:  inv.VoucherType,
		Concept:      int(inv.Concept),
		DocType:      inv.DocType,
		DocNumber:    inv.DocNumber,
		VoucherFrom:  voucher,
		VoucherTo:    voucher,
		VoucherDate:  fiscal.CompactDate(inv.Date),
		TotalAmount:  inv.TotalAmount.InexactFloat64(),
		NetAmount:    inv.NetAmount.InexactFloat64(),
		VATAmount:    inv.VATAmount.InexactFloat64(),
		CurrencyID:   inv.Currency,
		CurrencyRate: 1,
	}

	if inv.VATRate != nil {
		req.VAT = []services.VATLine{{
			ID:     inv.VATRate.ID,
			Base:   inv.NetAmount.InexactFloat64(),
			Amount: inv.VATAmount.InexactFloat64(),
		}}
	}

	if inv.ServiceFrom != nil {
		req.ServiceFrom = fiscal.CompactDate(*inv.ServiceFrom)
	}
	if inv.ServiceTo != nil {
		req.ServiceTo = fiscal.CompactDate(*inv.ServiceTo)
	}
	if inv.PaymentDue != nil {
		req.PaymentDue = fiscal.CompactDate(*inv.PaymentDue)
	}

	return req
}
