package invoice

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"invoicer/internal/clock"
	"invoicer/internal/fiscal"
	"invoicer/internal/logger"
	"invoicer/pkg/models"
)

// ProcessorConfig holds the business defaults applied to every invoice.
type ProcessorConfig struct {
	SalesPoint       int
	SalesPointRoutes map[string]int // asset -> sales point
	Concept          fiscal.Concept
	IncludeVAT       bool
	VATRateID        int
	MaxLagDays       int // 0 uses the concept's window
	TotalPrecision   int32
	Location         *time.Location
}

// CreateOptions overrides processor defaults for a single invoice.
type CreateOptions struct {
	PreferredDate *civil.Date
	BuyerCUIT     string
	IncludeVAT    *bool
}

// Eligibility is the answer to CanProcess.
type Eligibility struct {
	Eligible bool
	Reasons  []string
	problems []error
}

// Err returns nil for eligible orders, the single failed check, or a NOT_ELIGIBLE
// domain error listing every reason.
func (e Eligibility) Err() error {
	switch len(e.problems) {
	case 0:
		return nil
	case 1:
		return e.problems[0]
	default:
		return fiscal.DomainErrorf(fiscal.CodeNotEligible, "order is not eligible: %s", strings.Join(e.Reasons, "; "))
	}
}

// Processor decides whether orders can be invoiced and builds their invoices.
type Processor struct {
	cfg     ProcessorConfig
	rule    fiscal.DateRule
	amounts *AmountValidation
	clock   clock.Clock
	log     zerolog.Logger
}

// NewProcessor creates an order processor.
func NewProcessor(cfg ProcessorConfig, clk clock.Clock) *Processor {
	if !cfg.Concept.Valid() {
		cfg.Concept = fiscal.ConceptServices
	}
	if cfg.MaxLagDays <= 0 {
		cfg.MaxLagDays = cfg.Concept.MaxLagDays()
	}
	if cfg.VATRateID == 0 {
		cfg.VATRateID = fiscal.DefaultVATRateID
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Processor{
		cfg:     cfg,
		rule:    fiscal.NewDateRule(cfg.MaxLagDays),
		amounts: NewAmountValidation(cfg.TotalPrecision),
		clock:   clk,
		log:     logger.WithComponent("order-processor"),
	}
}

// Today returns the reference date in the fiscal time zone.
func (p *Processor) Today() civil.Date {
	return fiscal.DateIn(p.clock.Now(), p.cfg.Location)
}

// MaxLagDays returns the invoicing window in days.
func (p *Processor) MaxLagDays() int {
	return p.cfg.MaxLagDays
}

// TransactionDate returns the order's calendar date in the fiscal time zone.
func (p *Processor) TransactionDate(order models.Order) civil.Date {
	return fiscal.DateIn(order.CreateTime, p.cfg.Location)
}

// SalesPointFor returns the sales point an order is invoiced through.
func (p *Processor) SalesPointFor(order models.Order) int {
	if sp, ok := p.cfg.SalesPointRoutes[strings.ToUpper(order.Asset)]; ok && sp > 0 {
		return sp
	}
	return p.cfg.SalesPoint
}

// CanProcess reports whether order can be invoiced today, with every reason it cannot.
func (p *Processor) CanProcess(order models.Order) Eligibility {
	var e Eligibility
	add := func(err error) {
		e.problems = append(e.problems, err)
		e.Reasons = append(e.Reasons, err.Error())
	}

	if order.IsTerminal() {
		add(fiscal.DomainErrorf(fiscal.CodeAlreadyProcessed, "order %s already processed", order.OrderNumber))
	}
	if !order.IsSell() {
		add(fiscal.DomainErrorf(fiscal.CodeNotSellTrade, "order %s is a %s trade, only SELL trades are invoiced", order.OrderNumber, order.TradeType))
	}

	transaction := p.TransactionDate(order)
	today := p.Today()
	switch lag := fiscal.DaysBetween(transaction, today); {
	case lag < 0:
		add(fiscal.DomainErrorf(fiscal.CodeOutsideWindow, "order %s was created on %s, after today (%s)", order.OrderNumber, transaction, today))
	case lag > p.cfg.MaxLagDays:
		add(fiscal.DomainErrorf(fiscal.CodeOutsideWindow, "order %s was created %d days ago, outside the invoicing window of %d days", order.OrderNumber, lag, p.cfg.MaxLagDays))
	}

	// the invoice carries the rounded total, so that is what must be in range
	if err := fiscal.ValidateDecimal("total_price", p.amounts.Round(order.TotalPrice), fiscal.DefaultAmountOptions()); err != nil {
		add(err)
	}
	if _, err := fiscal.CurrencyCode(order.Fiat); err != nil {
		add(err)
	}

	e.Eligible = len(e.problems) == 0
	return e
}

// DetermineInvoiceDate returns preferred when it passes the date rule, otherwise a fallback.
func (p *Processor) DetermineInvoiceDate(order models.Order, preferred *civil.Date) civil.Date {
	return ResolveDate(p.rule, p.TransactionDate(order), preferred, p.Today())
}

// CreateInvoiceFromOrder validates eligibility and builds the invoice.
func (p *Processor) CreateInvoiceFromOrder(order models.Order, opts CreateOptions) (*Invoice, error) {
	const op = "CreateInvoiceFromOrder"

	eligibility := p.CanProcess(order)
	if !eligibility.Eligible {
		p.log.Debug().
			Str("order_number", order.OrderNumber).
			Strs("reasons", eligibility.Reasons).
			Msg("Order is not eligible for invoicing")
		return nil, eligibility.Err()
	}

	includeVAT := p.cfg.IncludeVAT
	if opts.IncludeVAT != nil {
		includeVAT = *opts.IncludeVAT
	}

	inv, err := FromOrder(order, Options{
		SalesPoint:     p.SalesPointFor(order),
		Concept:        p.cfg.Concept,
		IncludeVAT:     includeVAT,
		VATRateID:      p.cfg.VATRateID,
		BuyerCUIT:      opts.BuyerCUIT,
		PreferredDate:  opts.PreferredDate,
		ReferenceDate:  p.Today(),
		MaxLagDays:     p.cfg.MaxLagDays,
		TotalPrecision: p.cfg.TotalPrecision,
		Location:       p.cfg.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: order %s: %w", op, order.OrderNumber, err)
	}

	p.log.Debug().
		Str("order_number", order.OrderNumber).
		Int("sales_point", inv.SalesPoint).
		Int("voucher_type", inv.VoucherType).
		Str("invoice_date", inv.Date.String()).
		Str("total", inv.TotalAmount.String()).
		Msg("Invoice built from order")

	return inv, nil
}
