package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the direction of a P2P trade from the account owner's point of view.
type TradeType string

const (
	TradeSell TradeType = "SELL"
	TradeBuy  TradeType = "BUY"
)

// ProcessingMethod records how a terminal outcome reached the ledger.
type ProcessingMethod string

const (
	MethodAutomatic ProcessingMethod = "automatic"
	MethodManual    ProcessingMethod = "manual"
)

// CAE is the authorization code the tax authority issues for an accepted invoice.
type CAE struct {
	Code       string
	Expiration time.Time
}

// Order is a completed P2P trade fetched from the exchange.
type Order struct {
	// Identity and trade data, immutable once fetched
	OrderNumber  string          // Exchange-assigned, globally unique
	Amount       decimal.Decimal // Crypto asset quantity
	UnitPrice    decimal.Decimal // Fiat per asset unit
	TotalPrice   decimal.Decimal // Fiat received
	Asset        string          // USDT, BTC, ...
	Fiat         string          // ARS, USD, ...
	TradeType    TradeType
	CreateTime   time.Time
	Counterparty string // Counterparty nickname on the exchange
	BuyerCUIT    string // Optional buyer tax ID, empty for final consumers

	// Processing outcome, mirrored from the ledger
	ProcessedAt      *time.Time
	Success          *bool // nil while pending
	CAE              *CAE
	VoucherNumber    *int64
	VoucherType      *int // nil when recorded manually without a type
	SalesPoint       *int
	InvoiceDate      *time.Time
	ProcessingMethod ProcessingMethod
	ErrorMessage     string

	// Last unconfirmed submission attempt, if any
	AttemptVoucher     *int64
	AttemptVoucherType *int
	AttemptedAt        *time.Time
}

// IsTerminal reports whether the order already has a final success or failure outcome.
func (o *Order) IsTerminal() bool {
	return o.Success != nil
}

// IsSell reports whether the account owner sold the asset, the only direction that is invoiced.
func (o *Order) IsSell() bool {
	return o.TradeType == TradeSell
}

// HasUnconfirmedAttempt reports whether a previous submission was sent without a recorded result.
func (o *Order) HasUnconfirmedAttempt() bool {
	return !o.IsTerminal() && o.AttemptVoucher != nil
}

// Outcome is the terminal result written for an order.
type Outcome struct {
	Success       bool
	CAE           *CAE
	VoucherNumber *int64
	VoucherType   *int
	SalesPoint    *int
	InvoiceDate   *time.Time
	ErrorMessage  string
	Notes         string
}

// SucceededWith builds a successful outcome. Set VoucherType when the type is known.
func SucceededWith(cae CAE, voucher int64, salesPoint int, invoiceDate time.Time) Outcome {
	return Outcome{
		Success:       true,
		CAE:           &cae,
		VoucherNumber: &voucher,
		SalesPoint:    &salesPoint,
		InvoiceDate:   &invoiceDate,
	}
}

// FailedWith builds a failed outcome carrying the reason.
func FailedWith(message string) Outcome {
	return Outcome{Success: false, ErrorMessage: message}
}

// LedgerRecord is the persisted view of one order and its outcome.
type LedgerRecord struct {
	Order
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
