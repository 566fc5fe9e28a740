package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"invoicer/pkg/models"
)

// Record is one ledger row per order. The primary key on order_number is the
// idempotency guard: every state change is an upsert against it.
type Record struct {
	OrderNumber  string          `gorm:"column:order_number;primaryKey;size:64"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(30,8)"`
	UnitPrice    decimal.Decimal `gorm:"column:unit_price;type:decimal(20,4)"`
	TotalPrice   decimal.Decimal `gorm:"column:total_price;type:decimal(18,2)"`
	Asset        string          `gorm:"column:asset;size:16"`
	Fiat         string          `gorm:"column:fiat;size:8"`
	TradeType    string          `gorm:"column:trade_type;size:8"`
	CreateTime   time.Time       `gorm:"column:create_time;index"`
	Counterparty string          `gorm:"column:counterparty;size:128"`
	BuyerCUIT    string          `gorm:"column:buyer_cuit;size:11"`

	// Outcome; success is NULL while pending
	ProcessedAt      *time.Time `gorm:"column:processed_at"`
	Success          *bool      `gorm:"column:success;index"`
	CAE              *string    `gorm:"column:cae;size:20"`
	CAEExpiration    *time.Time `gorm:"column:cae_expiration"`
	VoucherNumber    *int64     `gorm:"column:voucher_number;index:idx_ledger_voucher,priority:3"`
	VoucherType      *int       `gorm:"column:voucher_type;index:idx_ledger_voucher,priority:2"`
	SalesPoint       *int       `gorm:"column:sales_point;index:idx_ledger_voucher,priority:1"`
	InvoiceDate      *time.Time `gorm:"column:invoice_date"`
	ProcessingMethod *string    `gorm:"column:processing_method;size:16"`
	ErrorMessage     *string    `gorm:"column:error_message"`
	Notes            *string    `gorm:"column:notes"`

	// Write-ahead marker for the submission in flight
	AttemptVoucher     *int64     `gorm:"column:attempt_voucher"`
	AttemptVoucherType *int       `gorm:"column:attempt_voucher_type"`
	AttemptedAt        *time.Time `gorm:"column:attempted_at"`
	LastAttemptError   *string    `gorm:"column:last_attempt_error"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName returns the table name for gorm
func (Record) TableName() string {
	return "ledger_records"
}

// outcomeColumns are the only columns a terminal upsert may touch on an existing row.
var outcomeColumns = []string{
	"processed_at", "success", "cae", "cae_expiration", "voucher_number", "voucher_type", "sales_point",
	"invoice_date", "processing_method", "error_message", "notes", "updated_at",
}

func recordFromOrder(o models.Order) Record {
	return Record{
		OrderNumber:  o.OrderNumber,
		Amount:       o.Amount,
		UnitPrice:    o.UnitPrice,
		TotalPrice:   o.TotalPrice,
		Asset:        o.Asset,
		Fiat:         o.Fiat,
		TradeType:    string(o.TradeType),
		CreateTime:   o.CreateTime.UTC(),
		Counterparty: o.Counterparty,
		BuyerCUIT:    o.BuyerCUIT,
	}
}

func outcomeRecord(orderNumber string, outcome models.Outcome, method models.ProcessingMethod, at time.Time) Record {
	success := outcome.Success
	m := string(method)
	r := Record{
		OrderNumber:      orderNumber,
		ProcessedAt:      &at,
		Success:          &success,
		VoucherNumber:    outcome.VoucherNumber,
		VoucherType:      outcome.VoucherType,
		SalesPoint:       outcome.SalesPoint,
		InvoiceDate:      outcome.InvoiceDate,
		ProcessingMethod: &m,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	if outcome.CAE != nil {
		code, exp := outcome.CAE.Code, outcome.CAE.Expiration
		r.CAE = &code
		if !exp.IsZero() {
			r.CAEExpiration = &exp
		}
	}
	if outcome.ErrorMessage != "" {
		msg := outcome.ErrorMessage
		r.ErrorMessage = &msg
	}
	if outcome.Notes != "" {
		notes := outcome.Notes
		r.Notes = &notes
	}
	return r
}

// toLedgerRecord maps a row back to the domain view.
func (r Record) toLedgerRecord() models.LedgerRecord {
	o := models.Order{
		OrderNumber:        r.OrderNumber,
		Amount:             r.Amount,
		UnitPrice:          r.UnitPrice,
		TotalPrice:         r.TotalPrice,
		Asset:              r.Asset,
		Fiat:               r.Fiat,
		TradeType:          models.TradeType(r.TradeType),
		CreateTime:         r.CreateTime,
		Counterparty:       r.Counterparty,
		BuyerCUIT:          r.BuyerCUIT,
		ProcessedAt:        r.ProcessedAt,
		Success:            r.Success,
		VoucherNumber:      r.VoucherNumber,
		VoucherType:        r.VoucherType,
		SalesPoint:         r.SalesPoint,
		InvoiceDate:        r.InvoiceDate,
		AttemptVoucher:     r.AttemptVoucher,
		AttemptVoucherType: r.AttemptVoucherType,
		AttemptedAt:        r.AttemptedAt,
	}
	if r.CAE != nil {
		cae := models.CAE{Code: *r.CAE}
		if r.CAEExpiration != nil {
			cae.Expiration = *r.CAEExpiration
		}
		o.CAE = &cae
	}
	if r.ProcessingMethod != nil {
		o.ProcessingMethod = models.ProcessingMethod(*r.ProcessingMethod)
	}
	if r.ErrorMessage != nil {
		o.ErrorMessage = *r.ErrorMessage
	} else if r.LastAttemptError != nil {
		o.ErrorMessage = *r.LastAttemptError
	}

	lr := models.LedgerRecord{Order: o, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
	if r.Notes != nil {
		lr.Notes = *r.Notes
	}
	return lr
}
