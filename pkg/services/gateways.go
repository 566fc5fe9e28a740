package services

import (
	"context"
	"time"

	"invoicer/pkg/models"
)

// OrderSourceGateway reads completed P2P trades from the exchange.
// Implementations may return the same order on repeated calls.
type OrderSourceGateway interface {
	// FetchOrders returns trades of the given type created within the last days.
	FetchOrders(ctx context.Context, days int, tradeType models.TradeType) ([]models.Order, error)
}

// TaxAuthorityGateway talks to the tax authority's e-invoicing service.
// Authentication and session renewal are the implementation's concern.
type TaxAuthorityGateway interface {
	// CreateInvoice requests a CAE for the invoice. A returned error means the outcome is
	// unknown (transport failure); a result with Success=false is a definitive rejection.
	CreateInvoice(ctx context.Context, invoice AuthorityInvoice, salesPoint int) (*SubmissionResult, error)

	// GetLastInvoiceNumber returns the last voucher number issued for the sales point and type.
	GetLastInvoiceNumber(ctx context.Context, salesPoint int, invoiceType int) (int64, error)
}

// SubmissionResult is the authority's answer to CreateInvoice.
type SubmissionResult struct {
	Success       bool
	CAE           string
	CAEExpiration time.Time
	VoucherNumber int64
	ErrorMessage  string
	Observations  []string
}

// AuthorityInvoice is the WSFE FECAEDetRequest payload for a single voucher.
type AuthorityInvoice struct {
	SalesPoint    int       `json:"PtoVta"`
	VoucherType   int       `json:"CbteTipo"`
	Concept       int       `json:"Concepto"`
	DocType       int       `json:"DocTipo"`
	DocNumber     int64     `json:"DocNro"`
	VoucherFrom   int64     `json:"CbteDesde"`
	VoucherTo     int64     `json:"CbteHasta"`
	VoucherDate   string    `json:"CbteFch"` // yyyymmdd
	TotalAmount   float64   `json:"ImpTotal"`
	UntaxedAmount float64   `json:"ImpTotConc"`
	NetAmount     float64   `json:"ImpNeto"`
	ExemptAmount  float64   `json:"ImpOpEx"`
	VATAmount     float64   `json:"ImpIVA"`
	TaxesAmount   float64   `json:"ImpTrib"`
	ServiceFrom   string    `json:"FchServDesde,omitempty"`
	ServiceTo     string    `json:"FchServHasta,omitempty"`
	PaymentDue    string    `json:"FchVtoPago,omitempty"`
	CurrencyID    string    `json:"MonId"`
	CurrencyRate  float64   `json:"MonCotiz"`
	VAT           []VATLine `json:"Iva,omitempty"`
}

// VATLine is one AlicIva entry of the authority payload.
type VATLine struct {
	ID     int     `json:"Id"`
	Base   float64 `json:"BaseImp"`
	Amount float64 `json:"Importe"`
}
