package reconciliation

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"invoicer/internal/ledger"
	"invoicer/pkg/models"
)

// Ledger is the subset of the ledger store the orchestrator needs.
type Ledger interface {
	RecordOf(ctx context.Context, orderNumber string) (*models.LedgerRecord, error)
	FilterNew(ctx context.Context, orders []models.Order) (*ledger.FilterResult, error)
	AddPending(ctx context.Context, orders []models.Order) (int64, error)
	Pending(ctx context.Context) ([]models.Order, error)
	RecordAttempt(ctx context.Context, orderNumber string, voucherType int, voucher int64) error
	ClearAttempt(ctx context.Context, orderNumber string, voucher int64) error
	VoucherHolder(ctx context.Context, salesPoint, voucherType int, voucher int64) (*models.LedgerRecord, error)
	RecordAttemptError(ctx context.Context, orderNumber string, message string) error
	MarkProcessed(ctx context.Context, orderNumber string, outcome models.Outcome, method models.ProcessingMethod) error
}

// Config tunes a run.
type Config struct {
	// MaxParallelSalesPoints bounds how many sales points are worked at once (0 = one per sales point)
	MaxParallelSalesPoints int

	// DryRun builds invoices without calling the authority or writing the ledger
	DryRun bool

	// Sequencer serializes submissions per sales point; nil uses the process-wide one
	Sequencer *Sequencer
}

// ItemStatus is what happened to one order in a run.
type ItemStatus string

const (
	StatusSucceeded ItemStatus = "succeeded"
	StatusFailed    ItemStatus = "failed"
	StatusDeferred  ItemStatus = "deferred"
	StatusSkipped   ItemStatus = "skipped"
	StatusPreview   ItemStatus = "preview"
)

// Item is the per-order line of a run summary.
type Item struct {
	OrderNumber   string
	SalesPoint    int
	Status        ItemStatus
	VoucherNumber int64
	CAE           string
	InvoiceDate   civil.Date
	Total         string
	Error         string
}

// Result summarizes ProcessUnprocessedOrders.
// Processed counts every order the run acted on: Successful + Failed + Deferred.
type Result struct {
	RunID      string
	Processed  int
	Successful int
	Failed     int
	Deferred   int
	Skipped    int
	Previewed  int
	Duration   time.Duration
	Items      []Item
}

func (r *Result) add(item Item) {
	switch item.Status {
	case StatusSucceeded:
		r.Processed++
		r.Successful++
	case StatusFailed:
		r.Processed++
		r.Failed++
	case StatusDeferred:
		r.Processed++
		r.Deferred++
	case StatusSkipped:
		r.Skipped++
	case StatusPreview:
		r.Previewed++
	}
	r.Items = append(r.Items, item)
}

// IngestResult summarizes IngestOrders.
type IngestResult struct {
	Fetched    int
	Duplicates int
	Inserted   int64
	NewOrders  []models.Order
}

// SyncResult is an ingest followed by a processing run.
type SyncResult struct {
	Ingest  *IngestResult
	Process *Result
}
