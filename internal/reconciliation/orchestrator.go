// Package reconciliation drives pending ledger orders through the tax authority.
//
// A run loads every pending order, groups them by sales point and works each group
// strictly in creation-time order. Groups for different sales points run
// concurrently. For each order the voucher number is derived from the authority's
// last issued voucher right before submission, under the sales point's lock, and
// recorded in the ledger before the request leaves the process.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"invoicer/internal/fiscal"
	"invoicer/internal/invoice"
	"invoicer/internal/logger"
	"invoicer/pkg/models"
	"invoicer/pkg/services"
)

// OrderProcessor decides eligibility and builds invoices.
type OrderProcessor interface {
	CanProcess(order models.Order) invoice.Eligibility
	CreateInvoiceFromOrder(order models.Order, opts invoice.CreateOptions) (*invoice.Invoice, error)
	SalesPointFor(order models.Order) int
}

// Orchestrator reconciles fetched orders with issued invoices.
type Orchestrator struct {
	ledger    Ledger
	processor OrderProcessor
	authority services.TaxAuthorityGateway
	source    services.OrderSourceGateway
	cfg       Config
	sequencer *Sequencer
	log       zerolog.Logger
}

// NewOrchestrator wires an orchestrator. source may be nil when only pending orders are processed.
func NewOrchestrator(ledger Ledger, processor OrderProcessor, authority services.TaxAuthorityGateway, source services.OrderSourceGateway, cfg Config) *Orchestrator {
	seq := cfg.Sequencer
	if seq == nil {
		seq = processSequencer
	}
	return &Orchestrator{
		ledger:    ledger,
		processor: processor,
		authority: authority,
		source:    source,
		cfg:       cfg,
		sequencer: seq,
		log:       logger.WithComponent("reconciliation"),
	}
}

// IngestOrders fetches orders from the exchange and records the unseen ones as pending.
// In dry-run mode nothing is written; the new orders are only returned.
func (o *Orchestrator) IngestOrders(ctx context.Context, days int, tradeType models.TradeType) (*IngestResult, error) {
	const op = "IngestOrders"

	if o.source == nil {
		return nil, fmt.Errorf("%s: no order source configured", op)
	}
	if days <= 0 {
		return nil, fiscal.NewValidationError("days", days, "must be positive")
	}

	orders, err := o.source.FetchOrders(ctx, days, tradeType)
	if err != nil {
		return nil, fiscal.WrapInfrastructure(op, err, "fetch orders")
	}

	filtered, err := o.ledger.FilterNew(ctx, orders)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result := &IngestResult{
		Fetched:    len(orders),
		Duplicates: len(filtered.Duplicates),
		NewOrders:  filtered.NewOrders,
	}

	if !o.cfg.DryRun {
		inserted, err := o.ledger.AddPending(ctx, filtered.NewOrders)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result.Inserted = inserted
	}

	o.log.Info().
		Int("days", days).
		Str("trade_type", string(tradeType)).
		Int("fetched", result.Fetched).
		Int("new", len(result.NewOrders)).
		Int("duplicates", result.Duplicates).
		Int64("inserted", result.Inserted).
		Bool("dry_run", o.cfg.DryRun).
		Msg("Orders ingested")

	return result, nil
}

// ProcessUnprocessedOrders submits every pending order. Per-order failures are recorded
// and never abort the run. A cancelled context stops each sales point between orders;
// the partial result is returned together with the context error.
func (o *Orchestrator) ProcessUnprocessedOrders(ctx context.Context) (*Result, error) {
	return o.process(ctx, nil)
}

// Sync ingests SELL orders from the last days and processes everything pending.
func (o *Orchestrator) Sync(ctx context.Context, days int) (*SyncResult, error) {
	ingest, err := o.IngestOrders(ctx, days, models.TradeSell)
	if err != nil {
		return nil, err
	}

	// a dry run never wrote the new orders, so preview them alongside the pending ones
	var extra []models.Order
	if o.cfg.DryRun {
		extra = ingest.NewOrders
	}

	processed, err := o.process(ctx, extra)
	return &SyncResult{Ingest: ingest, Process: processed}, err
}

func (o *Orchestrator) process(ctx context.Context, extra []models.Order) (*Result, error) {
	const op = "ProcessUnprocessedOrders"

	runID := uuid.NewString()
	log := logger.WithRun(o.log, runID)
	started := time.Now()

	pending, err := o.ledger.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	pending = append(pending, extra...)
	invoice.SortByCreateTime(pending)

	groups := o.groupBySalesPoint(pending)
	salesPoints := make([]int, 0, len(groups))
	for sp := range groups {
		salesPoints = append(salesPoints, sp)
	}
	sort.Ints(salesPoints)

	log.Info().
		Int("pending", len(pending)).
		Ints("sales_points", salesPoints).
		Bool("dry_run", o.cfg.DryRun).
		Msg("Processing pending orders")

	results := make([][]Item, len(salesPoints))
	var g errgroup.Group
	if o.cfg.MaxParallelSalesPoints > 0 {
		g.SetLimit(o.cfg.MaxParallelSalesPoints)
	}
	for i, sp := range salesPoints {
		i, sp := i, sp
		g.Go(func() error {
			items, err := o.processSalesPoint(ctx, log, sp, groups[sp])
			results[i] = items
			return err
		})
	}
	runErr := g.Wait()

	result := &Result{RunID: runID}
	for _, items := range results {
		for _, item := range items {
			result.add(item)
		}
	}
	result.Duration = time.Since(started)

	log.Info().
		Int("processed", result.Processed).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("deferred", result.Deferred).
		Int("skipped", result.Skipped).
		Int("previewed", result.Previewed).
		Dur("duration", result.Duration).
		Msg("Processing run finished")

	if runErr != nil {
		return result, fmt.Errorf("%s: %w", op, runErr)
	}
	return result, nil
}

func (o *Orchestrator) groupBySalesPoint(orders []models.Order) map[int][]models.Order {
	groups := make(map[int][]models.Order)
	for _, order := range orders {
		sp := o.processor.SalesPointFor(order)
		groups[sp] = append(groups[sp], order)
	}
	return groups
}

// processSalesPoint works one sales point's queue in order. A submission whose outcome
// is unknown halts the queue: later orders cannot be numbered safely until it is settled.
func (o *Orchestrator) processSalesPoint(ctx context.Context, log zerolog.Logger, salesPoint int, orders []models.Order) ([]Item, error) {
	log = log.With().Int("sales_point", salesPoint).Logger()
	items := make([]Item, 0, len(orders))

	var halted string
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Int("remaining", len(orders)-len(items)).Msg("Run cancelled, stopping sales point")
			return items, err
		}

		if halted != "" {
			items = append(items, Item{
				OrderNumber: order.OrderNumber,
				SalesPoint:  salesPoint,
				Status:      StatusDeferred,
				Error:       halted,
			})
			continue
		}

		item, halt := o.processOrder(ctx, log, salesPoint, order)
		items = append(items, item)
		if halt {
			halted = fmt.Sprintf("deferred: sales point %d halted after order %s: %s", salesPoint, order.OrderNumber, item.Error)
		}
	}
	return items, nil
}

// processOrder handles one order under its sales point's lock. halt reports that the
// authority's voucher sequence is uncertain after this order.
func (o *Orchestrator) processOrder(ctx context.Context, log zerolog.Logger, salesPoint int, order models.Order) (item Item, halt bool) {
	log = log.With().Str("order_number", order.OrderNumber).Logger()
	item = Item{OrderNumber: order.OrderNumber, SalesPoint: salesPoint}

	if o.cfg.DryRun {
		return o.preview(order, item), false
	}

	unlock := o.sequencer.Lock(salesPoint)
	defer unlock()

	// another run in this process may have settled the order since Pending was read
	current, err := o.ledger.RecordOf(ctx, order.OrderNumber)
	if err != nil {
		return o.deferred(log, item, err), false
	}
	if current == nil {
		item.Status = StatusSkipped
		item.Error = "order is not in the ledger"
		return item, false
	}
	if current.IsTerminal() {
		item.Status = StatusSkipped
		item.Error = "already processed"
		return item, false
	}
	order = current.Order

	inv, err := o.buildInvoice(order)
	if err != nil {
		return o.fail(ctx, log, item, err.Error()), false
	}
	item.InvoiceDate = inv.Date
	item.Total = inv.TotalAmount.String()

	last, err := o.authority.GetLastInvoiceNumber(ctx, salesPoint, inv.VoucherType)
	if err != nil {
		o.noteAttemptError(ctx, log, order.OrderNumber, err)
		return o.deferred(log, item, err), true
	}

	if order.AttemptVoucher != nil {
		unconfirmed, err := o.attemptMayHaveLanded(ctx, log, salesPoint, inv.VoucherType, last, order)
		if err != nil {
			o.noteAttemptError(ctx, log, order.OrderNumber, err)
			return o.deferred(log, item, err), true
		}
		if unconfirmed {
			item.Status = StatusSkipped
			item.Error = fiscal.DomainErrorf(fiscal.CodeUnconfirmedAttempt,
				"voucher %d was submitted for this order without a recorded answer and the authority has issued up to it; verify it and record it with the manual command (--cae, or --release if it was never issued)",
				*order.AttemptVoucher).Error()
			log.Warn().
				Int64("attempt_voucher", *order.AttemptVoucher).
				Int64("last_voucher", last).
				Msg("Unconfirmed submission, not resubmitting")
			return item, false
		}
	}

	voucher := last + 1
	if err := o.ledger.RecordAttempt(ctx, order.OrderNumber, inv.VoucherType, voucher); err != nil {
		if errors.Is(err, fiscal.ErrAlreadyProcessed) {
			item.Status = StatusSkipped
			item.Error = err.Error()
			return item, false
		}
		return o.deferred(log, item, err), false
	}

	// the submission and its outcome are never abandoned halfway
	submitCtx := context.WithoutCancel(ctx)

	log.Debug().Int64("voucher", voucher).Int("voucher_type", inv.VoucherType).Msg("Submitting invoice")
	res, err := o.authority.CreateInvoice(submitCtx, inv.ToAuthorityFormat(voucher), salesPoint)
	if err != nil {
		o.noteAttemptError(submitCtx, log, order.OrderNumber, err)
		return o.deferred(log, item, err), true
	}

	if !res.Success {
		return o.fail(submitCtx, log, item, rejectionMessage(res)), false
	}

	if res.VoucherNumber > 0 {
		voucher = res.VoucherNumber
	}
	outcome := models.SucceededWith(models.CAE{Code: res.CAE, Expiration: res.CAEExpiration}, voucher, salesPoint, inv.DateTime())
	voucherType := inv.VoucherType
	outcome.VoucherType = &voucherType
	if len(res.Observations) > 0 {
		outcome.Notes = strings.Join(res.Observations, "; ")
	}

	if err := o.ledger.MarkProcessed(submitCtx, order.OrderNumber, outcome, models.MethodAutomatic); err != nil {
		// the invoice exists at the authority; the attempt marker keeps it from being resubmitted
		log.Error().
			Err(err).
			Int64("voucher", voucher).
			Str("cae", res.CAE).
			Msg("Invoice issued but outcome could not be recorded")
		return o.deferred(log, item, err), true
	}

	item.Status = StatusSucceeded
	item.VoucherNumber = voucher
	item.CAE = res.CAE
	log.Info().
		Int64("voucher", voucher).
		Str("cae", res.CAE).
		Str("invoice_date", inv.Date.String()).
		Msg("Invoice issued")
	return item, false
}

// attemptMayHaveLanded decides whether an earlier submission of order could have been
// issued. It could not when the authority's sequence of the attempted type has not
// reached the attempted voucher, or when another order in the ledger holds that
// voucher; in the latter case the marker is cleared so the order is renumbered.
func (o *Orchestrator) attemptMayHaveLanded(ctx context.Context, log zerolog.Logger, salesPoint, voucherType int, last int64, order models.Order) (bool, error) {
	attempt := *order.AttemptVoucher
	attemptType := voucherType
	if order.AttemptVoucherType != nil {
		attemptType = *order.AttemptVoucherType
	}

	attemptLast := last
	if attemptType != voucherType {
		var err error
		attemptLast, err = o.authority.GetLastInvoiceNumber(ctx, salesPoint, attemptType)
		if err != nil {
			return false, err
		}
	}
	if attemptLast < attempt {
		return false, nil
	}

	holder, err := o.ledger.VoucherHolder(ctx, salesPoint, attemptType, attempt)
	if err != nil {
		return false, err
	}
	if holder == nil || holder.OrderNumber == order.OrderNumber {
		return true, nil
	}

	if err := o.ledger.ClearAttempt(ctx, order.OrderNumber, attempt); err != nil {
		return false, err
	}
	log.Info().
		Int64("attempt_voucher", attempt).
		Int("attempt_voucher_type", attemptType).
		Str("holder", holder.OrderNumber).
		Msg("Attempted voucher was issued to another order, renumbering")
	return false, nil
}

func (o *Orchestrator) buildInvoice(order models.Order) (*invoice.Invoice, error) {
	eligibility := o.processor.CanProcess(order)
	if !eligibility.Eligible {
		return nil, eligibility.Err()
	}
	return o.processor.CreateInvoiceFromOrder(order, invoice.CreateOptions{BuyerCUIT: order.BuyerCUIT})
}

func (o *Orchestrator) preview(order models.Order, item Item) Item {
	if order.IsTerminal() {
		item.Status = StatusSkipped
		item.Error = "already processed"
		return item
	}
	inv, err := o.buildInvoice(order)
	if err != nil {
		item.Status = StatusFailed
		item.Error = err.Error()
		return item
	}
	item.Status = StatusPreview
	item.InvoiceDate = inv.Date
	item.Total = inv.TotalAmount.String()
	return item
}

// fail records a terminal failure. A ledger write error leaves the order pending.
func (o *Orchestrator) fail(ctx context.Context, log zerolog.Logger, item Item, message string) Item {
	err := o.ledger.MarkProcessed(ctx, item.OrderNumber, models.FailedWith(message), models.MethodAutomatic)
	switch {
	case errors.Is(err, fiscal.ErrAlreadyProcessed):
		item.Status = StatusSkipped
		item.Error = err.Error()
		return item
	case err != nil:
		return o.deferred(log, item, err)
	}

	log.Warn().Str("reason", message).Msg("Order failed")
	item.Status = StatusFailed
	item.Error = message
	return item
}

func (o *Orchestrator) deferred(log zerolog.Logger, item Item, err error) Item {
	log.Warn().Err(err).Msg("Order deferred to a later run")
	item.Status = StatusDeferred
	item.Error = err.Error()
	return item
}

func (o *Orchestrator) noteAttemptError(ctx context.Context, log zerolog.Logger, orderNumber string, cause error) {
	if err := o.ledger.RecordAttemptError(ctx, orderNumber, cause.Error()); err != nil {
		log.Error().Err(err).Msg("Failed to record attempt error")
	}
}

func rejectionMessage(res *services.SubmissionResult) string {
	parts := make([]string, 0, 1+len(res.Observations))
	if res.ErrorMessage != "" {
		parts = append(parts, res.ErrorMessage)
	}
	parts = append(parts, res.Observations...)
	if len(parts) == 0 {
		return "rejected by the tax authority"
	}
	return strings.Join(parts, "; ")
}
