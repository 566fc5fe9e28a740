// Package ledger is the persistent record of which orders have been invoiced.
//
// Every order has exactly one row keyed by order_number. A row is pending while
// success IS NULL and terminal once success is true or false. Terminal rows are
// never modified again: the only writes that set an outcome are upserts guarded by
// "success IS NULL", so repeated or concurrent calls converge on the first outcome.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"invoicer/internal/clock"
	"invoicer/internal/fiscal"
	"invoicer/internal/logger"
	"invoicer/pkg/models"
)

// Duplicate is an incoming order that the ledger already knows, with its prior outcome.
type Duplicate struct {
	Order  models.Order
	Record models.LedgerRecord
}

// FilterResult partitions a fetched batch.
type FilterResult struct {
	NewOrders  []models.Order
	Duplicates []Duplicate
}

// Stats aggregates the ledger for the status command.
type Stats struct {
	Total       int64
	Pending     int64
	Successful  int64
	Failed      int64
	Automatic   int64
	Manual      int64
	Unconfirmed int64
	LastVoucher map[int]int64 // sales point -> highest recorded voucher
}

// ListFilter selects rows for listing and export.
type ListFilter struct {
	PendingOnly bool
	Since       *time.Time
	Limit       int
}

// Store is the gorm-backed ledger.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
	log   zerolog.Logger
}

// NewStore creates a ledger on db. The schema must already exist (see Migrate).
func NewStore(db *gorm.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Store{
		db:    db,
		clock: clk,
		log:   logger.WithComponent("ledger"),
	}
}

// IsProcessed reports whether the order has a terminal outcome.
func (s *Store) IsProcessed(ctx context.Context, orderNumber string) (bool, error) {
	const op = "IsProcessed"

	var count int64
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("order_number = ? AND success IS NOT NULL", orderNumber).
		Count(&count).Error
	if err != nil {
		return false, fiscal.NewInfrastructureError(op, err, "order "+orderNumber)
	}
	return count > 0, nil
}

// RecordOf returns the row for orderNumber, or nil when the ledger has never seen it.
func (s *Store) RecordOf(ctx context.Context, orderNumber string) (*models.LedgerRecord, error) {
	const op = "RecordOf"

	var r Record
	err := s.db.WithContext(ctx).Where("order_number = ?", orderNumber).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fiscal.NewInfrastructureError(op, err, "order "+orderNumber)
	}
	lr := r.toLedgerRecord()
	return &lr, nil
}

// FilterNew splits orders into those the ledger has never seen and duplicates.
// An order repeated inside the batch is kept once.
func (s *Store) FilterNew(ctx context.Context, orders []models.Order) (*FilterResult, error) {
	const op = "FilterNew"

	result := &FilterResult{}
	if len(orders) == 0 {
		return result, nil
	}

	numbers := make([]string, 0, len(orders))
	for _, o := range orders {
		numbers = append(numbers, o.OrderNumber)
	}

	known := make(map[string]Record, len(orders))
	for start := 0; start < len(numbers); start += filterChunkSize {
		end := start + filterChunkSize
		if end > len(numbers) {
			end = len(numbers)
		}
		var rows []Record
		if err := s.db.WithContext(ctx).Where("order_number IN ?", numbers[start:end]).Find(&rows).Error; err != nil {
			return nil, fiscal.NewInfrastructureError(op, err, fmt.Sprintf("%d orders", len(orders)))
		}
		for _, r := range rows {
			known[r.OrderNumber] = r
		}
	}

	seen := make(map[string]bool, len(orders))
	for _, o := range orders {
		if r, ok := known[o.OrderNumber]; ok {
			result.Duplicates = append(result.Duplicates, Duplicate{Order: o, Record: r.toLedgerRecord()})
			continue
		}
		if seen[o.OrderNumber] {
			continue
		}
		seen[o.OrderNumber] = true
		result.NewOrders = append(result.NewOrders, o)
	}

	s.log.Debug().
		Int("incoming", len(orders)).
		Int("new", len(result.NewOrders)).
		Int("duplicates", len(result.Duplicates)).
		Msg("Filtered incoming orders against the ledger")

	return result, nil
}

const filterChunkSize = 500

// AddPending inserts orders as pending rows. Orders already present are left untouched.
// It returns how many rows were inserted.
func (s *Store) AddPending(ctx context.Context, orders []models.Order) (int64, error) {
	const op = "AddPending"

	if len(orders) == 0 {
		return 0, nil
	}

	now := s.clock.Now()
	rows := make([]Record, 0, len(orders))
	for _, o := range orders {
		r := recordFromOrder(o)
		r.CreatedAt, r.UpdatedAt = now, now
		rows = append(rows, r)
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_number"}},
			DoNothing: true,
		}).
		CreateInBatches(&rows, 100)
	if res.Error != nil {
		return 0, fiscal.NewInfrastructureError(op, res.Error, fmt.Sprintf("%d orders", len(orders)))
	}

	s.log.Info().
		Int("orders", len(orders)).
		Int64("inserted", res.RowsAffected).
		Msg("Pending orders recorded")

	return res.RowsAffected, nil
}

// Pending returns every non-terminal order, oldest first.
func (s *Store) Pending(ctx context.Context) ([]models.Order, error) {
	const op = "Pending"

	var rows []Record
	err := s.db.WithContext(ctx).
		Where("success IS NULL").
		Order("create_time ASC").
		Order("order_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fiscal.NewInfrastructureError(op, err, "")
	}

	orders := make([]models.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toLedgerRecord().Order)
	}
	return orders, nil
}

// RecordAttempt notes, before submission, which voucher number and type a pending
// order is about to be sent with. It fails with ErrAlreadyProcessed for terminal rows
// and a NotFoundError for unknown orders.
func (s *Store) RecordAttempt(ctx context.Context, orderNumber string, voucherType int, voucher int64) error {
	const op = "RecordAttempt"

	now := s.clock.Now()
	res := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("order_number = ? AND success IS NULL", orderNumber).
		Updates(map[string]interface{}{
			"attempt_voucher":      voucher,
			"attempt_voucher_type": voucherType,
			"attempted_at":         now,
			"updated_at":           now,
		})
	if res.Error != nil {
		return fiscal.NewInfrastructureError(op, res.Error, "order "+orderNumber)
	}
	if res.RowsAffected == 0 {
		return s.explainMissingRow(ctx, op, orderNumber)
	}
	return nil
}

// ClearAttempt drops the write-ahead marker of a pending order once the attempted
// voucher is known not to have been issued for it. voucher must match the recorded
// attempt, so a newer attempt is never cleared by mistake.
func (s *Store) ClearAttempt(ctx context.Context, orderNumber string, voucher int64) error {
	const op = "ClearAttempt"

	res := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("order_number = ? AND success IS NULL AND attempt_voucher = ?", orderNumber, voucher).
		Updates(map[string]interface{}{
			"attempt_voucher":      nil,
			"attempt_voucher_type": nil,
			"attempted_at":         nil,
			"updated_at":           s.clock.Now(),
		})
	if res.Error != nil {
		return fiscal.NewInfrastructureError(op, res.Error, "order "+orderNumber)
	}
	if res.RowsAffected > 0 {
		s.log.Info().
			Str("order_number", orderNumber).
			Int64("attempt_voucher", voucher).
			Msg("Submission attempt cleared")
		return nil
	}

	record, err := s.RecordOf(ctx, orderNumber)
	if err != nil {
		return err
	}
	switch {
	case record == nil:
		return fiscal.NewNotFoundError("order", orderNumber)
	case record.IsTerminal():
		return fiscal.DomainErrorf(fiscal.CodeAlreadyProcessed, "%s: order %s already processed", op, orderNumber)
	default:
		return fiscal.NewValidationError("attempt_voucher", voucher, "does not match the recorded attempt of order "+orderNumber)
	}
}

// VoucherHolder returns the successful record that holds voucher on the sales point's
// sequence of voucherType, or nil when no order in the ledger holds it.
func (s *Store) VoucherHolder(ctx context.Context, salesPoint, voucherType int, voucher int64) (*models.LedgerRecord, error) {
	const op = "VoucherHolder"

	var row Record
	err := s.db.WithContext(ctx).
		Where("sales_point = ? AND voucher_type = ? AND voucher_number = ? AND success = ?", salesPoint, voucherType, voucher, true).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fiscal.NewInfrastructureError(op, err, fmt.Sprintf("sales point %d voucher %d", salesPoint, voucher))
	}
	record := row.toLedgerRecord()
	return &record, nil
}

// RecordAttemptError keeps the latest transport error on a pending row. The row stays pending.
func (s *Store) RecordAttemptError(ctx context.Context, orderNumber string, message string) error {
	const op = "RecordAttemptError"

	res := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("order_number = ? AND success IS NULL", orderNumber).
		Updates(map[string]interface{}{
			"last_attempt_error": message,
			"updated_at":         s.clock.Now(),
		})
	if res.Error != nil {
		return fiscal.NewInfrastructureError(op, res.Error, "order "+orderNumber)
	}
	return nil
}

// MarkProcessed writes a terminal outcome. It is a single upsert guarded by the
// order_number key and "success IS NULL": a row that is already terminal is left
// unchanged and ErrAlreadyProcessed is returned.
func (s *Store) MarkProcessed(ctx context.Context, orderNumber string, outcome models.Outcome, method models.ProcessingMethod) error {
	const op = "MarkProcessed"

	if orderNumber == "" {
		return fiscal.NewValidationError("order_number", orderNumber, "is required")
	}
	if method != models.MethodAutomatic && method != models.MethodManual {
		return fiscal.NewValidationError("processing_method", method, "must be automatic or manual")
	}

	row := outcomeRecord(orderNumber, outcome, method, s.clock.Now())
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_number"}},
			DoUpdates: clause.AssignmentColumns(outcomeColumns),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: Record{}.TableName() + ".success IS NULL"},
			}},
		}).
		Create(&row)
	if res.Error != nil {
		return fiscal.NewInfrastructureError(op, res.Error, "order "+orderNumber)
	}
	if res.RowsAffected == 0 {
		s.log.Warn().
			Str("order_number", orderNumber).
			Msg("Order already has a terminal outcome, leaving it unchanged")
		return fiscal.DomainErrorf(fiscal.CodeAlreadyProcessed, "order %s already processed", orderNumber)
	}

	event := s.log.Info()
	if !outcome.Success {
		event = s.log.Warn().Str("error", outcome.ErrorMessage)
	}
	event.
		Str("order_number", orderNumber).
		Bool("success", outcome.Success).
		Str("method", string(method)).
		Msg("Order outcome recorded")

	return nil
}

// MarkManual records an invoice issued outside this tool, e.g. through the authority's portal.
// salesPoint and voucherType may be 0 when unknown.
func (s *Store) MarkManual(ctx context.Context, orderNumber string, cae models.CAE, voucherNumber int64, salesPoint, voucherType int, notes string) error {
	if cae.Code == "" {
		return fiscal.NewValidationError("cae", cae.Code, "is required")
	}
	if voucherNumber <= 0 {
		return fiscal.NewValidationError("voucher_number", voucherNumber, "must be positive")
	}

	outcome := models.Outcome{
		Success:       true,
		CAE:           &cae,
		VoucherNumber: &voucherNumber,
		Notes:         notes,
	}
	if salesPoint > 0 {
		outcome.SalesPoint = &salesPoint
	}
	if voucherType > 0 {
		outcome.VoucherType = &voucherType
	}
	return s.MarkProcessed(ctx, orderNumber, outcome, models.MethodManual)
}

// MarkManualFailure closes an order that will not be invoiced, for example after the
// operator confirmed an unconfirmed submission was never issued and gave up on it.
func (s *Store) MarkManualFailure(ctx context.Context, orderNumber, reason string) error {
	if reason == "" {
		return fiscal.NewValidationError("reason", reason, "is required")
	}
	return s.MarkProcessed(ctx, orderNumber, models.FailedWith(reason), models.MethodManual)
}

// Stats aggregates the ledger.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	const op = "Stats"

	var rows []struct {
		Success          *bool
		ProcessingMethod *string
		Unconfirmed      bool
		Count            int64
	}
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("success, processing_method, (attempt_voucher IS NOT NULL AND success IS NULL) AS unconfirmed, COUNT(*) AS count").
		Group("success, processing_method, unconfirmed").
		Scan(&rows).Error
	if err != nil {
		return nil, fiscal.NewInfrastructureError(op, err, "")
	}

	stats := &Stats{LastVoucher: make(map[int]int64)}
	for _, r := range rows {
		stats.Total += r.Count
		switch {
		case r.Success == nil:
			stats.Pending += r.Count
			if r.Unconfirmed {
				stats.Unconfirmed += r.Count
			}
		case *r.Success:
			stats.Successful += r.Count
		default:
			stats.Failed += r.Count
		}
		if r.ProcessingMethod != nil {
			switch models.ProcessingMethod(*r.ProcessingMethod) {
			case models.MethodAutomatic:
				stats.Automatic += r.Count
			case models.MethodManual:
				stats.Manual += r.Count
			}
		}
	}

	var vouchers []struct {
		SalesPoint int
		Voucher    int64
	}
	err = s.db.WithContext(ctx).
		Model(&Record{}).
		Select("sales_point, MAX(voucher_number) AS voucher").
		Where("voucher_number IS NOT NULL AND sales_point IS NOT NULL").
		Group("sales_point").
		Scan(&vouchers).Error
	if err != nil {
		return nil, fiscal.NewInfrastructureError(op, err, "last vouchers")
	}
	for _, v := range vouchers {
		stats.LastVoucher[v.SalesPoint] = v.Voucher
	}

	return stats, nil
}

// List returns rows newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]models.LedgerRecord, error) {
	const op = "List"

	q := s.db.WithContext(ctx).Model(&Record{})
	if filter.PendingOnly {
		q = q.Where("success IS NULL")
	}
	if filter.Since != nil {
		q = q.Where("create_time >= ?", filter.Since.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []Record
	if err := q.Order("create_time DESC").Order("order_number DESC").Find(&rows).Error; err != nil {
		return nil, fiscal.NewInfrastructureError(op, err, "")
	}

	records := make([]models.LedgerRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toLedgerRecord())
	}
	return records, nil
}

func (s *Store) explainMissingRow(ctx context.Context, op, orderNumber string) error {
	record, err := s.RecordOf(ctx, orderNumber)
	if err != nil {
		return err
	}
	if record == nil {
		return fiscal.NewNotFoundError("order", orderNumber)
	}
	return fiscal.DomainErrorf(fiscal.CodeAlreadyProcessed, "%s: order %s already processed", op, orderNumber)
}
