package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"invoicer/internal/clock"
	"invoicer/internal/fiscal"
	"invoicer/pkg/models"
)

var testNow = time.Date(2025, time.March, 20, 18, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return NewStore(db, clock.NewFixed(testNow))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return NewStore(gormDB, clock.NewFixed(testNow)), mock, mockDB
}

func order(number string, hoursAgo int) models.Order {
	return models.Order{
		OrderNumber:  number,
		Amount:       decimal.RequireFromString("100"),
		UnitPrice:    decimal.RequireFromString("1206.7538"),
		TotalPrice:   decimal.RequireFromString("120675.38"),
		Asset:        "USDT",
		Fiat:         "ARS",
		TradeType:    models.TradeSell,
		CreateTime:   testNow.Add(-time.Duration(hoursAgo) * time.Hour),
		Counterparty: "satoshi",
	}
}

func success(voucher int64, salesPoint int) models.Outcome {
	return models.SucceededWith(
		models.CAE{Code: "75123456789012", Expiration: testNow.AddDate(0, 0, 10)},
		voucher, salesPoint, testNow.Truncate(24*time.Hour),
	)
}

func mustRecord(t *testing.T, store *Store, orderNumber string) *models.LedgerRecord {
	t.Helper()
	record, err := store.RecordOf(context.Background(), orderNumber)
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}

func TestStore_AddPendingAndFilterNew(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	inserted, err := store.AddPending(ctx, []models.Order{order("A", 3), order("B", 2)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	t.Run("adding the same orders again is a no-op", func(t *testing.T) {
		inserted, err := store.AddPending(ctx, []models.Order{order("A", 3), order("C", 1)})
		require.NoError(t, err)
		assert.Equal(t, int64(1), inserted)
	})

	t.Run("known orders are reported as duplicates", func(t *testing.T) {
		result, err := store.FilterNew(ctx, []models.Order{order("A", 3), order("D", 1), order("D", 1)})
		require.NoError(t, err)
		require.Len(t, result.NewOrders, 1)
		assert.Equal(t, "D", result.NewOrders[0].OrderNumber)
		require.Len(t, result.Duplicates, 1)
		assert.Equal(t, "A", result.Duplicates[0].Record.OrderNumber)
		assert.Nil(t, result.Duplicates[0].Record.Success)
	})

	t.Run("empty batch", func(t *testing.T) {
		result, err := store.FilterNew(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, result.NewOrders)
		assert.Empty(t, result.Duplicates)
	})
}

func TestStore_PendingOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.AddPending(ctx, []models.Order{order("B", 5), order("A", 5), order("C", 10), order("D", 1)})
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, "D", success(1, 3), models.MethodAutomatic))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)

	numbers := make([]string, 0, len(pending))
	for _, o := range pending {
		numbers = append(numbers, o.OrderNumber)
	}
	assert.Equal(t, []string{"C", "A", "B"}, numbers)
	assert.True(t, pending[0].TotalPrice.Equal(decimal.RequireFromString("120675.38")))
}

func TestStore_MarkProcessed(t *testing.T) {
	ctx := context.Background()

	t.Run("records a success on a pending row", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddPending(ctx, []models.Order{order("A", 2)})
		require.NoError(t, err)

		require.NoError(t, store.MarkProcessed(ctx, "A", success(42, 3), models.MethodAutomatic))

		processed, err := store.IsProcessed(ctx, "A")
		require.NoError(t, err)
		assert.True(t, processed)

		record, err := store.RecordOf(ctx, "A")
		require.NoError(t, err)
		require.NotNil(t, record)
		require.NotNil(t, record.Success)
		assert.True(t, *record.Success)
		require.NotNil(t, record.CAE)
		assert.Equal(t, "75123456789012", record.CAE.Code)
		assert.Equal(t, int64(42), *record.VoucherNumber)
		assert.Equal(t, 3, *record.SalesPoint)
		assert.Equal(t, models.MethodAutomatic, record.ProcessingMethod)
		assert.Equal(t, "USDT", record.Asset, "trade data is preserved by the upsert")
	})

	t.Run("second outcome leaves the first unchanged", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddPending(ctx, []models.Order{order("A", 2)})
		require.NoError(t, err)
		require.NoError(t, store.MarkProcessed(ctx, "A", success(42, 3), models.MethodAutomatic))

		err = store.MarkProcessed(ctx, "A", models.FailedWith("late rejection"), models.MethodAutomatic)
		require.Error(t, err)
		assert.True(t, errors.Is(err, fiscal.ErrAlreadyProcessed))

		record, err := store.RecordOf(ctx, "A")
		require.NoError(t, err)
		assert.True(t, *record.Success)
		assert.Empty(t, record.ErrorMessage)
		assert.Equal(t, int64(42), *record.VoucherNumber)
	})

	t.Run("unknown order is inserted", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.MarkProcessed(ctx, "X", models.FailedWith("not eligible"), models.MethodAutomatic))

		record, err := store.RecordOf(ctx, "X")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.False(t, *record.Success)
		assert.Equal(t, "not eligible", record.ErrorMessage)
	})

	t.Run("validates its input", func(t *testing.T) {
		store := newTestStore(t)
		assert.True(t, fiscal.IsValidation(store.MarkProcessed(ctx, "", success(1, 1), models.MethodAutomatic)))
		assert.True(t, fiscal.IsValidation(store.MarkProcessed(ctx, "A", success(1, 1), "robot")))
	})
}

func TestStore_RecordAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPending(ctx, []models.Order{order("A", 2), order("B", 1)})
	require.NoError(t, err)

	require.NoError(t, store.RecordAttempt(ctx, "A", 11, 17))
	require.NoError(t, store.RecordAttemptError(ctx, "A", "connection reset"))

	record, err := store.RecordOf(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, record.AttemptVoucher)
	assert.Equal(t, int64(17), *record.AttemptVoucher)
	require.NotNil(t, record.AttemptVoucherType)
	assert.Equal(t, 11, *record.AttemptVoucherType)
	assert.True(t, record.HasUnconfirmedAttempt())
	assert.Equal(t, "connection reset", record.ErrorMessage)

	t.Run("terminal row", func(t *testing.T) {
		require.NoError(t, store.MarkProcessed(ctx, "B", success(5, 3), models.MethodAutomatic))
		err := store.RecordAttempt(ctx, "B", 11, 6)
		assert.True(t, errors.Is(err, fiscal.ErrAlreadyProcessed))
	})

	t.Run("unknown order", func(t *testing.T) {
		err := store.RecordAttempt(ctx, "missing", 11, 1)
		var notFound *fiscal.NotFoundError
		assert.True(t, errors.As(err, &notFound))
	})
}

func TestStore_MarkManual(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPending(ctx, []models.Order{order("A", 30)})
	require.NoError(t, err)

	require.NoError(t, store.MarkManual(ctx, "A", models.CAE{Code: "71000000000001"}, 9, 3, 11, "issued in the portal"))

	record, err := store.RecordOf(ctx, "A")
	require.NoError(t, err)
	assert.True(t, *record.Success)
	assert.Equal(t, models.MethodManual, record.ProcessingMethod)
	assert.Equal(t, "issued in the portal", record.Notes)
	require.NotNil(t, record.VoucherType)
	assert.Equal(t, 11, *record.VoucherType)

	t.Run("requires a CAE and a voucher", func(t *testing.T) {
		assert.True(t, fiscal.IsValidation(store.MarkManual(ctx, "A", models.CAE{}, 9, 3, 0, "")))
		assert.True(t, fiscal.IsValidation(store.MarkManual(ctx, "A", models.CAE{Code: "1"}, 0, 3, 0, "")))
	})

	t.Run("cannot overwrite", func(t *testing.T) {
		err := store.MarkManual(ctx, "A", models.CAE{Code: "71000000000002"}, 10, 3, 0, "")
		assert.True(t, errors.Is(err, fiscal.ErrAlreadyProcessed))
	})
}

func TestStore_ClearAttempt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPending(ctx, []models.Order{order("A", 2), order("B", 1)})
	require.NoError(t, err)
	require.NoError(t, store.RecordAttempt(ctx, "A", 11, 4))

	t.Run("voucher must match the recorded attempt", func(t *testing.T) {
		assert.True(t, fiscal.IsValidation(store.ClearAttempt(ctx, "A", 5)))
		assert.True(t, mustRecord(t, store, "A").HasUnconfirmedAttempt())
	})

	require.NoError(t, store.ClearAttempt(ctx, "A", 4))
	record := mustRecord(t, store, "A")
	assert.Nil(t, record.AttemptVoucher)
	assert.Nil(t, record.AttemptVoucherType)
	assert.Nil(t, record.Success)

	t.Run("terminal row", func(t *testing.T) {
		require.NoError(t, store.RecordAttempt(ctx, "B", 11, 5))
		require.NoError(t, store.MarkProcessed(ctx, "B", success(5, 3), models.MethodAutomatic))
		assert.True(t, errors.Is(store.ClearAttempt(ctx, "B", 5), fiscal.ErrAlreadyProcessed))
	})

	t.Run("unknown order", func(t *testing.T) {
		var notFound *fiscal.NotFoundError
		assert.True(t, errors.As(store.ClearAttempt(ctx, "missing", 1), &notFound))
	})
}

func TestStore_VoucherHolder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPending(ctx, []models.Order{order("A", 3), order("B", 2), order("C", 1)})
	require.NoError(t, err)

	typed := success(1, 3)
	voucherType := 11
	typed.VoucherType = &voucherType
	require.NoError(t, store.MarkProcessed(ctx, "A", typed, models.MethodAutomatic))
	require.NoError(t, store.MarkProcessed(ctx, "B", models.FailedWith("rejected"), models.MethodAutomatic))

	holder, err := store.VoucherHolder(ctx, 3, 11, 1)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "A", holder.OrderNumber)

	for _, tt := range []struct {
		name        string
		salesPoint  int
		voucherType int
		voucher     int64
	}{
		{"other sales point", 7, 11, 1},
		{"other voucher type", 3, 6, 1},
		{"unused voucher", 3, 11, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			holder, err := store.VoucherHolder(ctx, tt.salesPoint, tt.voucherType, tt.voucher)
			require.NoError(t, err)
			assert.Nil(t, holder)
		})
	}
}

func TestStore_MarkManualFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPending(ctx, []models.Order{order("A", 2)})
	require.NoError(t, err)

	assert.True(t, fiscal.IsValidation(store.MarkManualFailure(ctx, "A", "")))
	require.NoError(t, store.MarkManualFailure(ctx, "A", "buyer cancelled the trade"))

	record := mustRecord(t, store, "A")
	assert.False(t, *record.Success)
	assert.Equal(t, models.MethodManual, record.ProcessingMethod)
	assert.Equal(t, "buyer cancelled the trade", record.ErrorMessage)
}

func TestStore_StatsAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.AddPending(ctx, []models.Order{order("A", 5), order("B", 4), order("C", 3), order("D", 2), order("E", 1)})
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, "A", success(10, 3), models.MethodAutomatic))
	require.NoError(t, store.MarkProcessed(ctx, "B", success(11, 3), models.MethodAutomatic))
	require.NoError(t, store.MarkManual(ctx, "C", models.CAE{Code: "1"}, 4, 7, 0, ""))
	require.NoError(t, store.MarkProcessed(ctx, "D", models.FailedWith("rejected"), models.MethodAutomatic))
	require.NoError(t, store.RecordAttempt(ctx, "E", 11, 12))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(3), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(3), stats.Automatic)
	assert.Equal(t, int64(1), stats.Manual)
	assert.Equal(t, int64(1), stats.Unconfirmed)
	assert.Equal(t, map[int]int64{3: 11, 7: 4}, stats.LastVoucher)

	t.Run("list newest first", func(t *testing.T) {
		records, err := store.List(ctx, ListFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "E", records[0].OrderNumber)
		assert.Equal(t, "D", records[1].OrderNumber)
	})

	t.Run("list pending only", func(t *testing.T) {
		records, err := store.List(ctx, ListFilter{PendingOnly: true})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "E", records[0].OrderNumber)
	})

	t.Run("list since", func(t *testing.T) {
		since := testNow.Add(-3 * time.Hour)
		records, err := store.List(ctx, ListFilter{Since: &since})
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})
}

func TestStore_DatabaseErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("query failure is retryable", func(t *testing.T) {
		store, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectQuery(`SELECT count\(\*\) FROM "ledger_records"`).
			WillReturnError(errors.New("connection refused"))

		_, err := store.IsProcessed(ctx, "A")
		require.Error(t, err)
		assert.True(t, fiscal.IsRetryable(err))
		assert.Contains(t, err.Error(), "IsProcessed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("guarded upsert that touches no row", func(t *testing.T) {
		store, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectExec(`INSERT INTO "ledger_records" .* ON CONFLICT \("order_number"\) DO UPDATE SET .* WHERE ledger_records.success IS NULL`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.MarkProcessed(ctx, "A", success(1, 3), models.MethodAutomatic)
		assert.True(t, errors.Is(err, fiscal.ErrAlreadyProcessed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write failure", func(t *testing.T) {
		store, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectExec(`INSERT INTO "ledger_records"`).
			WillReturnError(errors.New("disk full"))

		err := store.MarkProcessed(ctx, "A", success(1, 3), models.MethodAutomatic)
		assert.True(t, fiscal.IsRetryable(err))
		assert.False(t, errors.Is(err, fiscal.ErrAlreadyProcessed))
	})
}
