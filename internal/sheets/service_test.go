package sheets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"invoicer/pkg/models"
)

func TestExtractSpreadsheetID(t *testing.T) {
	id, err := extractSpreadsheetID("https://docs.google.com/spreadsheets/d/1AbC-d_9xYz/edit#gid=0")
	require.NoError(t, err)
	assert.Equal(t, "1AbC-d_9xYz", id)

	_, err = extractSpreadsheetID("https://example.com/not-a-sheet")
	assert.Error(t, err)
}

func TestRecordToValues(t *testing.T) {
	art := time.FixedZone("ART", -3*3600)
	ok := true
	sp, voucher := 3, int64(42)
	invoiceDate := time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC)

	r := models.LedgerRecord{Order: models.Order{
		OrderNumber:      "2201",
		Amount:           decimal.RequireFromString("100"),
		TotalPrice:       decimal.RequireFromString("120675.38"),
		Asset:            "USDT",
		Fiat:             "ARS",
		TradeType:        models.TradeSell,
		CreateTime:       time.Date(2025, time.March, 17, 18, 30, 0, 0, time.UTC),
		Success:          &ok,
		CAE:              &models.CAE{Code: "75123456789012", Expiration: time.Date(2025, time.March, 27, 0, 0, 0, 0, time.UTC)},
		SalesPoint:       &sp,
		VoucherNumber:    &voucher,
		InvoiceDate:      &invoiceDate,
		ProcessingMethod: models.MethodAutomatic,
	}}

	values := recordToValues(r, art)
	require.Len(t, values, len(headers))
	assert.Equal(t, "2201", values[0])
	assert.Equal(t, "17/03/2025 15:30", values[1])
	assert.Equal(t, 120675.38, values[6])
	assert.Equal(t, "facturada", values[9])
	assert.Equal(t, "3", values[11])
	assert.Equal(t, "42", values[12])
	assert.Equal(t, "75123456789012", values[13])
	assert.Equal(t, "27/03/2025", values[14])
	assert.Equal(t, "17/03/2025", values[15])

	t.Run("pending with an unconfirmed attempt", func(t *testing.T) {
		attempt := int64(43)
		pending := models.LedgerRecord{Order: models.Order{OrderNumber: "2202", AttemptVoucher: &attempt}}
		values := recordToValues(pending, nil)
		assert.Equal(t, "sin confirmar", values[9])
		assert.Equal(t, "", values[13])
	})
}

func TestService_ExportRecords(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	var written [][]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		path := r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/spreadsheets/sheet-id"):
			calls = append(calls, "get-spreadsheet")
			_, _ = io.WriteString(w, `{"sheets":[]}`)
		case strings.HasSuffix(path, ":batchUpdate"):
			calls = append(calls, "batch-update")
			_, _ = io.WriteString(w, `{"replies":[{"addSheet":{"properties":{"sheetId":7,"title":"Ledger"}}}]}`)
		case strings.HasSuffix(path, ":clear"):
			calls = append(calls, "clear")
			_, _ = io.WriteString(w, `{}`)
		case r.Method == http.MethodGet:
			calls = append(calls, "get-values")
			_, _ = io.WriteString(w, `{}`)
		case r.Method == http.MethodPut:
			var vr sheets.ValueRange
			_ = json.NewDecoder(r.Body).Decode(&vr)
			if strings.Contains(path, "A1") {
				calls = append(calls, "write-headers")
			} else {
				calls = append(calls, "write-rows")
				written = vr.Values
			}
			_, _ = io.WriteString(w, `{}`)
		default:
			http.Error(w, "unexpected "+r.Method+" "+path, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	api, err := sheets.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	svc := newService(api, "sheet-id")
	records := []models.LedgerRecord{
		{Order: models.Order{OrderNumber: "A", TotalPrice: decimal.RequireFromString("10")}},
		{Order: models.Order{OrderNumber: "B", TotalPrice: decimal.RequireFromString("20")}},
	}

	require.NoError(t, svc.ExportRecords(ctx, records, "Ledger", time.UTC))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"get-spreadsheet", "batch-update", "get-values", "write-headers", "batch-update", "clear", "write-rows",
	}, calls)
	require.Len(t, written, 2)
	assert.Equal(t, "A", written[0][0])
}
