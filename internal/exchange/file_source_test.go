package exchange

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"invoicer/internal/clock"
	"invoicer/internal/fiscal"
	"invoicer/pkg/models"
)

var now = time.Date(2025, time.March, 20, 18, 0, 0, 0, time.UTC)

func ms(daysAgo int) int64 {
	return now.AddDate(0, 0, -daysAgo).UnixMilli()
}

func writeExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSource_FetchOrders(t *testing.T) {
	export := fmt.Sprintf(`{"code":"000000","data":[
		{"orderNumber":"2201","tradeType":"SELL","asset":"USDT","fiat":"ARS","amount":"100.00","totalPrice":"120675.38","unitPrice":"1206.7538","orderStatus":"COMPLETED","createTime":%d,"counterPartNickName":"satoshi"},
		{"orderNumber":"2202","tradeType":"BUY","asset":"USDT","fiat":"ARS","amount":"50","totalPrice":"60000","unitPrice":"1200","orderStatus":"COMPLETED","createTime":%d},
		{"orderNumber":"2203","tradeType":"SELL","asset":"USDT","fiat":"ARS","amount":"10","totalPrice":"12000","unitPrice":"1200","orderStatus":"CANCELLED","createTime":%d},
		{"orderNumber":"2204","tradeType":"SELL","asset":"USDT","fiat":"ARS","amount":"10","totalPrice":"12000","unitPrice":"1200","orderStatus":"COMPLETED","createTime":%d},
		{"orderNumber":"2205","tradeType":"sell","asset":"btc","fiat":"ars","amount":"0.01","totalPrice":"n/a","unitPrice":"1","orderStatus":"COMPLETED","createTime":%d}
	]}`, ms(1), ms(1), ms(1), ms(40), ms(2))

	src := NewFileSource(writeExport(t, export), clock.NewFixed(now))

	orders, err := src.FetchOrders(context.Background(), 30, models.TradeSell)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	o := orders[0]
	assert.Equal(t, "2201", o.OrderNumber)
	assert.Equal(t, "120675.38", o.TotalPrice.String())
	assert.Equal(t, "1206.7538", o.UnitPrice.String())
	assert.Equal(t, "USDT", o.Asset)
	assert.Equal(t, models.TradeSell, o.TradeType)
	assert.Equal(t, "satoshi", o.Counterparty)
	assert.True(t, o.CreateTime.Equal(now.AddDate(0, 0, -1)))

	t.Run("buy trades", func(t *testing.T) {
		buys, err := src.FetchOrders(context.Background(), 30, models.TradeBuy)
		require.NoError(t, err)
		require.Len(t, buys, 1)
		assert.Equal(t, "2202", buys[0].OrderNumber)
	})
}

func TestFileSource_BareArray(t *testing.T) {
	export := fmt.Sprintf(`[{"orderNumber":"1","tradeType":"SELL","asset":"usdt","fiat":"ars","amount":"1","totalPrice":"1200","unitPrice":"1200","orderStatus":"completed","createTime":%d,"buyerTaxId":"20123456786"}]`, ms(0))

	orders, err := NewFileSource(writeExport(t, export), clock.NewFixed(now)).FetchOrders(context.Background(), 1, models.TradeSell)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ARS", orders[0].Fiat)
	assert.Equal(t, "20123456786", orders[0].BuyerCUIT)
}

func TestFileSource_Errors(t *testing.T) {
	t.Run("missing file is retryable", func(t *testing.T) {
		src := NewFileSource(filepath.Join(t.TempDir(), "nope.json"), clock.NewFixed(now))
		_, err := src.FetchOrders(context.Background(), 7, models.TradeSell)
		assert.True(t, fiscal.IsRetryable(err))
	})

	t.Run("malformed export", func(t *testing.T) {
		src := NewFileSource(writeExport(t, `{"data": [`), clock.NewFixed(now))
		_, err := src.FetchOrders(context.Background(), 7, models.TradeSell)
		require.Error(t, err)
		assert.False(t, fiscal.IsRetryable(err))
	})

	t.Run("empty file", func(t *testing.T) {
		src := NewFileSource(writeExport(t, "  \n"), clock.NewFixed(now))
		orders, err := src.FetchOrders(context.Background(), 7, models.TradeSell)
		require.NoError(t, err)
		assert.Empty(t, orders)
	})
}
