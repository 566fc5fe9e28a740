// Package exchange reads P2P trade history exported from the exchange.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"invoicer/internal/clock"
	"invoicer/internal/fiscal"
	"invoicer/internal/logger"
	"invoicer/pkg/models"
	"invoicer/pkg/services"
)

const statusCompleted = "COMPLETED"

// p2pOrder is one row of the C2C order history export. Amounts come as strings.
type p2pOrder struct {
	OrderNumber  string `json:"orderNumber"`
	TradeType    string `json:"tradeType"`
	Asset        string `json:"asset"`
	Fiat         string `json:"fiat"`
	Amount       string `json:"amount"`
	TotalPrice   string `json:"totalPrice"`
	UnitPrice    string `json:"unitPrice"`
	OrderStatus  string `json:"orderStatus"`
	CreateTime   int64  `json:"createTime"` // unix milliseconds
	Counterparty string `json:"counterPartNickName"`
	BuyerTaxID   string `json:"buyerTaxId,omitempty"`
}

type envelope struct {
	Code string     `json:"code"`
	Data []p2pOrder `json:"data"`
}

// FileSource implements services.OrderSourceGateway over a JSON export on disk.
// The file may hold a bare array of orders or the API envelope {"data": [...]}.
type FileSource struct {
	path  string
	clock clock.Clock
	log   zerolog.Logger
}

var _ services.OrderSourceGateway = (*FileSource)(nil)

// NewFileSource creates a source reading path.
func NewFileSource(path string, clk clock.Clock) *FileSource {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &FileSource{
		path:  path,
		clock: clk,
		log:   logger.WithComponent("exchange"),
	}
}

// FetchOrders returns completed trades of tradeType created within the last days.
func (s *FileSource) FetchOrders(ctx context.Context, days int, tradeType models.TradeType) ([]models.Order, error) {
	const op = "FetchOrders"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fiscal.NewInfrastructureError(op, err, s.path)
	}

	rows, err := decodeOrders(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, s.path, err)
	}

	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	orders := make([]models.Order, 0, len(rows))
	for i, row := range rows {
		if !strings.EqualFold(row.OrderStatus, statusCompleted) {
			continue
		}
		if models.TradeType(strings.ToUpper(row.TradeType)) != tradeType {
			continue
		}

		order, err := row.toOrder()
		if err != nil {
			s.log.Warn().
				Err(err).
				Int("row", i+1).
				Str("order_number", row.OrderNumber).
				Msg("Failed to parse order, skipping")
			continue
		}
		if order.CreateTime.Before(cutoff) {
			continue
		}
		orders = append(orders, order)
	}

	s.log.Info().
		Str("path", s.path).
		Int("rows", len(rows)).
		Int("orders", len(orders)).
		Int("days", days).
		Str("trade_type", string(tradeType)).
		Msg("Orders read from export")

	return orders, nil
}

func decodeOrders(raw []byte) ([]p2pOrder, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var rows []p2pOrder
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode order list: %w", err)
		}
		return rows, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("failed to decode order export: %w", err)
	}
	return env.Data, nil
}

func (r p2pOrder) toOrder() (models.Order, error) {
	if r.OrderNumber == "" {
		return models.Order{}, fiscal.NewValidationError("orderNumber", "", "is required")
	}
	if r.CreateTime <= 0 {
		return models.Order{}, fiscal.NewValidationError("createTime", r.CreateTime, "is required")
	}

	amount, err := parseDecimal("amount", r.Amount)
	if err != nil {
		return models.Order{}, err
	}
	total, err := parseDecimal("totalPrice", r.TotalPrice)
	if err != nil {
		return models.Order{}, err
	}
	unit, err := parseDecimal("unitPrice", r.UnitPrice)
	if err != nil {
		return models.Order{}, err
	}

	return models.Order{
		OrderNumber:  r.OrderNumber,
		Amount:       amount,
		UnitPrice:    unit,
		TotalPrice:   total,
		Asset:        strings.ToUpper(r.Asset),
		Fiat:         strings.ToUpper(r.Fiat),
		TradeType:    models.TradeType(strings.ToUpper(r.TradeType)),
		CreateTime:   time.UnixMilli(r.CreateTime).UTC(),
		Counterparty: r.Counterparty,
		BuyerCUIT:    r.BuyerTaxID,
	}, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fiscal.NewValidationError(field, s, "is not a number")
	}
	return d, nil
}
