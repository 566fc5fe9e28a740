package invoice

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"invoicer/pkg/models"
)

// Unprocessable is an order together with the reasons it cannot be invoiced.
type Unprocessable struct {
	Order   models.Order
	Reasons []string
}

// Categorized splits a batch by eligibility.
type Categorized struct {
	Processable   []models.Order
	Unprocessable []Unprocessable
}

// Statistics summarizes a batch of orders for reporting.
type Statistics struct {
	Total         int
	Sell          int
	Buy           int
	Pending       int
	Successful    int
	Failed        int
	Processable   int
	Unprocessable int
	TotalsByFiat  map[string]decimal.Decimal
	Oldest        *time.Time
	Newest        *time.Time
}

// CategorizeOrders partitions orders into processable and unprocessable. Input order is kept.
func (p *Processor) CategorizeOrders(orders []models.Order) Categorized {
	var c Categorized
	for _, order := range orders {
		e := p.CanProcess(order)
		if e.Eligible {
			c.Processable = append(c.Processable, order)
			continue
		}
		c.Unprocessable = append(c.Unprocessable, Unprocessable{Order: order, Reasons: e.Reasons})
	}
	return c
}

// CalculateStatistics aggregates counts and fiat totals over orders.
func (p *Processor) CalculateStatistics(orders []models.Order) Statistics {
	stats := Statistics{
		Total:        len(orders),
		TotalsByFiat: make(map[string]decimal.Decimal),
	}

	for i := range orders {
		order := &orders[i]

		switch order.TradeType {
		case models.TradeSell:
			stats.Sell++
		case models.TradeBuy:
			stats.Buy++
		}

		switch {
		case order.Success == nil:
			stats.Pending++
		case *order.Success:
			stats.Successful++
		default:
			stats.Failed++
		}

		if p.CanProcess(*order).Eligible {
			stats.Processable++
		} else {
			stats.Unprocessable++
		}

		stats.TotalsByFiat[order.Fiat] = stats.TotalsByFiat[order.Fiat].Add(order.TotalPrice)

		created := order.CreateTime
		if stats.Oldest == nil || created.Before(*stats.Oldest) {
			stats.Oldest = &created
		}
		if stats.Newest == nil || created.After(*stats.Newest) {
			stats.Newest = &created
		}
	}

	return stats
}

// SortByCreateTime orders a batch oldest first, breaking ties by order number.
func SortByCreateTime(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreateTime.Equal(orders[j].CreateTime) {
			return orders[i].OrderNumber < orders[j].OrderNumber
		}
		return orders[i].CreateTime.Before(orders[j].CreateTime)
	})
}
