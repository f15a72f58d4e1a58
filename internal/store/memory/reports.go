package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pdv/internal/domain"
)

// DailyRevenue groups PAID sales created at or after from by UTC calendar day.
func (s *Store) DailyRevenue(_ context.Context, from time.Time) ([]domain.DailyRevenue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDay := make(map[string]*domain.DailyRevenue)
	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusPaid || sale.CreatedAt.Before(from) {
			continue
		}
		day := sale.CreatedAt.UTC().Format(time.DateOnly)
		row, ok := byDay[day]
		if !ok {
			row = &domain.DailyRevenue{Date: day, TotalNet: decimal.Zero}
			byDay[day] = row
		}
		row.SaleCount++
		row.TotalNet = row.TotalNet.Add(sale.TotalNet)
	}

	out := make([]domain.DailyRevenue, 0, len(byDay))
	for _, row := range byDay {
		row.TotalNet = domain.RoundMoney(row.TotalNet)
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b domain.DailyRevenue) int {
		return strings.Compare(a.Date, b.Date)
	})
	return out, nil
}

// TopProducts ranks products by quantity sold in PAID sales.
func (s *Store) TopProducts(_ context.Context, limit int) ([]domain.TopProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[int64]int)
	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusPaid {
			continue
		}
		for _, item := range sale.Items {
			totals[item.ProductID] += item.Quantity
		}
	}

	out := make([]domain.TopProduct, 0, len(totals))
	for productID, qty := range totals {
		out = append(out, domain.TopProduct{
			ProductID:     productID,
			ProductName:   s.products[productID].Name,
			TotalQuantity: qty,
		})
	}
	slices.SortFunc(out, func(a, b domain.TopProduct) int {
		if a.TotalQuantity != b.TotalQuantity {
			return b.TotalQuantity - a.TotalQuantity
		}
		return cmpInt64(a.ProductID, b.ProductID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
