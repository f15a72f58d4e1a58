package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdv/internal/domain"
	"pdv/internal/service"
	"pdv/internal/store/memory"
)

// mapCache is an in-process ReportCache with the same generation semantics
// as the redis one.
type mapCache struct {
	mu         sync.Mutex
	generation int64
	entries    map[string][]byte
	gets       int
	hits       int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Generation(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, nil
}

func (c *mapCache) Get(_ context.Context, generation int64, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	raw, ok := c.entries[fmt.Sprintf("%d:%s", generation, key)]
	if !ok {
		return false, nil
	}
	c.hits++
	return true, json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, generation int64, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fmt.Sprintf("%d:%s", generation, key)] = raw
	return nil
}

func (c *mapCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	return nil
}

// sourceWithCommit runs commit once, right after the first daily revenue
// query returns and before its result reaches the cache.
type sourceWithCommit struct {
	Source
	commit func()
}

func (s *sourceWithCommit) DailyRevenue(ctx context.Context, from time.Time) ([]domain.DailyRevenue, error) {
	rows, err := s.Source.DailyRevenue(ctx, from)
	if s.commit != nil {
		commit := s.commit
		s.commit = nil
		commit()
	}
	return rows, err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type world struct {
	svc     *service.Service
	repo    *memory.Store
	clock   *clock
	cache   *mapCache
	manager domain.Actor
	cashier domain.Actor
}

func newWorld(t *testing.T) *world {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()
	mgr, err := repo.CreateUser(ctx, domain.UserAccount{Username: "gerente", PasswordHash: "x", Role: domain.RoleManager})
	require.NoError(t, err)
	csh, err := repo.CreateUser(ctx, domain.UserAccount{Username: "caixa", PasswordHash: "x", Role: domain.RoleCashier})
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}
	c := newMapCache()
	return &world{
		svc:     service.New(repo, service.WithClock(clk.Now), service.WithReportCache(c)),
		repo:    repo,
		clock:   clk,
		cache:   c,
		manager: domain.Actor{UserID: mgr.ID, Role: mgr.Role},
		cashier: domain.Actor{UserID: csh.ID, Role: csh.Role},
	}
}

func (w *world) aggregator() *Aggregator {
	return NewAggregator(w.repo, Options{
		CacheTTL: time.Minute,
		Cache:    w.cache,
		Now:      w.clock.Now,
	})
}

func (w *world) product(t *testing.T, sku string, name string, price string) int64 {
	t.Helper()
	p, err := w.svc.CreateProduct(context.Background(), w.manager, domain.ProductCreateRequest{
		SKU: sku, Name: name, UnitPrice: domain.MustMoney(price), InitialStock: 1000,
	})
	require.NoError(t, err)
	return p.ID
}

// sale opens a sale at the given instant with the given lines and leaves it
// in the requested status.
func (w *world) sale(t *testing.T, at time.Time, status domain.SaleStatus, lines map[int64]int) int64 {
	t.Helper()
	ctx := context.Background()
	w.clock.Set(at)
	sale, err := w.svc.CreateSale(ctx, w.cashier)
	require.NoError(t, err)
	for productID, qty := range lines {
		_, err := w.svc.AddItem(ctx, w.cashier, sale.ID, productID, qty)
		require.NoError(t, err)
	}
	switch status {
	case domain.SaleStatusPaid:
		stored, err := w.svc.GetSale(ctx, sale.ID)
		require.NoError(t, err)
		_, err = w.svc.ProcessPayment(ctx, w.cashier, sale.ID, stored.TotalNet, domain.PaymentCash)
		require.NoError(t, err)
	case domain.SaleStatusCancelled:
		_, err := w.svc.CancelSale(ctx, w.cashier, sale.ID, "test")
		require.NoError(t, err)
	}
	return sale.ID
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), WindowStart(now, 1))
	assert.Equal(t, time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC), WindowStart(now, 30))

	saoPaulo := time.FixedZone("BRT", -3*60*60)
	late := time.Date(2026, 3, 10, 22, 0, 0, 0, saoPaulo) // 01:00 UTC on the 11th
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), WindowStart(late, 1))
}

func TestDailyRevenueCountsOnlyPaidSalesByUTCDay(t *testing.T) {
	w := newWorld(t)
	coca := w.product(t, "COCA350", "Coca-Cola 350ml", "4.50")

	day1 := time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)
	w.sale(t, day1, domain.SaleStatusPaid, map[int64]int{coca: 2})
	w.sale(t, day1.Add(time.Hour), domain.SaleStatusPaid, map[int64]int{coca: 1})
	w.sale(t, day2, domain.SaleStatusPaid, map[int64]int{coca: 4})
	w.sale(t, day2, domain.SaleStatusOpen, map[int64]int{coca: 9})
	w.sale(t, day2, domain.SaleStatusCancelled, map[int64]int{coca: 9})
	w.sale(t, time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC), domain.SaleStatusPaid, map[int64]int{coca: 1})

	w.clock.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	rows, err := w.aggregator().DailyRevenue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "2026-03-08", rows[0].Date)
	assert.Equal(t, 2, rows[0].SaleCount)
	assert.True(t, rows[0].TotalNet.Equal(domain.MustMoney("13.50")), "got %s", rows[0].TotalNet)
	assert.Equal(t, "2026-03-09", rows[1].Date)
	assert.Equal(t, 1, rows[1].SaleCount)
	assert.True(t, rows[1].TotalNet.Equal(domain.MustMoney("18.00")), "got %s", rows[1].TotalNet)
}

func TestDailyRevenueUsesNetAfterDiscount(t *testing.T) {
	w := newWorld(t)
	p := w.product(t, "P", "P", "50.00")
	ctx := context.Background()

	w.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	sale, err := w.svc.CreateSale(ctx, w.cashier)
	require.NoError(t, err)
	_, err = w.svc.AddItem(ctx, w.cashier, sale.ID, p, 2)
	require.NoError(t, err)
	_, err = w.svc.ApplyDiscount(ctx, w.manager, sale.ID, domain.ApplyDiscountRequest{Amount: domain.MustMoney("10"), Kind: domain.DiscountPercentage})
	require.NoError(t, err)
	_, err = w.svc.ProcessPayment(ctx, w.cashier, sale.ID, domain.MustMoney("90"), domain.PaymentCard)
	require.NoError(t, err)

	rows, err := w.aggregator().DailyRevenue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalNet.Equal(domain.MustMoney("90.00")))
}

func TestTopProductsOrdering(t *testing.T) {
	w := newWorld(t)
	a := w.product(t, "A", "Alpha", "1.00")
	b := w.product(t, "B", "Bravo", "1.00")
	c := w.product(t, "C", "Charlie", "1.00")
	d := w.product(t, "D", "Delta", "1.00")
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	w.sale(t, at, domain.SaleStatusPaid, map[int64]int{a: 2, b: 5})
	w.sale(t, at, domain.SaleStatusPaid, map[int64]int{c: 3, a: 3})
	w.sale(t, at, domain.SaleStatusOpen, map[int64]int{d: 50})
	w.sale(t, at, domain.SaleStatusCancelled, map[int64]int{d: 50})

	rows, err := w.aggregator().TopProducts(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []domain.TopProduct{
		{ProductID: a, ProductName: "Alpha", TotalQuantity: 5},
		{ProductID: b, ProductName: "Bravo", TotalQuantity: 5},
		{ProductID: c, ProductName: "Charlie", TotalQuantity: 3},
	}, rows)

	rows, err = w.aggregator().TopProducts(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, a, rows[0].ProductID)
}

func TestPaidThenCancelledSaleLeavesReports(t *testing.T) {
	w := newWorld(t)
	p := w.product(t, "P", "P", "2.00")
	id := w.sale(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), domain.SaleStatusPaid, map[int64]int{p: 3})
	agg := w.aggregator()

	rows, err := agg.TopProducts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = w.svc.CancelSale(context.Background(), w.manager, id, "returned")
	require.NoError(t, err)

	rows, err = agg.TopProducts(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	revenue, err := agg.DailyRevenue(context.Background(), 30)
	require.NoError(t, err)
	assert.Empty(t, revenue)
}

func TestReportsAreServedFromCacheUntilInvalidated(t *testing.T) {
	w := newWorld(t)
	p := w.product(t, "P", "P", "1.00")
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.sale(t, at, domain.SaleStatusPaid, map[int64]int{p: 1})
	agg := w.aggregator()
	ctx := context.Background()

	first, err := agg.TopProducts(ctx, 5)
	require.NoError(t, err)
	cached, err := agg.TopProducts(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, first, cached)
	assert.Equal(t, 1, w.cache.hits)

	w.sale(t, at, domain.SaleStatusPaid, map[int64]int{p: 4})
	fresh, err := agg.TopProducts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, 5, fresh[0].TotalQuantity)
	assert.Equal(t, 1, w.cache.hits)
}

func TestEmptyReportsAreEmptySlices(t *testing.T) {
	w := newWorld(t)
	agg := NewAggregator(w.repo, Options{Now: w.clock.Now})

	revenue, err := agg.DailyRevenue(context.Background(), 7)
	require.NoError(t, err)
	assert.NotNil(t, revenue)
	assert.Empty(t, revenue)

	top, err := agg.TopProducts(context.Background(), 3)
	require.NoError(t, err)
	assert.NotNil(t, top)
	assert.Empty(t, top)
}

func TestPaymentDuringReportQueryIsNotHiddenByCache(t *testing.T) {
	w := newWorld(t)
	p := w.product(t, "P", "P", "1.00")
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w.sale(t, at, domain.SaleStatusPaid, map[int64]int{p: 1})
	pending := w.sale(t, at, domain.SaleStatusOpen, map[int64]int{p: 2})
	ctx := context.Background()

	agg := NewAggregator(&sourceWithCommit{
		Source: w.repo,
		commit: func() {
			_, err := w.svc.ProcessPayment(ctx, w.cashier, pending, domain.MustMoney("2.00"), domain.PaymentCash)
			require.NoError(t, err)
		},
	}, Options{CacheTTL: time.Minute, Cache: w.cache, Now: w.clock.Now})

	stale, err := agg.DailyRevenue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 1, stale[0].SaleCount)

	fresh, err := agg.DailyRevenue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, 2, fresh[0].SaleCount)
	assert.True(t, fresh[0].TotalNet.Equal(domain.MustMoney("3.00")), "got %s", fresh[0].TotalNet)
	assert.Equal(t, 0, w.cache.hits)
}
