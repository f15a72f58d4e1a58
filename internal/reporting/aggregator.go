// Package reporting answers read-only revenue and best-seller questions over
// committed sales. Only PAID sales count.
package reporting

import (
	"context"
	"fmt"
	"time"

	"pdv/internal/cache"
	"pdv/internal/domain"
	"pdv/internal/logger"
	"pdv/internal/metrics"
)

const (
	DefaultWindowDays = 30
	DefaultTopLimit   = 10
	maxWindowDays     = 366
	maxTopLimit       = 100
)

// Source is the slice of the store the aggregator reads from.
type Source interface {
	DailyRevenue(ctx context.Context, from time.Time) ([]domain.DailyRevenue, error)
	TopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error)
}

type Options struct {
	WindowDays int
	TopLimit   int
	CacheTTL   time.Duration
	Cache      cache.ReportCache
	Logger     *logger.Logger
	Metrics    *metrics.SaleMetrics
	Now        func() time.Time
}

type Aggregator struct {
	source     Source
	cache      cache.ReportCache
	ttl        time.Duration
	windowDays int
	topLimit   int
	log        *logger.Logger
	metrics    *metrics.SaleMetrics
	now        func() time.Time
}

func NewAggregator(source Source, opts Options) *Aggregator {
	a := &Aggregator{
		source:     source,
		cache:      opts.Cache,
		ttl:        opts.CacheTTL,
		windowDays: opts.WindowDays,
		topLimit:   opts.TopLimit,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if a.cache == nil {
		a.cache = cache.NoopReportCache{}
	}
	if a.windowDays <= 0 {
		a.windowDays = DefaultWindowDays
	}
	if a.topLimit <= 0 {
		a.topLimit = DefaultTopLimit
	}
	if a.log == nil {
		a.log = logger.Nop()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// WindowStart is midnight UTC of the first day of a window of windowDays
// calendar days ending today.
func WindowStart(now time.Time, windowDays int) time.Time {
	today := now.UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -(windowDays - 1))
}

// DailyRevenue sums PAID sales per UTC day over the last windowDays days,
// oldest day first. A non-positive window uses the configured default.
func (a *Aggregator) DailyRevenue(ctx context.Context, windowDays int) ([]domain.DailyRevenue, error) {
	if windowDays <= 0 {
		windowDays = a.windowDays
	}
	if windowDays > maxWindowDays {
		windowDays = maxWindowDays
	}
	from := WindowStart(a.now(), windowDays)
	key := fmt.Sprintf("daily_revenue:%d:%s", windowDays, from.Format(time.DateOnly))

	var rows []domain.DailyRevenue
	slot, hit := a.lookup(ctx, "daily_revenue", key, &rows)
	if hit {
		return rows, nil
	}
	rows, err := a.source.DailyRevenue(ctx, from)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.DailyRevenue{}
	}
	a.store(ctx, slot, rows)
	return rows, nil
}

// TopProducts ranks products by units sold in PAID sales. A non-positive
// limit uses the configured default.
func (a *Aggregator) TopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error) {
	if limit <= 0 {
		limit = a.topLimit
	}
	if limit > maxTopLimit {
		limit = maxTopLimit
	}
	key := fmt.Sprintf("top_products:%d", limit)

	var rows []domain.TopProduct
	slot, hit := a.lookup(ctx, "top_products", key, &rows)
	if hit {
		return rows, nil
	}
	rows, err := a.source.TopProducts(ctx, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.TopProduct{}
	}
	a.store(ctx, slot, rows)
	return rows, nil
}

// cacheSlot is where a computed report may be stored: the key under the
// generation observed before the source was queried.
type cacheSlot struct {
	key        string
	generation int64
	ok         bool
}

// lookup treats cache failures as misses; reports are always recomputable.
func (a *Aggregator) lookup(ctx context.Context, report string, key string, dest any) (cacheSlot, bool) {
	slot := cacheSlot{key: key}
	gen, err := a.cache.Generation(ctx)
	if err != nil {
		a.log.WarnErr(a.log.WithField(ctx, "cache_key", key), "report cache generation read failed", err)
		a.metrics.IncCacheLookup(report, false)
		return slot, false
	}
	slot.generation, slot.ok = gen, true

	hit, err := a.cache.Get(ctx, gen, key, dest)
	if err != nil {
		a.log.WarnErr(a.log.WithField(ctx, "cache_key", key), "report cache read failed", err)
		hit = false
	}
	a.metrics.IncCacheLookup(report, hit)
	return slot, hit
}

func (a *Aggregator) store(ctx context.Context, slot cacheSlot, value any) {
	if a.ttl <= 0 || !slot.ok {
		return
	}
	if err := a.cache.Set(ctx, slot.generation, slot.key, value, a.ttl); err != nil {
		a.log.WarnErr(a.log.WithField(ctx, "cache_key", slot.key), "report cache write failed", err)
	}
}
