package service

import (
	"context"
	"errors"
	"time"

	"pdv/internal/cache"
	"pdv/internal/inventory"
	"pdv/internal/logger"
	"pdv/internal/metrics"
	"pdv/internal/store"
)

type Service struct {
	repo    store.Repository
	ledger  *inventory.Ledger
	reports cache.ReportCache
	log     *logger.Logger
	metrics *metrics.SaleMetrics
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(log *logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.SaleMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithReportCache sets the cache that is invalidated whenever a payment or
// cancellation commits.
func WithReportCache(c cache.ReportCache) Option {
	return func(s *Service) {
		if c != nil {
			s.reports = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		ledger:  inventory.NewLedger(),
		reports: cache.NoopReportCache{},
		log:     logger.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// finish records the outcome of one operation: info on commit, warn on a
// business rejection, error on anything else.
func (s *Service) finish(ctx context.Context, operation string, started time.Time, err error) {
	took := time.Since(started)
	ctx = s.log.WithField(ctx, "operation", operation)
	switch {
	case err == nil:
		s.metrics.ObserveTransition(operation, metrics.ResultOK, took)
		s.log.Info(ctx, "operation committed")
	case isRejection(err):
		s.metrics.ObserveTransition(operation, metrics.ResultRejected, took)
		s.log.WarnErr(ctx, "operation rejected", err)
	default:
		s.metrics.ObserveTransition(operation, metrics.ResultError, took)
		s.log.Error(ctx, "operation failed", err)
	}
}

func isRejection(err error) bool {
	for _, target := range []error{
		store.ErrNotFound,
		store.ErrInvalidState,
		store.ErrForbidden,
		store.ErrInsufficientStock,
		store.ErrInsufficientPayment,
		store.ErrConflict,
		store.ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reports.Invalidate(ctx); err != nil {
		s.log.WarnErr(ctx, "report cache invalidation failed", err)
	}
}
