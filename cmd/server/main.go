package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pdv/internal/cache"
	"pdv/internal/config"
	"pdv/internal/httpapi"
	"pdv/internal/logger"
	"pdv/internal/metrics"
	"pdv/internal/reporting"
	"pdv/internal/service"
	"pdv/internal/store"
	"pdv/internal/store/memory"
	pgstore "pdv/internal/store/postgres"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "pdv-server"})

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	if err := validateSecurityConfig(*cfg); err != nil {
		logg.Error(context.Background(), "invalid security configuration", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "pdv-server",
		Level:       logger.ParseLevel(cfg.LogLevel),
		WarnStack:   cfg.LogWarnStack,
		Format:      cfg.LogFormat,
	})

	if err := run(*cfg, logg); err != nil {
		logg.Error(context.Background(), "server stopped with error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logg *logger.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(startCtx, cfg, logg)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logg.Error(context.Background(), "close error", err)
			}
		}
	}()

	reportCache, closeCache := openReportCache(startCtx, cfg, logg)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	handler := newHandler(cfg, logg, repo, reportCache, registry)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(context.Background(), "addr", cfg.Address()), "pdv server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(context.Background(), "shutdown error", err)
	}
	logg.Info(context.Background(), "server stopped")
	return nil
}

// openRepository picks postgres when a database URL is configured and the
// seeded memory store otherwise. A configured but unreachable database is
// fatal; there is no silent fallback.
func openRepository(ctx context.Context, cfg config.Config, logg *logger.Logger) (store.Repository, []func() error, error) {
	if cfg.DatabaseURL == "" {
		repo, err := memory.NewSeeded(ctx, logg)
		if err != nil {
			return nil, nil, fmt.Errorf("seed memory store: %w", err)
		}
		logg.Info(logg.WithField(ctx, "repository", "memory"), "repository ready")
		return repo, nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and %s_DATABASE_URL is set: %w", config.EnvPrefix, err)
	}
	if cfg.MigrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	logg.Info(logg.WithField(ctx, "repository", "postgres"), "repository ready")
	return pg, []func() error{pg.Close}, nil
}

// openReportCache returns redis when reachable. Reports are always
// recomputable, so an unreachable redis degrades to no caching.
func openReportCache(ctx context.Context, cfg config.Config, logg *logger.Logger) (cache.ReportCache, func() error) {
	if cfg.RedisAddr == "" {
		logg.Info(logg.WithField(ctx, "cache", "noop"), "report cache ready")
		return cache.NoopReportCache{}, nil
	}
	redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		logg.WarnErr(ctx, "redis unavailable, report cache disabled", err)
		_ = redisCache.Close()
		return cache.NoopReportCache{}, nil
	}
	logg.Info(logg.WithField(ctx, "cache", "redis"), "report cache ready")
	return redisCache, redisCache.Close
}

func newHandler(cfg config.Config, logg *logger.Logger, repo store.Repository, reportCache cache.ReportCache, registry *prometheus.Registry) http.Handler {
	saleMetrics := metrics.NewSaleMetrics(registry)
	svc := service.New(repo,
		service.WithLogger(logg),
		service.WithMetrics(saleMetrics),
		service.WithReportCache(reportCache),
	)
	reports := reporting.NewAggregator(repo, reporting.Options{
		WindowDays: cfg.ReportWindowDays,
		TopLimit:   cfg.TopProductsLimit,
		CacheTTL:   cfg.ReportCacheTTL,
		Cache:      reportCache,
		Logger:     logg,
		Metrics:    saleMetrics,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, repo)
	api := httpapi.New(svc, reports, auth, httpapi.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		Logger:         logg,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})
	return api.Handler()
}

// validateSecurityConfig extends config validation with checks for secrets
// that are long enough but obviously not random.
func validateSecurityConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	secret := strings.ToLower(cfg.AuthSecret)
	for _, placeholder := range []string{"change-me", "changeme", "secret", "password"} {
		if strings.Contains(secret, placeholder) {
			return fmt.Errorf("%s_AUTH_SECRET looks like a placeholder", config.EnvPrefix)
		}
	}
	distinct := make(map[rune]struct{})
	for _, r := range cfg.AuthSecret {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 8 {
		return fmt.Errorf("%s_AUTH_SECRET has too little variety", config.EnvPrefix)
	}
	return nil
}
