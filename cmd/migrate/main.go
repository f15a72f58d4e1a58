package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"pdv/internal/config"
	"pdv/internal/logger"
	pgstore "pdv/internal/store/postgres"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "pdv-migrate"})

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|redo|reset")
	flag.Parse()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "pdv-migrate",
		Level:       logger.ParseLevel(cfg.LogLevel),
		WarnStack:   cfg.LogWarnStack,
		Format:      cfg.LogFormat,
	})
	ctx = logg.WithField(ctx, "cmd", *cmd)

	if cfg.DatabaseURL == "" {
		fmt.Fprintf(os.Stderr, "%s_DATABASE_URL is required\n", config.EnvPrefix)
		os.Exit(1)
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	requireResource(ctx, logg, "database", err)
	defer pg.Close()

	switch *cmd {
	case "up", "down", "status", "version", "redo", "reset":
	default:
		fmt.Fprintln(os.Stderr, "unknown -cmd value:", *cmd)
		os.Exit(1)
	}

	logg.Info(ctx, "migrate ready")
	if err := pgstore.RunMigrations(ctx, pg.DB(), *cmd, flag.Args()...); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
