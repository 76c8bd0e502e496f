package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cdpledger/observability"
	"cdpledger/observability/logging"
	telemetry "cdpledger/observability/otel"
	"cdpledger/services/cdpd/config"
	"cdpledger/services/cdpd/server"
	"cdpledger/storage"
)

const envConfigPath = "CDPD_CONFIG"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cdpd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defaultPath := os.Getenv(envConfigPath)
	if defaultPath == "" {
		defaultPath = "services/cdpd/config.toml"
	}
	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultPath, "path to cdpd config (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("cdpd", cfg.Environment,
		logging.WithLevel(cfg.Log.Level),
		logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "cdpd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	a, err := buildApp(cfg, db, logger, telemetrySinks{
		cdp:    observability.CDP(),
		events: observability.Events(),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		AdminToken:    cfg.AdminToken,
		SignatureSkew: cfg.SignatureSkew.Duration,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, server.Deps{
		Engine:     a.engine,
		Liquidator: a.liq,
		Events:     a.journal,
		Pauses:     a.pauses,
		PauseStore: a.params,
		Head:       a.head,
		Logger:     logger,
		Metrics:    observability.HTTP(),
	})
	if err != nil {
		return err
	}

	logger.Info("cdpd starting",
		slog.String("listen", cfg.ListenAddress),
		slog.Int("assets", len(cfg.Assets)),
		logging.MaskField("admin_token", cfg.AdminToken))
	return srv.Run(ctx)
}
