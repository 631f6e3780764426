package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/miru-ai/miru/internal/auth"
	"github.com/miru-ai/miru/internal/config"
	"github.com/miru-ai/miru/internal/ingest"
	"github.com/miru-ai/miru/internal/metric"
	"github.com/miru-ai/miru/internal/query"
	"github.com/miru-ai/miru/internal/scorer"
	"github.com/miru-ai/miru/internal/server"
	"github.com/miru-ai/miru/internal/storage"
	"github.com/miru-ai/miru/internal/telemetry"
	"github.com/miru-ai/miru/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MIRU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("miru starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the span store: Postgres when a database URL is configured,
	// otherwise the embedded SQLite store.
	var store storage.Store
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = db
		logger.Info("store: postgres")
	} else {
		db, err := storage.NewSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()
		store = db
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
	}

	// Optional bearer-token verification.
	verifier, err := auth.NewVerifier(cfg.JWTPublicKeyPath)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if verifier == nil {
		logger.Info("auth: disabled (no public key configured)")
	}

	engine := query.New(store, logger)
	ingestSvc := ingest.New(store, logger)
	dispatcher := metric.New(store, logger, []metric.Scorer{
		scorer.QueryRelevance{},
		scorer.ResponseRelevance{},
		scorer.ToolSelection{},
	})

	srv := server.New(server.ServerConfig{
		Store:               store,
		Engine:              engine,
		IngestSvc:           ingestSvc,
		Computer:            dispatcher,
		Verifier:            verifier,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("miru shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("miru stopped")
	return nil
}
