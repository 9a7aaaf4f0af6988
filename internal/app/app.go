package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/velmik/coldsend/internal/api"
	"github.com/velmik/coldsend/internal/campaign"
	"github.com/velmik/coldsend/internal/config"
	"github.com/velmik/coldsend/internal/metrics"
)

// App is the main application
type App struct {
	config    *config.Config
	store     *campaign.Store
	apiServer *api.Server
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	store, err := campaign.NewStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	m := metrics.New()
	apiServer := api.NewServer(store, cfg, logger, m, nil)

	return &App{
		config:    cfg,
		store:     store,
		apiServer: apiServer,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Run starts the API server and blocks until shutdown. SIGINT and SIGTERM
// trigger a graceful stop: in-flight requests finish and active send runs
// are cancelled with their partial results persisted.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting coldsend",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"relay", a.config.SMTP.Host,
		"rate_per_hour", a.config.Send.RatePerHour,
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := a.apiServer.Run(ctx)

	if cerr := a.store.Close(); cerr != nil {
		a.logger.Error("failed to close storage", "error", cerr)
	}

	a.logger.Info("coldsend stopped")
	return err
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
