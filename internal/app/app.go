// Package app wires configuration, storage, caching and services into the
// runnable application modes.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tradewatch/poolengine/internal/config"
)

// App is the top-level application. It owns the wired dependencies and runs
// one of the configured modes until the context is cancelled.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    *Dependencies
	cleanup func()
}

// New wires all dependencies for the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	deps, cleanup, err := Wire(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "app")),
		deps:    deps,
		cleanup: cleanup,
	}, nil
}

// Run executes the configured mode and blocks until it returns or the context
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
	)

	switch a.cfg.Mode {
	case "engine":
		return a.runEngine(ctx)
	case "reconcile":
		return a.runReconcile(ctx)
	case "monitor":
		return a.runMonitor(ctx)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// Close releases all resources acquired during wiring.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}
