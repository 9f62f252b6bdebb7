package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fundingarb/internal/core"
)

// App holds the dependencies every cmd/fundingarb entrypoint needs before it
// can start wiring exchange adapters, the store, and the trading components
// against them.
type App struct {
	Cfg    *Config
	Logger core.ILogger
}

// NewApp loads config and the logger. Exchange adapters, the store, and the
// trading components themselves depend on venue credentials and a database
// handle that only the entrypoint has, so they're constructed by the caller
// and handed to Run as Runners rather than built here.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{Cfg: cfg, Logger: logger}, nil
}

// Runner is a long-running component driven by the app's lifecycle: the
// funding tracker's poll loop, the reconciler's tick loop, the control
// surface's HTTP/gRPC server. Run must return when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// ShutdownFunc performs the ordered shutdown sequence once every Runner has
// returned. It is separate from Runner because shutdown needs information
// (whether to close positions) and ordering guarantees Run's errgroup fan-out
// can't give it.
type ShutdownFunc func(ctx context.Context) error

// Run starts every runner under one errgroup against a signal-cancelled
// context, waits for them to exit, then invokes shutdown exactly once.
func (a *App) Run(shutdown ShutdownFunc, runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	a.Logger.Info("starting application", "runners", len(runners))

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	runErr := g.Wait()
	if runErr != nil && ctx.Err() == nil {
		a.Logger.Error("application stopped with error", "error", runErr)
	} else {
		a.Logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if shutdown != nil {
		if err := shutdown(shutdownCtx); err != nil {
			a.Logger.Error("shutdown sequence failed", "error", err)
			return err
		}
	}

	a.Logger.Info("application shut down gracefully")
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	return 30 * time.Second
}
