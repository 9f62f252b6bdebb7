package main

import (
	"context"
	"time"

	"fundingarb/internal/core"
	"fundingarb/internal/engine/durable"
	"fundingarb/internal/opportunity"
	"fundingarb/internal/position"
	"fundingarb/internal/supervisor"
)

// runnerFunc adapts a plain function to bootstrap.Runner, the same shape the
// teacher's cmd entrypoints use for one-off goroutine wrappers.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// intervalRunner wraps a (ctx, time.Duration) error method — the shape
// fundingtracker.Tracker.Run and reconcile.Reconciler.Run both already
// have — into a bootstrap.Runner with the interval baked in.
func intervalRunner(fn func(ctx context.Context, interval time.Duration) error, interval time.Duration) runnerFunc {
	return func(ctx context.Context) error { return fn(ctx, interval) }
}

// tickLoop runs fn once per interval until ctx is cancelled, tolerating
// panics-free plain errors by just logging through the caller's fn.
func tickLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// tradingLoop is the C5->C6 glue: scan for ranked opportunities on an
// interval and open the best one through whichever Opener (simple or
// durable) this process was configured with, gated on Supervisor's pause
// state.
type tradingLoop struct {
	opp      *opportunity.Engine
	opener   durable.Opener
	sup      *supervisor.Supervisor
	logger   core.ILogger
	interval time.Duration
}

func (l *tradingLoop) Run(ctx context.Context) error {
	return tickLoop(ctx, l.interval, func(ctx context.Context) {
		if l.sup.IsTradingPaused() {
			return
		}
		candidates := l.opp.Scan(ctx)
		if len(candidates) == 0 {
			return
		}
		best := candidates[0]
		trade, err := l.opener.Open(ctx, best)
		if err != nil {
			l.sup.RecordExecutionFailure(ctx)
			l.logger.Warn("entry attempt failed", "symbol", best.Symbol, "error", err)
			return
		}
		l.sup.RecordExecutionSuccess()
		l.logger.Info("trade opened", "trade", trade.ID, "symbol", trade.Symbol)
	})
}

// positionLoop drives PositionManager.EvaluateAll on an interval.
type positionLoop struct {
	mgr      *position.Manager
	interval time.Duration
}

func (l *positionLoop) Run(ctx context.Context) error {
	return tickLoop(ctx, l.interval, l.mgr.EvaluateAll)
}

// guardLoop drives Supervisor's account-guard check and self-healing resume
// on an interval.
type guardLoop struct {
	sup      *supervisor.Supervisor
	interval time.Duration
}

func (l *guardLoop) Run(ctx context.Context) error {
	return tickLoop(ctx, l.interval, func(ctx context.Context) {
		l.sup.CheckAccountGuards(ctx)
		l.sup.MaybeResume(ctx)
	})
}
