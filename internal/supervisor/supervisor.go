// Package supervisor owns process-wide trading safety state (spec §4.7/C10):
// a trading-pause window, a consecutive-failure counter, account guards
// against low free margin and excess drawdown, and a broken-hedge
// self-healing handler. It never closes a position itself — it only gates
// whether ExecutionEngine is allowed to open a new one.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
)

const (
	balanceGuardCooldown   = 120 * time.Second
	balanceFetchRetryCount = 3
)

// Supervisor tracks pause state and account health across both venues.
type Supervisor struct {
	ports  map[string]exchange.Port
	bus    *eventbus.Bus
	cfg    config.RiskConfig
	logger core.ILogger

	mu                sync.Mutex
	pausedUntil       time.Time // zero value = not paused; far-future = indefinite
	indefinite        bool
	pauseReason       string
	consecutiveFails  int
	peakEquity        decimal.Decimal
	lastFreeMarginPct decimal.Decimal
	brokenHedgeSymbol string
}

func New(ports map[string]exchange.Port, bus *eventbus.Bus, cfg config.RiskConfig, logger core.ILogger) *Supervisor {
	s := &Supervisor{
		ports:  ports,
		bus:    bus,
		cfg:    cfg,
		logger: logger.WithField("component", "supervisor"),
	}
	bus.Subscribe(eventbus.EventBrokenHedgeDetected, s.onBrokenHedge)
	bus.Subscribe(eventbus.EventReconcileDrift, s.onReconcileDrift)
	return s
}

// onReconcileDrift pauses new trades indefinitely when the reconciler
// reports a position divergence too large to auto-correct. Unlike a broken
// hedge, a large drift has no self-healing resume path here — it needs a
// human to confirm the book before trading continues.
func (s *Supervisor) onReconcileDrift(ctx context.Context, ev eventbus.Event) {
	s.logger.Error("reconcile drift halt triggered", "symbol", ev.Symbol, "venue", ev.Venue)
	s.pauseTrading(ctx, "reconcile drift: "+ev.Symbol+"/"+ev.Venue, 0, true, "CRITICAL")
}

// IsTradingPaused reports whether new trades are currently gated. Position
// management and close paths are never affected by this.
func (s *Supervisor) IsTradingPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPausedLocked()
}

func (s *Supervisor) isPausedLocked() bool {
	if s.pausedUntil.IsZero() {
		return false
	}
	if s.indefinite {
		return true
	}
	return time.Now().Before(s.pausedUntil)
}

// PauseReason returns the active pause's reason, or "" if not paused.
func (s *Supervisor) PauseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPausedLocked() {
		return ""
	}
	return s.pauseReason
}

// pauseTrading opens (or extends) the pause window. Re-pausing for the same
// reason inside an already-active window is a no-op, matching the
// original's "avoid spamming alerts" guard.
func (s *Supervisor) pauseTrading(ctx context.Context, reason string, cooldown time.Duration, indefinite bool, severity string) {
	s.mu.Lock()
	if !indefinite && s.isPausedLocked() && s.pauseReason == reason {
		s.mu.Unlock()
		return
	}
	until := time.Now().Add(cooldown)
	if indefinite {
		until = time.Now().Add(365 * 24 * time.Hour)
	}
	if !s.pausedUntil.IsZero() && !until.After(s.pausedUntil) && !(indefinite && !s.indefinite) {
		s.mu.Unlock()
		return
	}
	s.pausedUntil = until
	s.indefinite = indefinite
	s.pauseReason = reason
	fails := s.consecutiveFails
	s.mu.Unlock()

	if severity == "CRITICAL" {
		s.logger.Error("trading paused", "reason", reason, "cooldown", cooldown.String(), "indefinite", indefinite, "consecutive_failures", fails)
	} else {
		s.logger.Warn("trading paused", "reason", reason, "cooldown", cooldown.String(), "indefinite", indefinite, "consecutive_failures", fails)
	}
	s.bus.Publish(ctx, eventbus.Event{Kind: eventbus.EventRiskPauseTriggered, Payload: reason, Timestamp: time.Now().UTC()})
}

// RecordExecutionFailure increments the consecutive-failure counter and
// trips a timed pause once the configured threshold is reached.
func (s *Supervisor) RecordExecutionFailure(ctx context.Context) {
	s.mu.Lock()
	s.consecutiveFails++
	n := s.consecutiveFails
	s.mu.Unlock()

	if s.cfg.MaxConsecutiveFailures > 0 && n >= s.cfg.MaxConsecutiveFailures {
		s.pauseTrading(ctx, "max consecutive execution failures reached", time.Duration(s.cfg.ConsecutiveFailurePauseSeconds)*time.Second, false, "WARNING")
	}
}

// RecordExecutionSuccess resets the consecutive-failure counter.
func (s *Supervisor) RecordExecutionSuccess() {
	s.mu.Lock()
	s.consecutiveFails = 0
	s.mu.Unlock()
}

// CheckAccountGuards refreshes free-margin and drawdown state from both
// venues and pauses trading when either threshold is breached. It never
// closes positions — only gates new ones.
func (s *Supervisor) CheckAccountGuards(ctx context.Context) {
	totalEquity := decimal.Zero
	totalFree := decimal.Zero
	for venue, port := range s.ports {
		equity, err := s.fetchWithRetry(ctx, port.GetAccountEquity)
		if err != nil {
			s.logger.Error("balance fetch failed", "venue", venue, "error", err)
			s.pauseTrading(ctx, "balance fetch failed: "+err.Error(), balanceGuardCooldown, false, "ERROR")
			return
		}
		free, err := s.fetchWithRetry(ctx, port.GetFreeMargin)
		if err != nil {
			s.logger.Error("balance fetch failed", "venue", venue, "error", err)
			s.pauseTrading(ctx, "balance fetch failed: "+err.Error(), balanceGuardCooldown, false, "ERROR")
			return
		}
		totalEquity = totalEquity.Add(equity)
		totalFree = totalFree.Add(free)
	}

	freeMarginPct := decimal.Zero
	if totalEquity.IsPositive() {
		freeMarginPct = totalFree.Div(totalEquity)
	}

	s.mu.Lock()
	s.lastFreeMarginPct = freeMarginPct
	if s.peakEquity.IsZero() || totalEquity.GreaterThan(s.peakEquity) {
		s.peakEquity = totalEquity
	}
	peak := s.peakEquity
	s.mu.Unlock()

	if totalEquity.IsPositive() && freeMarginPct.LessThan(decimal.NewFromFloat(s.cfg.MinFreeMarginPct)) {
		s.pauseTrading(ctx, "free margin below minimum", balanceGuardCooldown, false, "WARNING")
	}

	drawdownPct := decimal.Zero
	if peak.IsPositive() {
		drawdownPct = peak.Sub(totalEquity).Div(peak)
	}
	if peak.IsPositive() && drawdownPct.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.MaxDrawdownPct)) {
		s.pauseTrading(ctx, "max drawdown exceeded", 0, true, "CRITICAL")
	}
}

func (s *Supervisor) fetchWithRetry(ctx context.Context, fn func(context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 0; attempt < balanceFetchRetryCount; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 250 * time.Millisecond):
		}
	}
	return decimal.Zero, lastErr
}

// onBrokenHedge is the kill-switch: a timed pause, with self-healing resume
// gated on both venues reporting a balanced (both-flat or both-open) book.
func (s *Supervisor) onBrokenHedge(ctx context.Context, ev eventbus.Event) {
	s.logger.Error("broken hedge kill-switch triggered", "symbol", ev.Symbol)
	s.mu.Lock()
	s.brokenHedgeSymbol = ev.Symbol
	s.mu.Unlock()

	cooldown := time.Duration(s.cfg.BrokenHedgeCooldownSeconds) * time.Second
	s.pauseTrading(ctx, "broken hedge: "+ev.Symbol, cooldown, false, "CRITICAL")
}

// MaybeResume clears an expired timed pause once the broken-hedge symbol
// (if any) is confirmed balanced across both venues; otherwise it extends
// the pause rather than resuming into a still-unbalanced book.
func (s *Supervisor) MaybeResume(ctx context.Context) {
	s.mu.Lock()
	if s.pausedUntil.IsZero() || s.indefinite || time.Now().Before(s.pausedUntil) {
		s.mu.Unlock()
		return
	}
	symbol := s.brokenHedgeSymbol
	s.mu.Unlock()

	if symbol != "" {
		balanced, err := s.hedgeBalanced(ctx, symbol)
		cooldown := time.Duration(s.cfg.BrokenHedgeCooldownSeconds) * time.Second
		if err != nil || !balanced {
			s.logger.Warn("self-healing check failed or still unbalanced, extending pause", "symbol", symbol, "error", err)
			s.mu.Lock()
			s.pausedUntil = time.Now().Add(cooldown)
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.brokenHedgeSymbol = ""
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.pausedUntil = time.Time{}
	s.indefinite = false
	s.pauseReason = ""
	s.consecutiveFails = 0
	s.mu.Unlock()
	s.logger.Info("trading resumed")
}

// Snapshot is a Control Surface read: a point-in-time copy of pause/guard
// state for the `/status` endpoint. It takes the same lock CheckAccountGuards
// and pauseTrading use, but only for the duration of the copy — callers never
// block a trading decision on a slow HTTP client.
type Snapshot struct {
	Paused            bool
	Indefinite        bool
	PauseReason       string
	ConsecutiveFails  int
	PeakEquity        decimal.Decimal
	LastFreeMarginPct decimal.Decimal
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Paused:            s.isPausedLocked(),
		Indefinite:        s.indefinite,
		PauseReason:       s.pauseReason,
		ConsecutiveFails:  s.consecutiveFails,
		PeakEquity:        s.peakEquity,
		LastFreeMarginPct: s.lastFreeMarginPct,
	}
}

// hedgeBalanced reports whether both venues agree the symbol is either
// fully flat or both still carrying a position — the "balanced" states a
// broken hedge must reach before resume.
func (s *Supervisor) hedgeBalanced(ctx context.Context, symbol string) (bool, error) {
	threshold := decimal.NewFromFloat(0.0001)
	states := make([]bool, 0, len(s.ports))
	for _, port := range s.ports {
		pos, err := port.GetPosition(ctx, symbol)
		if err != nil {
			return false, err
		}
		states = append(states, pos.Qty.Abs().GreaterThan(threshold))
	}
	for i := 1; i < len(states); i++ {
		if states[i] != states[0] {
			return false, nil
		}
	}
	return true, nil
}
