// Package fundingtracker reconciles realized funding per trade per venue
// (spec §4.6, C8): it periodically pulls settled funding payments from each
// venue, reconciles them against the persisted per-venue baseline, and keeps
// Trade.FundingCollected current for the exit-rule evaluator and the PnL
// snapshot surface.
package fundingtracker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/exchange"
)

// Store is the subset of internal/store.Store the tracker depends on.
type Store interface {
	ListOpenTrades() []*domain.Trade
	UpdateTrade(ctx context.Context, t *domain.Trade) error
	AppendFundingEvent(ev domain.FundingEvent)
	SumRealizedFunding(ctx context.Context, tradeID, venue string) (decimal.Decimal, error)
	UpsertFundingCandle(c domain.FundingCandle)
}

// Tracker runs the periodic realized-funding reconciliation loop.
type Tracker struct {
	store  Store
	ports  map[string]exchange.Port
	logger core.ILogger
}

func New(store Store, ports map[string]exchange.Port, logger core.ILogger) *Tracker {
	return &Tracker{store: store, ports: ports, logger: logger.WithField("component", "fundingtracker")}
}

// Run ticks Reconcile at the given interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Reconcile(ctx)
		}
	}
}

// Reconcile fans out one reconciliation pass per open trade.
func (t *Tracker) Reconcile(ctx context.Context) {
	trades := t.store.ListOpenTrades()
	g, gctx := errgroup.WithContext(ctx)
	for _, trade := range trades {
		trade := trade
		g.Go(func() error {
			t.reconcileTrade(gctx, trade)
			return nil
		})
	}
	_ = g.Wait()
}

// reconcileTrade pulls realized funding for both legs since the trade
// opened, applies the idempotent per-venue delta (spec §8 property 6, §9
// open question 3 — a legacy "NET" total is never used as a baseline;
// SumRealizedFunding only ever sums non-legacy rows), and persists the
// running total.
func (t *Tracker) reconcileTrade(ctx context.Context, trade *domain.Trade) {
	if trade.LegLong == nil || trade.LegShort == nil {
		return
	}
	// The venue total must cover the same span as the persisted per-venue
	// baseline it is diffed against, so always look back to the open time.
	sinceMs := trade.OpenedAt.UnixMilli()

	total := decimal.Zero
	for _, venue := range []string{trade.LongVenue, trade.ShortVenue} {
		delta, err := t.reconcileVenue(ctx, trade, venue, sinceMs)
		if err != nil {
			t.logger.Warn("funding reconcile failed", "trade", trade.ID, "venue", venue, "error", err)
			continue
		}
		total = total.Add(delta)
	}
	if total.IsZero() {
		return
	}
	trade.FundingCollected = trade.FundingCollected.Add(total)
	trade.LastFundingUpdate = time.Now().UTC()
	_ = t.store.UpdateTrade(ctx, trade)
}

// reconcileVenue returns the newly-observed funding delta for one venue and
// appends the corresponding non-legacy FundingEvent rows.
func (t *Tracker) reconcileVenue(ctx context.Context, trade *domain.Trade, venue string, sinceMs int64) (decimal.Decimal, error) {
	port, ok := t.ports[venue]
	if !ok {
		return decimal.Zero, nil
	}
	events, err := port.GetRealizedFunding(ctx, trade.Symbol, sinceMs)
	if err != nil {
		return decimal.Zero, err
	}
	if len(events) == 0 {
		return decimal.Zero, nil
	}

	reported := decimal.Zero
	for _, e := range events {
		reported = reported.Add(e.Amount)
	}

	baseline, err := t.store.SumRealizedFunding(ctx, trade.ID, venue)
	if err != nil {
		return decimal.Zero, err
	}
	delta := reported
	if baseline.IsPositive() || baseline.IsNegative() {
		delta = reported.Sub(baseline)
	}
	if delta.IsZero() {
		return decimal.Zero, nil
	}

	t.store.AppendFundingEvent(domain.FundingEvent{
		TradeID: trade.ID, Venue: venue, Amount: delta, Timestamp: time.Now().UTC(),
	})
	return delta, nil
}

// NormalizeHistoricalRate rebases a venue's raw historical funding rate onto
// the hourly convention the rest of the system assumes. It never mutates
// live rates used for trading decisions — only backfilled candle rows — and
// logging, not a validation failure, is how a non-1h venue interval surfaces
// here (the hard failure for *live* config stays in internal/config).
func (t *Tracker) NormalizeHistoricalRate(venue string, rawIntervalHours int, rawRate decimal.Decimal) decimal.Decimal {
	if rawIntervalHours <= 0 {
		t.logger.Warn("historical funding interval non-positive, treating as hourly", "venue", venue, "interval_hours", rawIntervalHours)
		return rawRate
	}
	if rawIntervalHours == 1 {
		return rawRate
	}
	t.logger.Info("normalizing historical funding rate to hourly", "venue", venue, "raw_interval_hours", rawIntervalHours)
	return rawRate.Div(decimal.NewFromInt(int64(rawIntervalHours)))
}

// ClampRateWarn logs when a historical rate exceeds a sanity bound but never
// clamps it — downstream Z-score/velocity rules need the true outlier value,
// not a silently truncated one.
func (t *Tracker) ClampRateWarn(symbol, venue string, rate, maxAbs decimal.Decimal) decimal.Decimal {
	if rate.Abs().GreaterThan(maxAbs) {
		t.logger.Warn("historical funding rate exceeds sanity bound", "symbol", symbol, "venue", venue, "rate", rate.String(), "max_abs", maxAbs.String())
	}
	return rate
}

// BackfillCandle normalizes and persists one historical funding sample.
func (t *Tracker) BackfillCandle(symbol, venue string, rawIntervalHours int, rawRate decimal.Decimal, maxAbsRate decimal.Decimal, at time.Time) {
	rate := t.NormalizeHistoricalRate(venue, rawIntervalHours, rawRate)
	rate = t.ClampRateWarn(symbol, venue, rate, maxAbsRate)
	apy := rate.Mul(decimal.NewFromInt(24 * 365))
	t.store.UpsertFundingCandle(domain.FundingCandle{Symbol: symbol, Venue: venue, Timestamp: at.UTC(), Rate: rate, APY: apy})
}
