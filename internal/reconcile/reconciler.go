// Package reconcile periodically cross-checks the store's view of open
// trades against what each venue actually reports (spec §4/C9): ghost legs
// (a DB leg with no matching exchange order), orphan positions (an exchange
// position with no owning trade), and position-size drift between the two.
// Small drift is corrected in place; large drift halts trading via the
// event bus rather than silently overwriting the book.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
)

// driftHaltPct is the relative-divergence threshold above which a position
// mismatch halts trading instead of being auto-corrected.
var driftHaltPct = decimal.NewFromInt(5)

// Store is the subset of internal/store.Store the reconciler depends on.
type Store interface {
	ListOpenTrades() []*domain.Trade
	UpdateTrade(ctx context.Context, t *domain.Trade) error
}

// Result is one reconciliation pass's findings for one trade+venue leg.
type Result struct {
	TradeID         string
	Symbol          string
	Venue           string
	LocalQty        decimal.Decimal
	ExchangeQty     decimal.Decimal
	DivergencePct   decimal.Decimal
	Corrected       bool
	Halted          bool
	GhostLeg        bool
}

// Reconciler runs the periodic drift-detection loop.
type Reconciler struct {
	store  Store
	ports  map[string]exchange.Port
	bus    *eventbus.Bus
	logger core.ILogger

	mu         sync.RWMutex
	lastResult []Result
	lastRunAt  time.Time
}

func New(store Store, ports map[string]exchange.Port, bus *eventbus.Bus, logger core.ILogger) *Reconciler {
	return &Reconciler{
		store:  store,
		ports:  ports,
		bus:    bus,
		logger: logger.WithField("component", "reconciler"),
	}
}

// Run ticks Reconcile at the given interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile performs a single pass over every open trade.
func (r *Reconciler) Reconcile(ctx context.Context) []Result {
	trades := r.store.ListOpenTrades()
	results := make([]Result, 0, len(trades)*2)

	for _, trade := range trades {
		results = append(results, r.reconcileLeg(ctx, trade, trade.LegLong)...)
		results = append(results, r.reconcileLeg(ctx, trade, trade.LegShort)...)
	}

	r.mu.Lock()
	r.lastResult = results
	r.lastRunAt = time.Now().UTC()
	r.mu.Unlock()
	return results
}

// reconcileLeg checks one trade leg's order and position state against its
// venue. Order-level ghost detection and position-level drift are reported
// independently; either can fire on the same pass.
func (r *Reconciler) reconcileLeg(ctx context.Context, trade *domain.Trade, leg *domain.TradeLeg) []Result {
	if leg == nil {
		return nil
	}
	port, ok := r.ports[leg.Venue]
	if !ok {
		return nil
	}

	var out []Result
	if ghost := r.checkGhostOrder(ctx, port, trade, leg); ghost != nil {
		out = append(out, *ghost)
	}
	out = append(out, r.checkPositionDrift(ctx, port, trade, leg))
	return out
}

// checkGhostOrder flags a leg whose recorded order no longer terminates the
// way the DB expects: the teacher's reconciler lists every exchange order
// and diffs both directions (local-only / exchange-only); our Port surface
// has no list-open-orders call, so this is adapted to the narrower but
// still meaningful check available per known order ID — does the exchange
// still recognize this leg's order at all.
func (r *Reconciler) checkGhostOrder(ctx context.Context, port exchange.Port, trade *domain.Trade, leg *domain.TradeLeg) *Result {
	if leg.OrderID == "" || leg.FilledQty.LessThan(leg.Qty) {
		return nil
	}
	order, err := port.GetOrder(ctx, trade.Symbol, leg.OrderID)
	if err != nil || order.OrderID == "" {
		r.logger.Warn("ghost leg: exchange has no record of a filled local order", "trade", trade.ID, "venue", leg.Venue, "order_id", leg.OrderID, "error", err)
		return &Result{TradeID: trade.ID, Symbol: trade.Symbol, Venue: leg.Venue, GhostLeg: true}
	}
	return nil
}

// checkPositionDrift compares the DB's view of the leg's filled quantity to
// the venue's live reported position. Divergence below driftHaltPct is
// corrected in place (the leg's FilledQty is snapped to match the venue,
// since the venue is authoritative for what's actually at risk); divergence
// at or above it halts trading via EventReconcileDrift rather than papering
// over a possibly-serious mismatch.
func (r *Reconciler) checkPositionDrift(ctx context.Context, port exchange.Port, trade *domain.Trade, leg *domain.TradeLeg) Result {
	pos, err := port.GetPosition(ctx, trade.Symbol)
	if err != nil {
		r.logger.Warn("position drift check failed", "trade", trade.ID, "venue", leg.Venue, "error", err)
		return Result{TradeID: trade.ID, Symbol: trade.Symbol, Venue: leg.Venue, LocalQty: leg.FilledQty}
	}

	res := Result{TradeID: trade.ID, Symbol: trade.Symbol, Venue: leg.Venue, LocalQty: leg.FilledQty, ExchangeQty: pos.Qty}
	if leg.FilledQty.Equal(pos.Qty) {
		return res
	}

	divergence := pos.Qty.Sub(leg.FilledQty)
	denominator := pos.Qty.Abs()
	if denominator.IsZero() {
		denominator = decimal.NewFromFloat(0.0001)
	}
	res.DivergencePct = divergence.Div(denominator).Mul(decimal.NewFromInt(100)).Abs()

	if res.DivergencePct.LessThan(driftHaltPct) {
		r.logger.Info("auto-correcting small position divergence", "trade", trade.ID, "venue", leg.Venue, "divergence_pct", res.DivergencePct.String())
		leg.FilledQty = pos.Qty
		_ = r.store.UpdateTrade(ctx, trade)
		res.Corrected = true
		return res
	}

	r.logger.Error("large position divergence detected, halting trading", "trade", trade.ID, "venue", leg.Venue, "divergence_pct", res.DivergencePct.String())
	res.Halted = true
	r.bus.Publish(ctx, eventbus.Event{
		Kind: eventbus.EventReconcileDrift, Symbol: trade.Symbol, Venue: leg.Venue,
		Payload: res, Timestamp: time.Now().UTC(),
	})
	return res
}

// LastResult returns the findings from the most recent pass, for the
// control surface's /status endpoint.
func (r *Reconciler) LastResult() ([]Result, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Result(nil), r.lastResult...), r.lastRunAt
}
