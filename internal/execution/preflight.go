package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
	apperrors "fundingarb/pkg/errors"
)

// preflight re-validates an Opportunity with fresh data immediately before
// committing capital, per spec §4.3's five preflight checks: freshness,
// depth, spread, hedge-depth, and sizing. It returns the size to trade and,
// on failure, the stage name that rejected it.
func (e *Engine) Preflight(ctx context.Context, opp domain.Opportunity) (decimal.Decimal, string, error) {
	if e.md.IsStale(opp.LongVenue, opp.Symbol) || e.md.IsStale(opp.ShortVenue, opp.Symbol) {
		return decimal.Zero, "freshness", fmt.Errorf("market data stale for %s", opp.Symbol)
	}

	bidLong, qtyBidLong, askLong, qtyAskLong, err := e.md.EffectiveBidAsk(ctx, opp.LongVenue, opp.Symbol, decimal.Zero)
	if err != nil {
		return decimal.Zero, "depth", err
	}
	bidShort, qtyBidShort, askShort, qtyAskShort, err := e.md.EffectiveBidAsk(ctx, opp.ShortVenue, opp.Symbol, decimal.Zero)
	if err != nil {
		return decimal.Zero, "depth", err
	}

	midLong := bidLong.Add(askLong).Div(decimal.NewFromInt(2))
	midShort := bidShort.Add(askShort).Div(decimal.NewFromInt(2))
	midPrice := midLong.Add(midShort).Div(decimal.NewFromInt(2))
	if midPrice.IsZero() {
		return decimal.Zero, "depth", fmt.Errorf("zero mid price for %s", opp.Symbol)
	}
	spread := midLong.Sub(midShort).Div(midPrice)
	maxSpread := decimal.NewFromFloat(e.trade.MaxEntrySpread)
	if spread.Abs().GreaterThan(maxSpread) {
		return decimal.Zero, "spread", fmt.Errorf("entry spread %s exceeds max %s", spread, maxSpread)
	}

	longInfo, ok := e.md.MarketInfo(opp.LongVenue, opp.Symbol)
	if !ok {
		return decimal.Zero, "sizing", fmt.Errorf("no market info for %s on %s", opp.Symbol, opp.LongVenue)
	}
	shortInfo, ok := e.md.MarketInfo(opp.ShortVenue, opp.Symbol)
	if !ok {
		return decimal.Zero, "sizing", fmt.Errorf("no market info for %s on %s", opp.Symbol, opp.ShortVenue)
	}

	qty := opp.SuggestedQty
	if qty.IsZero() {
		qty = decMax(longInfo.MinOrderSize, shortInfo.MinOrderSize)
	}
	// Depth-gate check: the L1 mode caps notional against a configured
	// fraction of visible top-of-book size on both legs' aggressing sides.
	switch e.trade.DepthGateMode {
	case "IMPACT":
		// IMPACT mode sizes against the configured max price-impact percent
		// rather than a flat L1 utilization fraction; with only effective
		// bid/ask (not a full depth ladder) available here, we fall back to
		// treating the effective price as the impact boundary itself.
	default:
		availLong := decMax(qtyAskLong, qtyBidLong)
		availShort := decMax(qtyAskShort, qtyBidShort)
		util := decimal.NewFromFloat(e.trade.MaxL1QtyUtilization)
		if qty.GreaterThan(availLong.Mul(util)) || qty.GreaterThan(availShort.Mul(util)) {
			return decimal.Zero, "depth_gate", fmt.Errorf("size %s exceeds L1 utilization cap on %s/%s", qty, opp.LongVenue, opp.ShortVenue)
		}
	}

	step := decMax(longInfo.StepSize, shortInfo.StepSize)
	qty = roundToStep(qty, step)
	if qty.IsZero() || qty.LessThan(decMax(longInfo.MinOrderSize, shortInfo.MinOrderSize)) {
		return decimal.Zero, "sizing", fmt.Errorf("rounded size %s below exchange minimum", qty)
	}

	if e.cfg.HedgeDepthPreflightEnabled {
		if err := e.hedgeDepthPreflight(ctx, opp, qty); err != nil {
			return decimal.Zero, "hedge_depth", err
		}
	}

	return qty, "", nil
}

// Check implements internal/opportunity.DepthGate: a lighter-weight version
// of Preflight's depth-gate branch, run against a candidate's suggested size
// before ExecutionEngine commits to building a trade around it. It shares
// the same L1-utilization/IMPACT-mode logic as the real preflight so a
// candidate that clears ranking doesn't then fail the entry it was ranked
// for.
func (e *Engine) Check(ctx context.Context, longVenue, shortVenue, symbol string, qty decimal.Decimal) (bool, decimal.Decimal, error) {
	bidLong, qtyBidLong, askLong, qtyAskLong, err := e.md.EffectiveBidAsk(ctx, longVenue, symbol, decimal.Zero)
	if err != nil {
		return false, decimal.Zero, err
	}
	bidShort, qtyBidShort, askShort, qtyAskShort, err := e.md.EffectiveBidAsk(ctx, shortVenue, symbol, decimal.Zero)
	if err != nil {
		return false, decimal.Zero, err
	}

	longInfo, ok := e.md.MarketInfo(longVenue, symbol)
	if !ok {
		return false, decimal.Zero, fmt.Errorf("no market info for %s on %s", symbol, longVenue)
	}
	shortInfo, ok := e.md.MarketInfo(shortVenue, symbol)
	if !ok {
		return false, decimal.Zero, fmt.Errorf("no market info for %s on %s", symbol, shortVenue)
	}

	if qty.IsZero() {
		qty = decMax(longInfo.MinOrderSize, shortInfo.MinOrderSize)
	}

	switch e.trade.DepthGateMode {
	case "IMPACT":
		_ = bidLong
		_ = bidShort
		_ = askLong
		_ = askShort
	default:
		availLong := decMax(qtyAskLong, qtyBidLong)
		availShort := decMax(qtyAskShort, qtyBidShort)
		util := decimal.NewFromFloat(e.trade.MaxL1QtyUtilization)
		if qty.GreaterThan(availLong.Mul(util)) || qty.GreaterThan(availShort.Mul(util)) {
			suggested := decMin(availLong.Mul(util), availShort.Mul(util))
			return false, suggested, nil
		}
	}

	step := decMax(longInfo.StepSize, shortInfo.StepSize)
	qty = roundToStep(qty, step)
	if qty.IsZero() || qty.LessThan(decMax(longInfo.MinOrderSize, shortInfo.MinOrderSize)) {
		return false, decimal.Zero, nil
	}
	return true, qty, nil
}

// hedgeDepthPreflight re-samples the hedge venue's book HedgeDepthPreflightChecks
// times, requiring the hedge side keep at least HedgeDepthPreflightMultiplier×qty
// available each time, so a thin hedge book doesn't get discovered only after
// leg 1 has already filled.
func (e *Engine) hedgeDepthPreflight(ctx context.Context, opp domain.Opportunity, qty decimal.Decimal) error {
	multiplier := decimal.NewFromFloat(e.cfg.HedgeDepthPreflightMultiplier)
	required := qty.Mul(multiplier)
	for i := 0; i < e.cfg.HedgeDepthPreflightChecks; i++ {
		_, bidQty, _, askQty, err := e.md.EffectiveBidAsk(ctx, opp.ShortVenue, opp.Symbol, decimal.Zero)
		if err != nil {
			return err
		}
		if bidQty.LessThan(required) && askQty.LessThan(required) {
			return fmt.Errorf("hedge venue %s depth %s below required %s", opp.ShortVenue, decMax(bidQty, askQty), required)
		}
		if i < e.cfg.HedgeDepthPreflightChecks-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil
}

// accumulatedFill tracks leg-1's running fill across repriced attempts, so a
// partial fill on one attempt doesn't abandon the remainder (spec §4.3
// leg-1 loop step 8: "If target reached, break. Else continue"). AvgFillPrice
// is maintained as a running VWAP across attempts.
type accumulatedFill struct {
	filledQty decimal.Decimal
	notional  decimal.Decimal
	fee       decimal.Decimal
	last      domain.Order
}

func (a *accumulatedFill) merge(o domain.Order) {
	a.last = o
	if o.FilledQty.IsZero() {
		return
	}
	a.notional = a.notional.Add(o.FilledQty.Mul(o.AvgFillPrice))
	a.filledQty = a.filledQty.Add(o.FilledQty)
	a.fee = a.fee.Add(o.Fee)
}

func (a *accumulatedFill) order() domain.Order {
	out := a.last
	out.FilledQty = a.filledQty
	out.Fee = a.fee
	if a.filledQty.IsPositive() {
		out.AvgFillPrice = a.notional.Div(a.filledQty)
	}
	return out
}

// hedgeGate carries the hedge-venue coordinates the anti-salvage check in
// waitForFill polls every tick while leg-1 is still working (glossary:
// "Hedge anti-salvage"). target is the quantity still owed on the current
// attempt; remaining hedge notional shrinks as the order fills.
type hedgeGate struct {
	venue  string
	symbol string
	target decimal.Decimal
}

// runLeg1 places the maker leg on the long venue (or short, per convention;
// here the long venue always takes the leg-1 maker role since it is the side
// being bought) with a bounded number of repricing attempts, escalating
// aggressiveness each attempt, and finally escalating to a taker IOC if the
// attempt budget elapses without a fill (spec §4.3 leg-1 loop).
func (e *Engine) RunLeg1(ctx context.Context, trade *domain.Trade, opp domain.Opportunity, qty decimal.Decimal) (domain.Order, error) {
	venue := opp.LongVenue
	port, ok := e.ports[venue]
	if !ok {
		return domain.Order{}, fmt.Errorf("execution: no port for venue %s", venue)
	}

	maxAttempts := e.cfg.Leg1MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	minBps := decimal.NewFromFloat(e.cfg.Leg1MinAggressivenessBps)
	maxBps := decimal.NewFromFloat(e.cfg.Leg1MaxAggressivenessBps)
	attemptTimeout := time.Duration(e.cfg.Leg1AttemptTimeoutSeconds) * time.Second
	escalateAfter := time.Duration(e.cfg.Leg1EscalateAfterSeconds) * time.Second
	if attemptTimeout <= 0 {
		attemptTimeout = 15 * time.Second
	}

	var acc accumulatedFill

	for attempt := 0; attempt < maxAttempts; attempt++ {
		remaining := qty.Sub(acc.filledQty)
		if !remaining.IsPositive() {
			break
		}

		bidLong, _, askLong, _, err := e.md.EffectiveBidAsk(ctx, venue, opp.Symbol, decimal.Zero)
		if err != nil {
			return acc.order(), err
		}

		bps := minBps
		if maxAttempts > 1 {
			frac := decimal.NewFromInt(int64(attempt)).Div(decimal.NewFromInt(int64(maxAttempts - 1)))
			bps = minBps.Add(maxBps.Sub(minBps).Mul(frac))
		}
		price := limitPrice(domain.SideBuy, bidLong, askLong, bps)

		req := domain.OrderRequest{
			Symbol: opp.Symbol, Venue: venue, Side: domain.SideBuy, Qty: remaining,
			Type: domain.OrderTypeLimit, Price: price, TIF: domain.TIFGTC,
			ClientOrderID: uuid.NewString(),
		}
		order, err := port.PlaceOrder(ctx, req)
		if err != nil {
			trade.AddEvent("LEG1_REJECTED", fmt.Sprintf("attempt %d: %v", attempt, err))
			if !apperrors.IsTransient(err) {
				return acc.order(), err
			}
			continue
		}

		deadline := attemptTimeout
		if escalateAfter > 0 && escalateAfter < deadline {
			deadline = escalateAfter
		}
		gate := &hedgeGate{venue: opp.ShortVenue, symbol: opp.Symbol, target: remaining}
		filled, err := e.waitForFill(ctx, port, opp.Symbol, order.OrderID, deadline, gate)
		if err != nil {
			acc.merge(filled)
			return acc.order(), err
		}
		acc.merge(filled)
		if acc.filledQty.GreaterThanOrEqual(qty) {
			return acc.order(), nil
		}
		_ = port.CancelOrder(ctx, opp.Symbol, order.OrderID)
	}

	// Attempt budget exhausted: escalate whatever remains to a taker IOC at
	// the configured slippage cap rather than leave the position unopened
	// indefinitely.
	remaining := qty.Sub(acc.filledQty)
	if !remaining.IsPositive() {
		return acc.order(), nil
	}
	bidLong, _, askLong, _, err := e.md.EffectiveBidAsk(ctx, venue, opp.Symbol, decimal.Zero)
	if err != nil {
		return acc.order(), err
	}
	slip := decimal.NewFromFloat(e.cfg.Leg1EscalateToTakerSlippage)
	price := askLong.Mul(decimal.NewFromInt(1).Add(slip))
	req := domain.OrderRequest{
		Symbol: opp.Symbol, Venue: venue, Side: domain.SideBuy, Qty: remaining,
		Type: domain.OrderTypeLimit, Price: price, TIF: domain.TIFIOC,
		ClientOrderID: uuid.NewString(),
	}
	order, err := port.PlaceOrder(ctx, req)
	if err != nil {
		return acc.order(), err
	}
	gate := &hedgeGate{venue: opp.ShortVenue, symbol: opp.Symbol, target: remaining}
	filled, err := e.waitForFill(ctx, port, opp.Symbol, order.OrderID, attemptTimeout, gate)
	if err != nil {
		acc.merge(filled)
		return acc.order(), err
	}
	acc.merge(filled)
	if acc.filledQty.IsZero() {
		return acc.order(), apperrors.ErrOrderRejected
	}
	return acc.order(), nil
}

// runLeg2 hedges leg 1's filled quantity as a taker IOC on the opposite
// venue/side, within the hedge fill timeout and an X10-specific slippage cap
// named directly in config (spec §4.3 leg-2).
func (e *Engine) RunLeg2(ctx context.Context, trade *domain.Trade, venue string, side domain.Side, qty decimal.Decimal) (domain.Order, error) {
	if qty.IsZero() {
		return domain.Order{}, fmt.Errorf("execution: leg2 qty is zero")
	}
	port, ok := e.ports[venue]
	if !ok {
		return domain.Order{}, fmt.Errorf("execution: no port for venue %s", venue)
	}

	bid, _, ask, _, err := e.md.EffectiveBidAsk(ctx, venue, trade.Symbol, decimal.Zero)
	if err != nil {
		return domain.Order{}, err
	}
	slip := decimal.NewFromFloat(e.cfg.X10CloseSlippage)
	var price decimal.Decimal
	if side == domain.SideBuy {
		price = ask.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = bid.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	req := domain.OrderRequest{
		Symbol: trade.Symbol, Venue: venue, Side: side, Qty: qty,
		Type: domain.OrderTypeLimit, Price: price, TIF: domain.TIFIOC,
		ClientOrderID: uuid.NewString(),
	}
	order, err := port.PlaceOrder(ctx, req)
	if err != nil {
		return domain.Order{}, err
	}

	timeout := time.Duration(e.cfg.HedgeIOCFillTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	filled, err := e.waitForFill(ctx, port, trade.Symbol, order.OrderID, timeout, nil)
	if err != nil {
		return domain.Order{}, err
	}
	if filled.FilledQty.IsZero() {
		return domain.Order{}, apperrors.ErrLeg1HedgeEvaporated
	}
	return filled, nil
}

// waitForFill polls GetOrder until it reaches a terminal status or the
// timeout elapses, returning whatever state was last observed. When gate is
// non-nil it runs the hedge-integrity anti-salvage check every tick (spec
// §4.3 leg-1 loop step 4): remaining hedge notional shrinks as the order
// fills, and if the hedge venue's available L1 size drops below 80% of what
// leg-1 still needs, leg-1 is cancelled and ErrLeg1HedgeEvaporated is raised
// rather than finish a maker fill the hedge can no longer absorb.
func (e *Engine) waitForFill(ctx context.Context, port interface {
	GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}, symbol, orderID string, timeout time.Duration, gate *hedgeGate) (domain.Order, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var last domain.Order
	for {
		order, err := port.GetOrder(ctx, symbol, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		last = order
		if order.Status.IsTerminal() {
			return order, nil
		}

		if gate != nil {
			if evaporated := e.hedgeEvaporated(ctx, gate, order.FilledQty); evaporated {
				_ = port.CancelOrder(ctx, symbol, orderID)
				return last, apperrors.ErrLeg1HedgeEvaporated
			}
		}

		if time.Now().After(deadline) {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hedgeEvaporated refreshes the hedge venue's effective L1 and reports
// whether its available size has fallen below 80% of gate's remaining
// target. A refresh error is treated as inconclusive rather than a false
// positive cancel, since a transient quote hiccup shouldn't abort a maker
// fill that's otherwise progressing fine.
func (e *Engine) hedgeEvaporated(ctx context.Context, gate *hedgeGate, filledQty decimal.Decimal) bool {
	remaining := gate.target.Sub(filledQty)
	if !remaining.IsPositive() {
		return false
	}
	_, bidQty, _, askQty, err := e.md.EffectiveBidAsk(ctx, gate.venue, gate.symbol, decimal.Zero)
	if err != nil {
		return false
	}
	available := decMax(bidQty, askQty)
	required := remaining.Mul(decimal.NewFromFloat(0.8))
	return available.LessThan(required)
}

// limitPrice offsets the touch price by aggressivenessBps basis points
// towards the opposing side, moving from passive (at best bid/ask) to
// increasingly aggressive as the leg-1 loop escalates.
func limitPrice(side domain.Side, bid, ask, aggressivenessBps decimal.Decimal) decimal.Decimal {
	bps := aggressivenessBps.Div(decimal.NewFromInt(10000))
	if side == domain.SideBuy {
		return bid.Mul(decimal.NewFromInt(1).Add(bps))
	}
	return ask.Mul(decimal.NewFromInt(1).Sub(bps))
}

// rollback closes out whatever legs are live after a failed entry: if leg 1
// filled but leg 2 never landed, it market-closes leg 1's reduce-only
// position so the account doesn't carry a naked directional exposure.
func (e *Engine) Rollback(ctx context.Context, trade *domain.Trade, leg1 *domain.Order) {
	trade.ExecState = domain.ExecRollbackInProgress
	trade.AddEvent("ROLLBACK_STARTED", "closing any live leg after failed entry")
	_ = e.store.UpdateTrade(ctx, trade)

	if leg1 != nil && leg1.FilledQty.IsPositive() {
		venue := trade.LongVenue
		port, ok := e.ports[venue]
		if ok {
			req := domain.OrderRequest{
				Symbol: trade.Symbol, Venue: venue, Side: leg1.Side.Opposite(), Qty: leg1.FilledQty,
				Type: domain.OrderTypeMarket, TIF: domain.TIFIOC, ReduceOnly: true,
				ClientOrderID: uuid.NewString(),
			}
			if _, err := port.PlaceOrder(ctx, req); err != nil {
				trade.ExecState = domain.ExecRollbackFailed
				trade.AddEvent("ROLLBACK_FAILED", err.Error())
				trade.Status = domain.TradeStatusFailed
				_ = e.store.UpdateTrade(ctx, trade)
				e.bus.Publish(ctx, eventbus.Event{
					Kind: eventbus.EventBrokenHedgeDetected, Symbol: trade.Symbol,
					Venue: venue, Payload: trade, Timestamp: time.Now().UTC(),
				})
				return
			}
		}
	}

	trade.ExecState = domain.ExecRollbackDone
	trade.Status = domain.TradeStatusFailed
	trade.AddEvent("ROLLBACK_DONE", "no residual exposure")
	_ = e.store.UpdateTrade(ctx, trade)
}

// verifyBothLegsLive polls both venues' positions up to three times, one
// second apart, requiring a nonzero position on both sides before declaring
// the trade open (spec §4.3 post-entry verification).
func (e *Engine) VerifyBothLegsLive(ctx context.Context, trade *domain.Trade) bool {
	for attempt := 0; attempt < 3; attempt++ {
		longOK := e.hasPosition(ctx, trade.LongVenue, trade.Symbol)
		shortOK := e.hasPosition(ctx, trade.ShortVenue, trade.Symbol)
		if longOK && shortOK {
			return true
		}
		if attempt < 2 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Second):
			}
		}
	}
	return false
}

func (e *Engine) hasPosition(ctx context.Context, venue, symbol string) bool {
	port, ok := e.ports[venue]
	if !ok {
		return false
	}
	pos, err := port.GetPosition(ctx, symbol)
	if err != nil {
		return false
	}
	return !pos.Qty.IsZero()
}
