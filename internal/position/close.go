package position

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
)

// closeCoordinated places reduce-only maker orders on both venues at the
// touch (BUY rests on the bid, SELL rests on the ask), waits a bounded
// window for fills, and escalates whichever leg hasn't filled to a taker
// IOC order with a slippage cap. It never marks the trade Closed directly;
// verifyFlat does that once both venues confirm zero position.
func (m *Manager) closeCoordinated(ctx context.Context, trade *domain.Trade, snap snapshot) {
	trade.Status = domain.TradeStatusClosing
	trade.CloseReason = "exit_rule"
	_ = m.store.UpdateTrade(ctx, trade)

	m.closeLeg(ctx, trade, trade.LegLong, snap.bidLong, snap.askLong, false)
	m.closeLeg(ctx, trade, trade.LegShort, snap.bidShort, snap.askShort, false)

	m.verifyFlat(ctx, trade)
}

// closeFast skips the maker attempt and goes straight to taker IOC on both
// legs; used by the early-take-profit and emergency exit pathways where
// speed matters more than saving the spread.
func (m *Manager) closeFast(ctx context.Context, trade *domain.Trade, snap snapshot) {
	trade.Status = domain.TradeStatusClosing
	trade.CloseReason = "exit_rule_fast"
	_ = m.store.UpdateTrade(ctx, trade)

	m.closeLeg(ctx, trade, trade.LegLong, snap.bidLong, snap.askLong, true)
	m.closeLeg(ctx, trade, trade.LegShort, snap.bidShort, snap.askShort, true)

	m.verifyFlat(ctx, trade)
}

// closeLeg reduces one leg to flat. BUY-side legs close with a SELL order
// resting on the ask (or a taker IOC below the bid); SELL-side legs close
// with a BUY order resting on the bid (or a taker IOC above the ask). The trade stays Closing; only
// verifyFlat may advance it to Closed.
//
// leg.FilledQty is the entry fill and must stay untouched — RealizedPnl at
// verifyFlat multiplies by it, so it has to still read the full original
// size once both venues confirm flat. remaining is instead computed against
// legClosedQty, keyed by (trade ID, leg role) rather than leg.OrderID (which
// test fixtures and not-yet-filled legs can leave as the empty string,
// colliding long and short), so a tick that re-enters
// closeCoordinated/closeFast after a prior attempt left the leg partly
// closed (verifyFlat still saw it non-flat) requests only what's still
// owed rather than the full original size again. closedQty/closedFee come
// from deltaFromCumulativeFill rather than raw order.FilledQty/Fee so
// re-polling an order already accounted for — this call's own escalation,
// or a later tick revisiting the same orderID — contributes zero instead of
// double-counting.
func (m *Manager) closeLeg(ctx context.Context, trade *domain.Trade, leg *domain.TradeLeg, bid, ask decimal.Decimal, taker bool) {
	port, ok := m.ports[leg.Venue]
	if !ok {
		return
	}
	closeSide := leg.Side.Opposite()
	slip := decimal.NewFromFloat(m.cfg.MaxEntrySpread)
	legKey := trade.ID + ":" + string(leg.Role)
	remaining := leg.FilledQty.Sub(m.legClosedQty(legKey))
	if !remaining.IsPositive() {
		return
	}

	req := m.buildCloseRequest(trade.Symbol, leg.Venue, closeSide, remaining, bid, ask, slip, taker)
	order, err := port.PlaceOrder(ctx, req)
	if err != nil {
		m.logger.Warn("close leg failed to place", "trade", trade.ID, "venue", leg.Venue, "error", err)
		return
	}
	final := m.pollLegClose(ctx, port, trade.Symbol, order.OrderID)
	closedQty, _, closedFee := m.deltaFromCumulativeFill(final.OrderID, final.FilledQty, final.Fee, final.AvgFillPrice)
	if closedQty.IsPositive() {
		leg.ExitPrice = final.AvgFillPrice
	}
	closedTotal := closedQty

	if !taker && !final.Status.IsTerminal() {
		_ = port.CancelOrder(ctx, trade.Symbol, order.OrderID)
		stillOwed := remaining.Sub(closedTotal)
		if stillOwed.IsPositive() {
			escalated := m.buildCloseRequest(trade.Symbol, leg.Venue, closeSide, stillOwed, bid, ask, slip, true)
			order2, err := port.PlaceOrder(ctx, escalated)
			if err != nil {
				m.logger.Warn("close leg escalation failed to place", "trade", trade.ID, "venue", leg.Venue, "error", err)
			} else {
				final2 := m.pollLegClose(ctx, port, trade.Symbol, order2.OrderID)
				deltaQty2, _, deltaFee2 := m.deltaFromCumulativeFill(final2.OrderID, final2.FilledQty, final2.Fee, final2.AvgFillPrice)
				if deltaQty2.IsPositive() {
					leg.ExitPrice = final2.AvgFillPrice
				}
				closedTotal = closedTotal.Add(deltaQty2)
				closedFee = closedFee.Add(deltaFee2)
			}
		}
	}

	m.addLegClosedQty(legKey, closedTotal)
	leg.Fees = leg.Fees.Add(closedFee)
}

// legClosedQty and addLegClosedQty track how much of a leg has already been
// worked off across repeated closeLeg calls for the same trade, keyed by
// (trade ID, leg role) rather than any per-attempt order ID (those are
// tracked separately by deltaFromCumulativeFill).
func (m *Manager) legClosedQty(legKey string) decimal.Decimal {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	return m.legClosed[legKey]
}

func (m *Manager) addLegClosedQty(legKey string, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	m.legClosed[legKey] = m.legClosed[legKey].Add(delta)
}

// fillSeen is the last cumulative (qty, fee) observed for one order ID.
type fillSeen struct {
	qty decimal.Decimal
	fee decimal.Decimal
}

// deltaFromCumulativeFill converts an order's cumulative filled_qty/fee, as
// reported fresh on every GetOrder poll, into the incremental delta since
// the last time this order ID was observed (spec §4.5 "cumulative-fill
// delta accounting"; §8 Testable Property 6: replaying an identical
// cumulative update twice must yield a zero delta). A cumulative value that
// goes backwards — an exchange reset or an out-of-order update — never
// produces a negative delta; the seen watermark holds at its prior high
// value rather than dropping to match.
func (m *Manager) deltaFromCumulativeFill(orderID string, cumQty, cumFee, fillPrice decimal.Decimal) (deltaQty, deltaNotional, deltaFee decimal.Decimal) {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	prev := m.fillSeen[orderID]

	deltaQty = cumQty.Sub(prev.qty)
	if deltaQty.IsNegative() {
		deltaQty = decimal.Zero
	} else {
		prev.qty = cumQty
	}
	deltaFee = cumFee.Sub(prev.fee)
	if deltaFee.IsNegative() {
		deltaFee = decimal.Zero
	} else {
		prev.fee = cumFee
	}

	m.fillSeen[orderID] = prev
	return deltaQty, deltaQty.Mul(fillPrice), deltaFee
}

func (m *Manager) buildCloseRequest(symbol, venue string, side domain.Side, qty, bid, ask, slip decimal.Decimal, taker bool) domain.OrderRequest {
	req := domain.OrderRequest{
		Symbol: symbol, Venue: venue, Side: side, Qty: qty,
		ReduceOnly: true, ClientOrderID: uuid.NewString(),
	}
	if taker {
		req.Type = domain.OrderTypeMarket
		req.TIF = domain.TIFIOC
		if side == domain.SideBuy {
			req.Price = ask.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			req.Price = bid.Mul(decimal.NewFromInt(1).Sub(slip))
		}
	} else {
		req.Type = domain.OrderTypeLimit
		req.TIF = domain.TIFPostOnly
		if side == domain.SideBuy {
			req.Price = bid
		} else {
			req.Price = ask
		}
	}
	return req
}

func (m *Manager) pollLegClose(ctx context.Context, port closeablePort, symbol, orderID string) domain.Order {
	deadline := time.Now().Add(2 * time.Second)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	var last domain.Order
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
			o, err := port.GetOrder(ctx, symbol, orderID)
			if err == nil {
				last = o
				if o.Status.IsTerminal() {
					return last
				}
			}
		}
	}
	return last
}

type closeablePort interface {
	GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error)
}

// verifyFlat queries both venues for residual position; a trade only
// becomes Closed when both are flat. Otherwise it remains Closing and the
// next evaluation tick retries.
func (m *Manager) verifyFlat(ctx context.Context, trade *domain.Trade) {
	longFlat := m.isFlat(ctx, trade.LongVenue, trade.Symbol)
	shortFlat := m.isFlat(ctx, trade.ShortVenue, trade.Symbol)
	if !longFlat || !shortFlat {
		_ = m.store.UpdateTrade(ctx, trade)
		return
	}
	trade.Status = domain.TradeStatusClosed
	trade.ClosedAt = time.Now().UTC()
	trade.RealizedPnl = trade.LegLong.ExitPrice.Sub(trade.LegLong.EntryPrice).Mul(trade.LegLong.FilledQty).
		Add(trade.LegShort.EntryPrice.Sub(trade.LegShort.ExitPrice).Mul(trade.LegShort.FilledQty)).
		Sub(trade.LegLong.Fees.Add(trade.LegShort.Fees)).
		Add(trade.FundingCollected)
	trade.AddEvent("CLOSED", "both legs verified flat")
	_ = m.store.UpdateTrade(ctx, trade)
	m.bus.Publish(ctx, eventbus.Event{Kind: eventbus.EventTradeClosed, Symbol: trade.Symbol, Payload: trade, Timestamp: time.Now().UTC()})
}

func (m *Manager) isFlat(ctx context.Context, venue, symbol string) bool {
	port, ok := m.ports[venue]
	if !ok {
		return true
	}
	pos, err := port.GetPosition(ctx, symbol)
	if err != nil {
		return false
	}
	return pos.Qty.IsZero()
}

// rebalance trims the excess-notional leg down by deltaQty to restore
// delta-neutrality (rule E14). The trade remains Open; a successful
// rebalance must never mark it Closed.
func (m *Manager) rebalance(ctx context.Context, trade *domain.Trade, snap snapshot, venue string, deltaQty decimal.Decimal) {
	if deltaQty.IsZero() || deltaQty.IsNegative() {
		return
	}
	port, ok := m.ports[venue]
	if !ok {
		return
	}
	leg := trade.LegLong
	bid, ask := snap.bidLong, snap.askLong
	if venue == trade.ShortVenue {
		leg = trade.LegShort
		bid, ask = snap.bidShort, snap.askShort
	}
	closeSide := leg.Side.Opposite()
	req := domain.OrderRequest{
		Symbol: trade.Symbol, Venue: venue, Side: closeSide, Qty: deltaQty,
		Type: domain.OrderTypeMarket, TIF: domain.TIFIOC, ReduceOnly: true, ClientOrderID: uuid.NewString(),
	}
	slip := decimal.NewFromFloat(m.cfg.MaxEntrySpread)
	if closeSide == domain.SideBuy {
		req.Price = ask.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		req.Price = bid.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	order, err := port.PlaceOrder(ctx, req)
	if err != nil {
		m.logger.Warn("rebalance order failed to place", "trade", trade.ID, "venue", venue, "error", err)
		return
	}
	final := m.pollLegClose(ctx, port, trade.Symbol, order.OrderID)
	trimmedQty, _, trimmedFee := m.deltaFromCumulativeFill(final.OrderID, final.FilledQty, final.Fee, final.AvgFillPrice)
	if trimmedQty.IsPositive() {
		leg.FilledQty = leg.FilledQty.Sub(trimmedQty)
		leg.Fees = leg.Fees.Add(trimmedFee)
	}

	trade.AddEvent("REBALANCED", "delta trimmed on "+venue)
	_ = m.store.UpdateTrade(ctx, trade)
	m.bus.Publish(ctx, eventbus.Event{Kind: eventbus.EventRebalanceExecuted, Symbol: trade.Symbol, Venue: venue, Payload: trade, Timestamp: time.Now().UTC()})
}
