package alert

import (
	"context"
	"fmt"

	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
)

// Subscribe wires every event the bus carries that a human should hear about
// into am, translating each eventbus.EventKind into an AlertLevel and a
// short message. Routine events (trade opened/closed, rebalance) go out at
// Info; anything that gates new trading (risk pause, broken hedge,
// reconcile drift, a rolled-back leg) goes out at Warning or Critical.
func Subscribe(bus *eventbus.Bus, am *AlertManager) {
	bus.Subscribe(eventbus.EventTradeOpened, am.onTradeEvent(Info, "trade opened"))
	bus.Subscribe(eventbus.EventTradeClosed, am.onTradeEvent(Info, "trade closed"))
	bus.Subscribe(eventbus.EventRebalanceExecuted, am.onTradeEvent(Info, "rebalance executed"))
	bus.Subscribe(eventbus.EventTradeRolledBack, am.onTradeEvent(Warning, "leg 2 failed, leg 1 rolled back"))
	bus.Subscribe(eventbus.EventRiskPauseTriggered, am.onEvent(Warning, "trading paused"))
	bus.Subscribe(eventbus.EventBrokenHedgeDetected, am.onTradeEvent(Critical, "broken hedge detected"))
	bus.Subscribe(eventbus.EventReconcileDrift, am.onEvent(Critical, "position reconciliation drift"))
}

// onEvent returns an eventbus.Handler that forwards ev as an alert at the
// given level, with the event's symbol/venue as fields. Used for events
// whose payload isn't a *domain.Trade (risk pause, reconcile drift).
func (am *AlertManager) onEvent(level AlertLevel, title string) eventbus.Handler {
	return func(ctx context.Context, ev eventbus.Event) {
		fields := map[string]string{
			"symbol": ev.Symbol,
			"venue":  ev.Venue,
		}
		if ev.Payload != nil {
			fields["detail"] = fmt.Sprintf("%+v", ev.Payload)
		}
		am.Alert(ctx, title, string(ev.Kind), level, fields)
	}
}

// onTradeEvent returns an eventbus.Handler for the trade-lifecycle events
// (open/close/rebalance/rollback/broken hedge), all of which publish
// *domain.Trade as their payload. It surfaces the fields an operator
// actually needs to act on a trade — venues, entry APY, realized/unrealized
// PnL, close reason — rather than a raw struct dump.
func (am *AlertManager) onTradeEvent(level AlertLevel, title string) eventbus.Handler {
	return func(ctx context.Context, ev eventbus.Event) {
		fields := map[string]string{
			"symbol": ev.Symbol,
		}
		trade, ok := ev.Payload.(*domain.Trade)
		if !ok || trade == nil {
			am.Alert(ctx, title, string(ev.Kind), level, fields)
			return
		}

		fields["long_venue"] = trade.LongVenue
		fields["short_venue"] = trade.ShortVenue
		fields["entry_apy"] = trade.EntryAPY.StringFixed(4)
		fields["target_qty"] = trade.TargetQty.String()
		fields["status"] = string(trade.Status)
		if trade.Status == domain.TradeStatusClosed || trade.Status == domain.TradeStatusClosing {
			fields["realized_pnl"] = trade.RealizedPnl.StringFixed(2)
			fields["close_reason"] = trade.CloseReason
		} else {
			fields["unrealized_pnl"] = trade.UnrealizedPnl.StringFixed(2)
		}

		message := fmt.Sprintf("%s %s/%s trade %s", trade.Symbol, trade.LongVenue, trade.ShortVenue, trade.ID)
		am.Alert(ctx, title, message, level, fields)
	}
}
