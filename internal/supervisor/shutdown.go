package supervisor

import (
	"context"
	"time"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
)

// Store is the subset of internal/store.Store the shutdown orchestrator
// depends on.
type Store interface {
	ListOpenTrades() []*domain.Trade
	Shutdown(ctx context.Context) error
}

// ShutdownResult reports what the ordered shutdown actually did, for the
// final log line and exit-code decision (spec §6 "Exit codes").
type ShutdownResult struct {
	OrdersCancelled int
	PositionsClosed int
	Errors          []string
	Clean           bool
}

// ShutdownOrchestrator runs the ordered shutdown sequence (spec §4.7): drain
// in-flight event handlers, cancel each open trade leg's order, optionally
// close positions reduce-only and verify both venues flat, then shut the
// store down and close the adapters.
type ShutdownOrchestrator struct {
	ports  map[string]exchange.Port
	store  Store
	bus    *eventbus.Bus
	logger core.ILogger
}

func NewShutdownOrchestrator(ports map[string]exchange.Port, store Store, bus *eventbus.Bus, logger core.ILogger) *ShutdownOrchestrator {
	return &ShutdownOrchestrator{ports: ports, store: store, bus: bus, logger: logger.WithField("component", "shutdown")}
}

// Run executes the sequence and returns once it completes or ctx's timeout
// elapses, whichever is first.
func (o *ShutdownOrchestrator) Run(ctx context.Context, closePositions bool) ShutdownResult {
	result := ShutdownResult{Clean: true}
	o.logger.Info("shutdown starting", "close_positions", closePositions)

	o.bus.Drain(ctx)

	trades := o.store.ListOpenTrades()
	result.OrdersCancelled = o.cancelOpenOrders(ctx, trades)

	if closePositions {
		result.PositionsClosed = o.closeAllPositions(ctx, trades)
		if !o.verifyFlat(ctx, trades) {
			result.Clean = false
			result.Errors = append(result.Errors, "positions not flat after close attempt")
		}
	}

	if err := o.store.Shutdown(ctx); err != nil {
		result.Clean = false
		result.Errors = append(result.Errors, err.Error())
		o.logger.Error("store shutdown failed", "error", err)
	}
	for venue, port := range o.ports {
		if err := port.Close(); err != nil {
			result.Clean = false
			result.Errors = append(result.Errors, err.Error())
			o.logger.Error("adapter close failed", "venue", venue, "error", err)
		}
	}

	o.logger.Info("shutdown complete", "orders_cancelled", result.OrdersCancelled, "positions_closed", result.PositionsClosed, "clean", result.Clean)
	return result
}

func (o *ShutdownOrchestrator) cancelOpenOrders(ctx context.Context, trades []*domain.Trade) int {
	cancelled := 0
	for _, trade := range trades {
		for _, leg := range []*domain.TradeLeg{trade.LegLong, trade.LegShort} {
			if leg == nil || leg.OrderID == "" {
				continue
			}
			port, ok := o.ports[leg.Venue]
			if !ok {
				continue
			}
			if err := port.CancelOrder(ctx, trade.Symbol, leg.OrderID); err != nil {
				o.logger.Warn("cancel on shutdown failed", "trade", trade.ID, "venue", leg.Venue, "error", err)
				continue
			}
			cancelled++
		}
	}
	return cancelled
}

func (o *ShutdownOrchestrator) closeAllPositions(ctx context.Context, trades []*domain.Trade) int {
	closed := 0
	for _, trade := range trades {
		for _, venue := range []string{trade.LongVenue, trade.ShortVenue} {
			port, ok := o.ports[venue]
			if !ok {
				continue
			}
			pos, err := port.GetPosition(ctx, trade.Symbol)
			if err != nil || pos.Qty.IsZero() {
				continue
			}
			side := domain.SideSell
			if pos.Side == domain.SideSell {
				side = domain.SideBuy
			}
			_, err = port.PlaceOrder(ctx, domain.OrderRequest{
				Symbol: trade.Symbol, Venue: venue, Side: side, Qty: pos.Qty.Abs(),
				Type: domain.OrderTypeMarket, TIF: domain.TIFIOC, ReduceOnly: true,
			})
			if err != nil {
				o.logger.Error("emergency close failed", "trade", trade.ID, "venue", venue, "error", err)
				continue
			}
			closed++
		}
	}
	return closed
}

func (o *ShutdownOrchestrator) verifyFlat(ctx context.Context, trades []*domain.Trade) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		allFlat := true
		for _, trade := range trades {
			for _, venue := range []string{trade.LongVenue, trade.ShortVenue} {
				port, ok := o.ports[venue]
				if !ok {
					continue
				}
				pos, err := port.GetPosition(ctx, trade.Symbol)
				if err != nil || !pos.Qty.IsZero() {
					allFlat = false
				}
			}
		}
		if allFlat {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return allFlatNow(ctx, o.ports, trades)
}

func allFlatNow(ctx context.Context, ports map[string]exchange.Port, trades []*domain.Trade) bool {
	for _, trade := range trades {
		for _, venue := range []string{trade.LongVenue, trade.ShortVenue} {
			port, ok := ports[venue]
			if !ok {
				continue
			}
			pos, err := port.GetPosition(ctx, trade.Symbol)
			if err != nil || !pos.Qty.IsZero() {
				return false
			}
		}
	}
	return true
}
