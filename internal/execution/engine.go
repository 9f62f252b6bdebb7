// Package execution implements ExecutionEngine (C6): it takes a ranked
// Opportunity, runs preflight checks, persists the Trade row synchronously,
// opens the maker leg with a bounded, escalating-aggressiveness attempt
// loop, hedges immediately as a taker IOC, verifies both legs are live, and
// rolls back cleanly on any failure along the way (spec §4.3).
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
	"fundingarb/internal/marketdata"
	apperrors "fundingarb/pkg/errors"
)

// TradeStore is the subset of internal/store.Store ExecutionEngine depends
// on, kept narrow so this package can be tested without a real database.
type TradeStore interface {
	CreateTrade(ctx context.Context, t *domain.Trade) error
	UpdateTrade(ctx context.Context, t *domain.Trade) error
	UpsertAttempt(a domain.ExecutionAttempt)
	AppendEvent(tradeID string, ev domain.TradeEvent)
}

// Engine runs the two-leg entry state machine.
type Engine struct {
	ports  map[string]exchange.Port
	md     *marketdata.Service
	store  TradeStore
	bus    *eventbus.Bus
	cfg    config.ExecutionConfig
	trade  config.TradingConfig
	logger core.ILogger

	sf singleflight.Group
}

func New(ports map[string]exchange.Port, md *marketdata.Service, store TradeStore, bus *eventbus.Bus, cfg config.ExecutionConfig, trade config.TradingConfig, logger core.ILogger) *Engine {
	return &Engine{
		ports:  ports,
		md:     md,
		store:  store,
		bus:    bus,
		cfg:    cfg,
		trade:  trade,
		logger: logger.WithField("component", "execution"),
	}
}

// stageErr carries a failing preflight stage name alongside the error so the
// caller can persist a rejected ExecutionAttempt with `stage` populated.
type stageErr struct {
	stage string
	err   error
}

func (e stageErr) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e stageErr) Unwrap() error { return e.err }

// Open runs the full entry sequence for one Opportunity, collapsing
// concurrent calls for the same symbol into one in-flight attempt
// (singleflight, per spec's concurrency notes on preflight re-checks).
func (e *Engine) Open(ctx context.Context, opp domain.Opportunity) (*domain.Trade, error) {
	result, err, _ := e.sf.Do(opp.Symbol, func() (interface{}, error) {
		return e.open(ctx, opp)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.Trade), nil
}

func (e *Engine) open(ctx context.Context, opp domain.Opportunity) (*domain.Trade, error) {
	qty, stage, err := e.Preflight(ctx, opp)
	if err != nil {
		e.RecordRejectedAttempt(opp, stage, err)
		return nil, stageErr{stage: stage, err: err}
	}

	trade, err := e.OpenTrade(ctx, uuid.NewString(), opp, qty)
	if err != nil {
		return nil, err
	}

	// runLeg1 always buys on the long venue; the short venue is always the
	// leg-2 hedge.
	leg1, err := e.RunLeg1(ctx, trade, opp, qty)
	if err != nil {
		// A HedgeEvaporated cancel can still leave a partial leg-1 fill
		// behind (spec §4.3: "if any leg-1 fill occurred, rollback, else
		// abort") — pass it through so Rollback closes out real exposure
		// instead of assuming leg-1 never landed.
		var rollbackLeg *domain.Order
		if leg1.FilledQty.IsPositive() {
			rollbackLeg = &leg1
		}
		e.Rollback(ctx, trade, rollbackLeg)
		return trade, err
	}
	trade.LegLong = legFor(opp.LongVenue, leg1, domain.LegRoleMaker)
	trade.ExecState = domain.ExecLegTwoInProgress
	_ = e.store.UpdateTrade(ctx, trade)

	leg2, err := e.RunLeg2(ctx, trade, opp.ShortVenue, leg1.Side.Opposite(), leg1.FilledQty)
	if err != nil {
		e.Rollback(ctx, trade, &leg1)
		return trade, err
	}

	return e.FinalizeTrade(ctx, trade, leg1, leg2, opp)
}

// OpenTrade persists the initial Trade row before any order is placed — a
// ghost position (an order with no matching DB row) must never happen
// (spec §4.3 "Trade persistence boundary"). tradeID is taken from the
// caller rather than generated here so a durable workflow replay (which
// must call this deterministically) reuses the same ID instead of minting
// a new one each time.
func (e *Engine) OpenTrade(ctx context.Context, tradeID string, opp domain.Opportunity, qty decimal.Decimal) (*domain.Trade, error) {
	trade := &domain.Trade{
		ID:             tradeID,
		Symbol:         opp.Symbol,
		LongVenue:      opp.LongVenue,
		ShortVenue:     opp.ShortVenue,
		TargetQty:      qty,
		TargetNotional: qty.Mul(opp.MidPrice),
		EntryAPY:       opp.APY,
		EntrySpread:    opp.Spread,
		Status:         domain.TradeStatusOpening,
		ExecState:      domain.ExecLegOneInProgress,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("execution: persist trade: %w", err)
	}
	trade.AddEvent("OPENING", "preflight passed, leg-1 starting")
	return trade, nil
}

// FinalizeTrade records both legs on the trade, verifies they're actually
// live on both venues, and transitions the trade to Open — or, if the
// verification fails, flags a broken hedge instead of declaring success on
// a one-sided position.
func (e *Engine) FinalizeTrade(ctx context.Context, trade *domain.Trade, leg1, leg2 domain.Order, opp domain.Opportunity) (*domain.Trade, error) {
	trade.LegLong = legFor(opp.LongVenue, leg1, domain.LegRoleMaker)
	trade.LegShort = legFor(opp.ShortVenue, leg2, domain.LegRoleHedge)

	if !e.VerifyBothLegsLive(ctx, trade) {
		e.bus.Publish(ctx, eventbus.Event{Kind: eventbus.EventBrokenHedgeDetected, Symbol: trade.Symbol, Payload: trade, Timestamp: time.Now().UTC()})
		trade.Status = domain.TradeStatusClosing
		trade.CloseReason = "post_entry_broken_hedge"
		_ = e.store.UpdateTrade(ctx, trade)
		return trade, apperrors.ErrLeg1HedgeEvaporated
	}

	trade.Status = domain.TradeStatusOpen
	trade.ExecState = domain.ExecOpened
	trade.OpenedAt = time.Now().UTC()
	trade.AddEvent("OPENED", "both legs live")
	_ = e.store.UpdateTrade(ctx, trade)
	e.bus.Publish(ctx, eventbus.Event{Kind: eventbus.EventTradeOpened, Symbol: trade.Symbol, Payload: trade, Timestamp: time.Now().UTC()})

	return trade, nil
}

func legFor(venue string, o domain.Order, role domain.TradeLegRole) *domain.TradeLeg {
	return &domain.TradeLeg{
		Role: role, Venue: venue, Side: o.Side, OrderID: o.OrderID,
		Qty: o.Qty, FilledQty: o.FilledQty, EntryPrice: o.AvgFillPrice, Fees: o.Fee,
	}
}

func (e *Engine) RecordRejectedAttempt(opp domain.Opportunity, stage string, err error) {
	now := time.Now().UTC()
	e.store.UpsertAttempt(domain.ExecutionAttempt{
		AttemptID:     uuid.NewString(),
		Symbol:        opp.Symbol,
		Mode:          domain.AttemptLive,
		Status:        domain.AttemptRejected,
		Stage:         stage,
		Reason:        err.Error(),
		EntrySpread:   opp.Spread,
		ExpectedValue: opp.ExpectedValueUSD,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// decMax returns the greater of a and b (b when they are equal).
func decMax(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func decMin(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func roundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
