// Package position implements PositionManager (C7): a periodic evaluation
// loop over open trades that refreshes marks/funding/depth, computes PnL,
// and walks the exit-rule precedence table (spec §4.5) to decide whether and
// how to close.
//
// LOCK ORDERING: Manager.mu guards runtime (per-trade rolling history) only.
// Trade mutation itself goes through Store, which holds its own lock — never
// acquire Manager.mu while a Store call is in flight.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
	"fundingarb/internal/marketdata"
)

// Store is the subset of internal/store.Store PositionManager depends on.
type Store interface {
	ListOpenTrades() []*domain.Trade
	UpdateTrade(ctx context.Context, t *domain.Trade) error
	SumRealizedFunding(ctx context.Context, tradeID, venue string) (decimal.Decimal, error)
}

// OpportunityLookup reports the current best alternative APY for rule E13
// (opportunity-cost rotation), decoupling position from opportunity.
type OpportunityLookup interface {
	BestAlternativeAPY(ctx context.Context, excludeSymbol string) decimal.Decimal
}

const maxHistorySamples = 200

// runtime is per-trade rolling state that doesn't belong in the durable
// Trade row: APY samples for the Z-score rule and mid-price samples for ATR.
type runtime struct {
	apyHistory   []decimal.Decimal
	priceHistory []decimal.Decimal
	hwm          decimal.Decimal
	brokenHedge  bool
}

// Manager evaluates every open trade once per tick and closes, rebalances,
// or leaves it open per the exit-rule precedence table.
type Manager struct {
	store  Store
	md     *marketdata.Service
	ports  map[string]exchange.Port
	opp    OpportunityLookup
	cfg    config.TradingConfig
	bus    *eventbus.Bus
	logger core.ILogger

	mu      sync.Mutex
	runtime map[string]*runtime // tradeID -> runtime

	fillMu    sync.Mutex
	fillSeen  map[string]fillSeen        // close orderID -> last cumulative (qty, fee) observed
	legClosed map[string]decimal.Decimal // "tradeID:role" -> qty already closed across attempts
}

func New(store Store, md *marketdata.Service, ports map[string]exchange.Port, opp OpportunityLookup, cfg config.TradingConfig, bus *eventbus.Bus, logger core.ILogger) *Manager {
	m := &Manager{
		store:     store,
		md:        md,
		ports:     ports,
		opp:       opp,
		cfg:       cfg,
		bus:       bus,
		logger:    logger.WithField("component", "position"),
		runtime:   make(map[string]*runtime),
		fillSeen:  make(map[string]fillSeen),
		legClosed: make(map[string]decimal.Decimal),
	}
	if bus != nil {
		bus.Subscribe(eventbus.EventBrokenHedgeDetected, m.onBrokenHedge)
	}
	return m
}

func (m *Manager) onBrokenHedge(ctx context.Context, ev eventbus.Event) {
	trade, ok := ev.Payload.(*domain.Trade)
	if !ok {
		return
	}
	m.mu.Lock()
	rt := m.runtimeFor(trade.ID)
	rt.brokenHedge = true
	m.mu.Unlock()
}

// Snapshot is a Control Surface read for `/positions` and `/pnl`: it reads
// the store's already-cached open-trade list rather than Manager's own
// runtime state, so it never blocks on Manager.mu or a trade mutation.
func (m *Manager) Snapshot() []*domain.Trade {
	return m.store.ListOpenTrades()
}

func (m *Manager) runtimeFor(tradeID string) *runtime {
	rt, ok := m.runtime[tradeID]
	if !ok {
		rt = &runtime{}
		m.runtime[tradeID] = rt
	}
	return rt
}

// EvaluateAll runs one tick of the evaluation loop over every open trade.
func (m *Manager) EvaluateAll(ctx context.Context) {
	for _, trade := range m.store.ListOpenTrades() {
		m.evaluateOne(ctx, trade)
	}
}

// snapshot is the per-tick refreshed market state used by every exit rule.
type snapshot struct {
	markLong, markShort       decimal.Decimal
	bidLong, askLong          decimal.Decimal
	bidShort, askShort        decimal.Decimal
	fundingLong, fundingShort domain.FundingRate
	netHourly                 decimal.Decimal
	apy                       decimal.Decimal
	spread                    decimal.Decimal
	pricePnl                  decimal.Decimal
	unrealizedPnl             decimal.Decimal
	estExitCost               decimal.Decimal
	age                       time.Duration
}

func (m *Manager) evaluateOne(ctx context.Context, trade *domain.Trade) {
	m.mu.Lock()
	rt := m.runtimeFor(trade.ID)
	broken := rt.brokenHedge
	m.mu.Unlock()
	if broken {
		return // Supervisor owns recovery once a broken hedge is flagged.
	}
	if trade.LegLong == nil || trade.LegShort == nil {
		return
	}

	snap, err := m.refresh(ctx, trade)
	if err != nil {
		m.logger.Warn("position refresh failed", "trade", trade.ID, "symbol", trade.Symbol, "error", err)
		return
	}

	m.mu.Lock()
	rt.apyHistory = appendBounded(rt.apyHistory, snap.apy)
	mid := snap.markLong.Add(snap.markShort).Div(decimal.NewFromInt(2))
	rt.priceHistory = appendBounded(rt.priceHistory, mid)
	if snap.unrealizedPnl.GreaterThan(rt.hwm) {
		rt.hwm = snap.unrealizedPnl
	}
	apyHistoryCopy := append([]decimal.Decimal(nil), rt.apyHistory...)
	priceHistoryCopy := append([]decimal.Decimal(nil), rt.priceHistory...)
	hwm := rt.hwm
	m.mu.Unlock()

	decision := m.evaluateRules(ctx, trade, snap, apyHistoryCopy, priceHistoryCopy, hwm)
	if !decision.shouldExit {
		trade.UnrealizedPnl = snap.unrealizedPnl
		trade.HighWaterMark = hwm
		_ = m.store.UpdateTrade(ctx, trade)
		return
	}

	trade.AddEvent("EXIT_RULE_FIRED", decision.rule+": "+decision.reason)
	m.logger.Info("exit rule fired", "trade", trade.ID, "symbol", trade.Symbol, "rule", decision.rule)

	switch decision.mode {
	case closeModeRebalance:
		m.rebalance(ctx, trade, snap, decision.deltaVenue, decision.deltaQty)
	case closeModeFast:
		m.closeFast(ctx, trade, snap)
	default:
		m.closeCoordinated(ctx, trade, snap)
	}
}

func appendBounded(hist []decimal.Decimal, v decimal.Decimal) []decimal.Decimal {
	hist = append(hist, v)
	if len(hist) > maxHistorySamples {
		hist = hist[len(hist)-maxHistorySamples:]
	}
	return hist
}

// refresh pulls fresh marks, funding rates, and effective bid/ask for both
// legs and computes the PnL figures every exit rule reads (spec §4.5 steps 2-4).
func (m *Manager) refresh(ctx context.Context, trade *domain.Trade) (snapshot, error) {
	var snap snapshot

	fundingLong, err := m.md.FreshFundingRate(ctx, trade.LongVenue, trade.Symbol)
	if err != nil {
		return snap, err
	}
	fundingShort, err := m.md.FreshFundingRate(ctx, trade.ShortVenue, trade.Symbol)
	if err != nil {
		return snap, err
	}
	snap.fundingLong, snap.fundingShort = fundingLong, fundingShort
	snap.netHourly = fundingLong.HourlyRate.Sub(fundingShort.HourlyRate)

	bidLong, _, askLong, _, err := m.md.EffectiveBidAsk(ctx, trade.LongVenue, trade.Symbol, decimal.Zero)
	if err != nil {
		return snap, err
	}
	bidShort, _, askShort, _, err := m.md.EffectiveBidAsk(ctx, trade.ShortVenue, trade.Symbol, decimal.Zero)
	if err != nil {
		return snap, err
	}
	snap.bidLong, snap.askLong = bidLong, askLong
	snap.bidShort, snap.askShort = bidShort, askShort
	snap.markLong = bidLong.Add(askLong).Div(decimal.NewFromInt(2))
	snap.markShort = bidShort.Add(askShort).Div(decimal.NewFromInt(2))

	midPrice := snap.markLong.Add(snap.markShort).Div(decimal.NewFromInt(2))
	if midPrice.IsPositive() {
		snap.spread = snap.markLong.Sub(snap.markShort).Div(midPrice)
	}
	snap.apy = snap.netHourly.Abs().Mul(decimal.NewFromInt(24 * 365))

	// price_pnl = Σ_legs sideSign·(mark-entry)·filledQty
	longSign := decimal.NewFromInt(1)
	if trade.LegLong.Side == domain.SideSell {
		longSign = decimal.NewFromInt(-1)
	}
	shortSign := decimal.NewFromInt(1)
	if trade.LegShort.Side == domain.SideSell {
		shortSign = decimal.NewFromInt(-1)
	}
	pnlLong := longSign.Mul(snap.markLong.Sub(trade.LegLong.EntryPrice)).Mul(trade.LegLong.FilledQty)
	pnlShort := shortSign.Mul(snap.markShort.Sub(trade.LegShort.EntryPrice)).Mul(trade.LegShort.FilledQty)
	snap.pricePnl = pnlLong.Add(pnlShort)

	realizedFees := trade.LegLong.Fees.Add(trade.LegShort.Fees)
	snap.unrealizedPnl = snap.pricePnl.Sub(realizedFees).Add(trade.FundingCollected)

	notional := trade.LegLong.FilledQty.Mul(snap.markLong).Add(trade.LegShort.FilledQty.Mul(snap.markShort))
	estTakerFees := notional.Mul(decimal.NewFromFloat(0.0005)).Mul(decimal.NewFromInt(2))
	estSlippage := snap.spread.Abs().Mul(notional)
	snap.estExitCost = estTakerFees.Add(estSlippage)

	snap.age = time.Since(trade.OpenedAt)
	return snap, nil
}
