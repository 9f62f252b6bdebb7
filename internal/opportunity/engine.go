// Package opportunity implements OpportunityEngine (C5): for every symbol
// configured on both venues, it computes the net funding edge, annualizes
// it, estimates expected value over a holding horizon, and emits a ranked,
// filtered list of candidate trades for ExecutionEngine to act on.
package opportunity

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/marketdata"
)

var (
	hoursPerYear = decimal.NewFromInt(24 * 365)
)

// OpenTradeChecker reports whether a symbol already has an open trade,
// satisfying the "not already open" filter without opportunity importing
// the store package directly.
type OpenTradeChecker interface {
	GetOpenTradeForSymbol(symbol string) *domain.Trade
}

// DepthGate evaluates whether a candidate size clears the configured
// depth-gate mode (L1 utilization cap or max price-impact percent).
type DepthGate interface {
	Check(ctx context.Context, longVenue, shortVenue, symbol string, qty decimal.Decimal) (ok bool, suggestedQty decimal.Decimal, err error)
}

// Engine scans common symbols and ranks funding-rate arbitrage candidates.
type Engine struct {
	md      *marketdata.Service
	store   OpenTradeChecker
	gate    DepthGate
	cfg     config.TradingConfig
	venues  [2]string
	symbols []string
	logger  core.ILogger

	// horizonHours is the EV projection window; spec doesn't name a config
	// key for it distinct from breakeven math, so it defaults to the
	// funding interval granularity times a conservative lookahead.
	horizonHours decimal.Decimal
}

func New(md *marketdata.Service, store OpenTradeChecker, gate DepthGate, cfg config.TradingConfig, venueA, venueB string, symbols []string, logger core.ILogger) *Engine {
	return &Engine{
		md:           md,
		store:        store,
		gate:         gate,
		cfg:          cfg,
		venues:       [2]string{venueA, venueB},
		symbols:      symbols,
		logger:       logger.WithField("component", "opportunity"),
		horizonHours: decimal.NewFromInt(24),
	}
}

// Scan evaluates every configured symbol and returns ranked opportunities,
// highest expected value first (spec §4.4).
func (e *Engine) Scan(ctx context.Context) []domain.Opportunity {
	blacklist := make(map[string]struct{}, len(e.cfg.BlacklistSymbols))
	for _, s := range e.cfg.BlacklistSymbols {
		blacklist[s] = struct{}{}
	}

	var out []domain.Opportunity
	for _, symbol := range e.symbols {
		if _, blocked := blacklist[symbol]; blocked {
			continue
		}
		if e.store.GetOpenTradeForSymbol(symbol) != nil {
			continue
		}

		opp, ok, err := e.evaluate(ctx, symbol)
		if err != nil {
			e.logger.Warn("opportunity evaluation failed", "symbol", symbol, "error", err)
			continue
		}
		if !ok {
			continue
		}
		out = append(out, opp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpectedValueUSD.GreaterThan(out[j].ExpectedValueUSD)
	})
	return out
}

// BestAlternativeAPY reports the highest-ranked candidate's APY among every
// symbol except excludeSymbol, satisfying internal/position.OpportunityLookup
// for rule E13 (opportunity-cost rotation): an open trade gets compared
// against what else is currently available rather than a static threshold.
func (e *Engine) BestAlternativeAPY(ctx context.Context, excludeSymbol string) decimal.Decimal {
	for _, opp := range e.Scan(ctx) {
		if opp.Symbol == excludeSymbol {
			continue
		}
		return opp.APY
	}
	return decimal.Zero
}

func (e *Engine) evaluate(ctx context.Context, symbol string) (domain.Opportunity, bool, error) {
	rateA, okA := e.md.FundingRate(e.venues[0], symbol)
	rateB, okB := e.md.FundingRate(e.venues[1], symbol)
	if !okA || !okB || e.md.IsStale(e.venues[0], symbol) || e.md.IsStale(e.venues[1], symbol) {
		return domain.Opportunity{}, false, nil
	}

	netHourly := rateA.HourlyRate.Sub(rateB.HourlyRate)
	if netHourly.IsZero() {
		return domain.Opportunity{}, false, nil
	}

	longVenue, shortVenue := e.venues[1], e.venues[0]
	if netHourly.IsNegative() {
		// venueA's rate is lower: longing it (paying the lower rate) while
		// shorting the higher-rate venue (collecting more) captures the spread.
		longVenue, shortVenue = e.venues[0], e.venues[1]
	}

	absHourly := netHourly.Abs()
	apy := absHourly.Mul(hoursPerYear)
	minApy := decimal.NewFromFloat(e.cfg.MinApyFilter)
	if apy.LessThan(minApy) {
		return domain.Opportunity{}, false, nil
	}

	bidLong, _, askLong, _, err := e.md.EffectiveBidAsk(ctx, longVenue, symbol, decimal.Zero)
	if err != nil {
		return domain.Opportunity{}, false, err
	}
	bidShort, _, askShort, _, err := e.md.EffectiveBidAsk(ctx, shortVenue, symbol, decimal.Zero)
	if err != nil {
		return domain.Opportunity{}, false, err
	}

	midLong := bidLong.Add(askLong).Div(decimal.NewFromInt(2))
	midShort := bidShort.Add(askShort).Div(decimal.NewFromInt(2))
	midPrice := midLong.Add(midShort).Div(decimal.NewFromInt(2))
	if midPrice.IsZero() {
		return domain.Opportunity{}, false, nil
	}

	spread := midLong.Sub(midShort).Div(midPrice)
	maxSpread := decimal.NewFromFloat(e.cfg.MaxEntrySpread)
	if spread.Abs().GreaterThan(maxSpread) {
		return domain.Opportunity{}, false, nil
	}

	longInfo, ok := e.md.MarketInfo(longVenue, symbol)
	if !ok {
		return domain.Opportunity{}, false, nil
	}
	suggestedQty := longInfo.MinOrderSize
	if e.gate != nil {
		gateOK, gatedQty, err := e.gate.Check(ctx, longVenue, shortVenue, symbol, suggestedQty)
		if err != nil {
			return domain.Opportunity{}, false, err
		}
		if !gateOK {
			return domain.Opportunity{}, false, nil
		}
		suggestedQty = gatedQty
	}
	suggestedNotional := suggestedQty.Mul(midPrice)

	estFees := suggestedNotional.Mul(decimal.NewFromFloat(0.0002)).Mul(decimal.NewFromInt(4)) // both legs, entry+exit, taker-ish estimate
	estExitCost := spread.Abs().Mul(suggestedNotional)
	ev := absHourly.Mul(suggestedNotional).Mul(e.horizonHours).Sub(estExitCost).Sub(estFees)
	if !ev.IsPositive() {
		return domain.Opportunity{}, false, nil
	}

	breakevenHours := decimal.Zero
	perHourEdge := absHourly.Mul(suggestedNotional)
	if perHourEdge.IsPositive() {
		breakevenHours = estExitCost.Add(estFees).Div(perHourEdge)
	}

	return domain.Opportunity{
		Symbol:            symbol,
		LongVenue:         longVenue,
		ShortVenue:        shortVenue,
		APY:               apy,
		Spread:            spread,
		SuggestedQty:      suggestedQty,
		SuggestedNotional: suggestedNotional,
		MidPrice:          midPrice,
		BreakevenHours:    breakevenHours,
		ExpectedValueUSD:  ev,
	}, true, nil
}
