package position

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"fundingarb/internal/domain"
)

type closeMode int

const (
	closeModeCoordinated closeMode = iota
	closeModeFast
	closeModeRebalance
)

type ruleDecision struct {
	shouldExit bool
	rule       string
	reason     string
	mode       closeMode
	deltaVenue string
	deltaQty   decimal.Decimal
}

// evaluateRules walks the exit-rule precedence table of spec §4.5 in strict
// order; the first rule to fire wins. Rules above the min-hold gate bypass
// it; everything from E5 on is blocked while the trade is younger than
// MinHoldSeconds.
func (m *Manager) evaluateRules(ctx context.Context, trade *domain.Trade, snap snapshot, apyHistory, priceHistory []decimal.Decimal, hwm decimal.Decimal) ruleDecision {
	cfg := m.cfg
	ageSeconds := snap.age.Seconds()

	// E1: catastrophic funding flip.
	if cfg.EmergencyFundingThreshold > 0 && snap.netHourly.LessThan(decimal.NewFromFloat(-cfg.EmergencyFundingThreshold)) {
		return ruleDecision{true, "E1_funding_flip", "net hourly below emergency threshold", closeModeFast, "", decimal.Zero}
	}

	// E2: liquidation distance (only fires when both legs report a liquidation price).
	if cfg.LiquidationDistancePctThreshold > 0 {
		if d, ok := minLiquidationDistance(trade, snap); ok && d < cfg.LiquidationDistancePctThreshold {
			return ruleDecision{true, "E2_liquidation_distance", "liquidation distance below threshold", closeModeFast, "", decimal.Zero}
		}
	}

	// E3: early take-profit.
	if cfg.EarlyTakeProfitNetUSD > 0 {
		floor := decimal.NewFromFloat(cfg.EarlyTakeProfitNetUSD)
		bySlippage := snap.estExitCost.Mul(decimal.NewFromFloat(cfg.EarlyTakeProfitSlippageMultiple))
		threshold := floor.Add(decMax(bySlippage, decimal.Zero))
		if snap.pricePnl.GreaterThanOrEqual(threshold) {
			return ruleDecision{true, "E3_early_take_profit", "price pnl cleared early-TP threshold", closeModeFast, "", decimal.Zero}
		}
	}

	// E4: early edge exit.
	if cfg.EarlyEdgeExitMinAgeSeconds > 0 && int(ageSeconds) >= cfg.EarlyEdgeExitMinAgeSeconds {
		flipped := signOf(snap.netHourly) != signOf(trade.EntryAPY)
		horizonHours := decimal.NewFromInt(24)
		projectedLoss := snap.netHourly.Abs().Mul(trade.TargetNotional).Mul(horizonHours)
		if flipped && projectedLoss.GreaterThan(snap.estExitCost) {
			return ruleDecision{true, "E4_early_edge_exit", "funding edge flipped and projected loss exceeds exit cost", closeModeCoordinated, "", decimal.Zero}
		}
	}

	// Min-hold gate: nothing below this line may fire before minHoldSeconds.
	if int(ageSeconds) < cfg.MinHoldSeconds {
		return ruleDecision{}
	}

	// E5: max hold.
	if cfg.MaxHoldHours > 0 && snap.age.Hours() > cfg.MaxHoldHours {
		return ruleDecision{true, "E5_max_hold", "trade exceeded max hold duration", closeModeCoordinated, "", decimal.Zero}
	}

	// E6: Z-score crash.
	if len(apyHistory) >= cfg.ZScoreMinSamples {
		mean, std := meanStd(apyHistory)
		if std > 0 {
			z := (toFloat(snap.apy) - mean) / std
			if z <= -3 {
				return ruleDecision{true, "E6_zscore_crash", "APY z-score below emergency threshold", closeModeFast, "", decimal.Zero}
			}
			if z <= -2 {
				return ruleDecision{true, "E6_zscore_crash", "APY z-score below crash threshold", closeModeCoordinated, "", decimal.Zero}
			}
		}
	}

	// E7: yield-vs-cost (unholdable).
	if !snap.estExitCost.IsZero() {
		perHour := snap.netHourly.Abs().Mul(trade.TargetNotional)
		if perHour.IsPositive() {
			hoursToCover := snap.estExitCost.Div(perHour)
			if hoursToCover.GreaterThan(decimal.NewFromInt(24)) || !snap.apy.IsPositive() {
				return ruleDecision{true, "E7_yield_vs_cost", "hours to cover exit cost exceeds 24h or apy non-positive", closeModeCoordinated, "", decimal.Zero}
			}
		} else if !snap.apy.IsPositive() {
			return ruleDecision{true, "E7_yield_vs_cost", "apy non-positive", closeModeCoordinated, "", decimal.Zero}
		}
	}

	// E8: basis convergence.
	absThreshold := decimal.NewFromFloat(cfg.BasisConvergenceAbsThreshold)
	ratioThreshold := trade.EntrySpread.Abs().Mul(decimal.NewFromFloat(cfg.BasisConvergenceMinRatio))
	minProfit := decimal.NewFromFloat(cfg.BasisConvergenceMinProfitUSD)
	if (snap.spread.Abs().LessThanOrEqual(absThreshold) || snap.spread.Abs().LessThanOrEqual(ratioThreshold)) && snap.unrealizedPnl.GreaterThanOrEqual(minProfit) {
		return ruleDecision{true, "E8_basis_convergence", "spread converged with sufficient profit", closeModeCoordinated, "", decimal.Zero}
	}

	// E9: funding velocity.
	if cfg.FundingVelocityExitEnabled && len(apyHistory) > cfg.VelocityLookbackHours {
		velocity, acceleration := velocityAndAcceleration(apyHistory, cfg.VelocityLookbackHours)
		if velocity <= cfg.VelocityThresholdHourly && acceleration <= cfg.AccelerationThreshold {
			return ruleDecision{true, "E9_funding_velocity", "funding velocity and acceleration below thresholds", closeModeCoordinated, "", decimal.Zero}
		}
	}

	// E10: ATR trailing stop.
	if cfg.ATRTrailingEnabled && snap.unrealizedPnl.GreaterThanOrEqual(decimal.NewFromFloat(cfg.ATRMinActivationUSD)) {
		atr := computeATR(priceHistory, cfg.ATRPeriod)
		stopDistance := atr.Mul(decimal.NewFromFloat(cfg.ATRMultiplier))
		if hwm.Sub(snap.unrealizedPnl).GreaterThan(stopDistance) {
			return ruleDecision{true, "E10_atr_trailing_stop", "pnl dropped below trailing stop distance from high-water-mark", closeModeCoordinated, "", decimal.Zero}
		}
	}

	edgeGood := false
	// E11: exit-EV.
	if cfg.ExitEVEnabled {
		horizon := decimal.NewFromFloat(cfg.ExitEVHorizonHours)
		projectedLoss := snap.netHourly.Abs().Mul(trade.TargetNotional).Mul(horizon)
		if projectedLoss.GreaterThan(snap.estExitCost.Mul(decimal.NewFromFloat(cfg.ExitEVExitCostMultiple))) {
			return ruleDecision{true, "E11_exit_ev", "projected loss over horizon exceeds exit cost multiple", closeModeCoordinated, "", decimal.Zero}
		}
		edgeGood = true
	}

	// E12: profit target (skipped if E11 flagged edge good).
	if !edgeGood && cfg.MinProfitExitUSD > 0 && snap.unrealizedPnl.GreaterThanOrEqual(decimal.NewFromFloat(cfg.MinProfitExitUSD)) {
		return ruleDecision{true, "E12_profit_target", "unrealized pnl cleared profit target", closeModeCoordinated, "", decimal.Zero}
	}

	// E13: opportunity-cost rotation (skipped if E11 flagged edge good).
	if !edgeGood && m.opp != nil && cfg.OpportunityCostApyDiff > 0 {
		best := m.opp.BestAlternativeAPY(ctx, trade.Symbol)
		if best.Sub(snap.apy).GreaterThanOrEqual(decimal.NewFromFloat(cfg.OpportunityCostApyDiff)) {
			return ruleDecision{true, "E13_opportunity_cost", "a materially better alternative is available", closeModeCoordinated, "", decimal.Zero}
		}
	}

	// E14: delta bound — may rebalance instead of closing outright.
	if cfg.DeltaBoundEnabled {
		longNotional := trade.LegLong.FilledQty.Mul(snap.markLong)
		shortNotional := trade.LegShort.FilledQty.Mul(snap.markShort)
		sumNotional := longNotional.Add(shortNotional)
		if sumNotional.IsPositive() {
			deltaPct := longNotional.Sub(shortNotional).Abs().Div(sumNotional)
			if deltaPct.GreaterThan(decimal.NewFromFloat(cfg.DeltaBoundMaxDeltaPct)) {
				venue := trade.LongVenue
				deltaQty := longNotional.Sub(shortNotional).Div(snap.markLong).Abs()
				if shortNotional.GreaterThan(longNotional) {
					venue = trade.ShortVenue
					deltaQty = shortNotional.Sub(longNotional).Div(snap.markShort).Abs()
				}
				return ruleDecision{true, "E14_delta_bound", "delta exceeds max bound", closeModeRebalance, venue, deltaQty}
			}
		}
	}

	return ruleDecision{}
}

func minLiquidationDistance(trade *domain.Trade, snap snapshot) (float64, bool) {
	// Liquidation price isn't carried on TradeLeg; this hook exists for a
	// position-fetching path that isn't wired in this simplified evaluator,
	// so the rule never fires here (documented as a known gap, not silently
	// approximated).
	return 0, false
}

func signOf(d decimal.Decimal) int {
	if d.IsNegative() {
		return -1
	}
	if d.IsPositive() {
		return 1
	}
	return 0
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func meanStd(samples []decimal.Decimal) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += toFloat(s)
	}
	mean := sum / float64(len(samples))
	var variance float64
	for _, s := range samples {
		d := toFloat(s) - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}

// velocityAndAcceleration estimates d(apy)/dt and d2(apy)/dt2 over the
// trailing lookbackHours samples using simple first differences.
func velocityAndAcceleration(samples []decimal.Decimal, lookbackHours int) (float64, float64) {
	if len(samples) <= lookbackHours {
		return 0, 0
	}
	window := samples[len(samples)-lookbackHours-1:]
	velocities := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		velocities = append(velocities, toFloat(window[i])-toFloat(window[i-1]))
	}
	velocity := velocities[len(velocities)-1]
	acceleration := 0.0
	if len(velocities) >= 2 {
		acceleration = velocities[len(velocities)-1] - velocities[len(velocities)-2]
	}
	return velocity, acceleration
}

// computeATR approximates average true range as the mean absolute
// period-over-period price change over the trailing `period` samples.
func computeATR(prices []decimal.Decimal, period int) decimal.Decimal {
	if len(prices) < 2 {
		return decimal.Zero
	}
	if period < 1 {
		period = 1
	}
	start := len(prices) - period - 1
	if start < 0 {
		start = 0
	}
	window := prices[start:]
	sum := decimal.Zero
	count := 0
	for i := 1; i < len(window); i++ {
		sum = sum.Add(window[i].Sub(window[i-1]).Abs())
		count++
	}
	if count == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(count)))
}

func decMax(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
