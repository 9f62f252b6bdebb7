package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal     = "fundingarb_pnl_realized_total"
	MetricPnLUnrealized        = "fundingarb_pnl_unrealized"
	MetricTradesOpen           = "fundingarb_trades_open"
	MetricOrdersPlacedTotal    = "fundingarb_orders_placed_total"
	MetricOrdersFilledTotal    = "fundingarb_orders_filled_total"
	MetricFundingCollected     = "fundingarb_funding_collected_total"
	MetricLatencyExchange      = "fundingarb_latency_exchange_ms"
	MetricLatencyHedge         = "fundingarb_latency_leg1_to_leg2_ms"
	MetricRiskTriggered        = "fundingarb_risk_triggered"
	MetricCircuitBreakerOpen   = "fundingarb_circuit_breaker_open"
	MetricDeltaNeutrality      = "fundingarb_delta_neutrality"
	MetricEntryAPY             = "fundingarb_entry_apy"
	MetricWriteQueueDepth      = "fundingarb_store_write_queue_depth"
	MetricLeg1ReplacementRaces = "fundingarb_leg1_replacement_races_total"
	MetricRollbacksTotal       = "fundingarb_rollbacks_total"
	MetricBrokenHedgeTotal     = "fundingarb_broken_hedge_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal     metric.Float64Counter
	PnLUnrealized        metric.Float64ObservableGauge
	TradesOpen           metric.Int64ObservableGauge
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	FundingCollected     metric.Float64Counter
	LatencyExchange      metric.Float64Histogram
	LatencyHedge         metric.Float64Histogram
	RiskTriggered        metric.Int64ObservableGauge
	CircuitBreakerOpen   metric.Int64ObservableGauge
	DeltaNeutrality      metric.Float64ObservableGauge
	EntryAPY             metric.Float64ObservableGauge
	WriteQueueDepth      metric.Int64ObservableGauge
	Leg1ReplacementRaces metric.Int64Counter
	RollbacksTotal       metric.Int64Counter
	BrokenHedgeTotal     metric.Int64Counter

	// State for observable gauges, keyed by symbol
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	tradesOpenMap    map[string]int64
	riskTriggeredMap map[string]int64
	cbOpenMap        map[string]int64
	deltaNeutralMap  map[string]float64
	entryAPYMap      map[string]float64
	writeQueueDepth  int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			tradesOpenMap:    make(map[string]int64),
			riskTriggeredMap: make(map[string]int64),
			cbOpenMap:        make(map[string]int64),
			deltaNeutralMap:  make(map[string]float64),
			entryAPYMap:      make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss across all trades"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.FundingCollected, err = meter.Float64Counter(MetricFundingCollected, metric.WithDescription("Cumulative realized funding collected"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyHedge, err = meter.Float64Histogram(MetricLatencyHedge, metric.WithDescription("Time from leg1 fill to leg2 submit/ack"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.Leg1ReplacementRaces, err = meter.Int64Counter(MetricLeg1ReplacementRaces, metric.WithDescription("Leg1 maker-replacement races detected post-placement"))
	if err != nil {
		return err
	}

	m.RollbacksTotal, err = meter.Int64Counter(MetricRollbacksTotal, metric.WithDescription("Rollback sequences executed"))
	if err != nil {
		return err
	}

	m.BrokenHedgeTotal, err = meter.Int64Counter(MetricBrokenHedgeTotal, metric.WithDescription("BrokenHedgeDetected events published"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL per open trade"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TradesOpen, err = meter.Int64ObservableGauge(MetricTradesOpen, metric.WithDescription("1 if a trade is open for this symbol, else 0"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.tradesOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskTriggered, err = meter.Int64ObservableGauge(MetricRiskTriggered, metric.WithDescription("Risk/drawdown guard triggered state (1=triggered, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.riskTriggeredMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DeltaNeutrality, err = meter.Float64ObservableGauge(MetricDeltaNeutrality, metric.WithDescription("1=perfectly hedged, 0=fully unhedged"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.deltaNeutralMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EntryAPY, err = meter.Float64ObservableGauge(MetricEntryAPY, metric.WithDescription("Entry APY recorded for the currently open trade"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.entryAPYMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.WriteQueueDepth, err = meter.Int64ObservableGauge(MetricWriteQueueDepth, metric.WithDescription("Current depth of the store write-behind queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.writeQueueDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetRiskTriggered(symbol string, triggered bool) {
	val := int64(0)
	if triggered {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskTriggeredMap[symbol] = val
}

func (m *MetricsHolder) SetCircuitBreakerOpen(symbol string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[symbol] = val
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetTradeOpen(symbol string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesOpenMap[symbol] = val
}

func (m *MetricsHolder) SetDeltaNeutrality(symbol string, neutrality float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltaNeutralMap[symbol] = neutrality
}

func (m *MetricsHolder) SetEntryAPY(symbol string, apy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryAPYMap[symbol] = apy
}

func (m *MetricsHolder) SetWriteQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeQueueDepth = depth
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.unrealizedPnLMap))
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}
