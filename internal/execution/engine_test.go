package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/config"
	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
	"fundingarb/internal/exchange/exchangetest"
	"fundingarb/internal/marketdata"
	apperrors "fundingarb/pkg/errors"
	"fundingarb/pkg/logging"
)

type fakeStore struct {
	mu       sync.Mutex
	created  []*domain.Trade
	updated  []*domain.Trade
	attempts []domain.ExecutionAttempt
}

func (f *fakeStore) CreateTrade(ctx context.Context, t *domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, t)
	return nil
}

func (f *fakeStore) UpdateTrade(ctx context.Context, t *domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, t)
	return nil
}

func (f *fakeStore) UpsertAttempt(a domain.ExecutionAttempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
}

func (f *fakeStore) AppendEvent(tradeID string, ev domain.TradeEvent) {}

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return l
}

func setupEngine(t *testing.T) (*Engine, *exchangetest.Fake, *exchangetest.Fake, *fakeStore) {
	t.Helper()
	logger := testLogger(t)

	lighter := exchangetest.New("lighter")
	x10 := exchangetest.New("x10")

	lighter.Markets["BTC-USD"] = domain.MarketInfo{Symbol: "BTC-USD", Venue: "lighter", MinOrderSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.01)}
	x10.Markets["BTC-USD"] = domain.MarketInfo{Symbol: "BTC-USD", Venue: "x10", MinOrderSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.01)}

	lighter.Depths["BTC-USD"] = domain.OrderbookDepthSnapshot{
		Bids: []domain.DepthLevel{{Price: decimal.NewFromInt(50000), Qty: decimal.NewFromInt(10)}},
		Asks: []domain.DepthLevel{{Price: decimal.NewFromInt(50010), Qty: decimal.NewFromInt(10)}},
	}
	x10.Depths["BTC-USD"] = domain.OrderbookDepthSnapshot{
		Bids: []domain.DepthLevel{{Price: decimal.NewFromInt(50000), Qty: decimal.NewFromInt(10)}},
		Asks: []domain.DepthLevel{{Price: decimal.NewFromInt(50010), Qty: decimal.NewFromInt(10)}},
	}

	md := marketdata.New(map[string]exchange.Port{"lighter": lighter, "x10": x10}, []string{"BTC-USD"}, time.Hour, logger)
	ctx := context.Background()
	_, err := md.FreshMarketInfo(ctx, "lighter", "BTC-USD")
	require.NoError(t, err)
	_, err = md.FreshMarketInfo(ctx, "x10", "BTC-USD")
	require.NoError(t, err)

	st := &fakeStore{}
	bus := eventbus.New(logger)

	execCfg := config.ExecutionConfig{
		Leg1MaxAttempts: 2, Leg1MinAggressivenessBps: 1, Leg1MaxAggressivenessBps: 5,
		Leg1EscalateAfterSeconds: 1, Leg1AttemptTimeoutSeconds: 1,
		Leg1EscalateToTakerSlippage: 0.01, X10CloseSlippage: 0.01,
		HedgeIOCFillTimeoutSeconds: 1,
	}
	tradeCfg := config.TradingConfig{MaxEntrySpread: 0.01, DepthGateMode: "L1", MaxL1QtyUtilization: 0.5}

	eng := New(map[string]exchange.Port{"lighter": lighter, "x10": x10}, md, st, bus, execCfg, tradeCfg, logger)
	return eng, lighter, x10, st
}

func autoFill(fake *exchangetest.Fake) {
	// In the fake, PlaceOrder records the request synchronously; immediately
	// mark it filled so waitForFill's first poll observes a terminal state.
	go func() {
		for i := 0; i < 600; i++ {
			fake.MarkAllOpenFilled()
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestOpenSucceedsWhenBothLegsFill(t *testing.T) {
	eng, lighter, x10, st := setupEngine(t)
	autoFill(lighter)
	autoFill(x10)
	// The fake doesn't derive positions from fills; seed them directly to
	// stand in for what a real venue would already reflect by the time
	// post-entry verification polls it.
	lighter.Positions["BTC-USD"] = domain.Position{Symbol: "BTC-USD", Venue: "lighter", Side: domain.SideBuy, Qty: decimal.NewFromFloat(0.5)}
	x10.Positions["BTC-USD"] = domain.Position{Symbol: "BTC-USD", Venue: "x10", Side: domain.SideSell, Qty: decimal.NewFromFloat(0.5)}

	opp := domain.Opportunity{
		Symbol: "BTC-USD", LongVenue: "lighter", ShortVenue: "x10",
		MidPrice: decimal.NewFromInt(50005), SuggestedQty: decimal.NewFromFloat(0.5),
	}

	trade, err := eng.Open(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusOpen, trade.Status)
	assert.NotNil(t, trade.LegLong)
	assert.NotNil(t, trade.LegShort)
	assert.Len(t, st.created, 1)
}

func TestOpenRejectsOnStaleData(t *testing.T) {
	eng, _, _, st := setupEngine(t)
	// Force staleness by using a venue never warmed in the cache.
	opp := domain.Opportunity{Symbol: "ETH-USD", LongVenue: "lighter", ShortVenue: "x10", MidPrice: decimal.NewFromInt(1)}

	_, err := eng.Open(context.Background(), opp)
	assert.Error(t, err)
	assert.Empty(t, st.created, "a rejected preflight must not persist a trade row")
	require.Len(t, st.attempts, 1)
	assert.Equal(t, domain.AttemptRejected, st.attempts[0].Status)
}

func TestRunLeg1AccumulatesPartialFillsAcrossAttempts(t *testing.T) {
	eng, lighter, x10, _ := setupEngine(t)
	autoFill(x10)
	x10.Positions["BTC-USD"] = domain.Position{Symbol: "BTC-USD", Venue: "x10", Side: domain.SideSell, Qty: decimal.NewFromFloat(1.0)}
	lighter.Positions["BTC-USD"] = domain.Position{Symbol: "BTC-USD", Venue: "lighter", Side: domain.SideBuy, Qty: decimal.NewFromFloat(1.0)}

	// Attempt 0 fills 0.4 of the 1.0 target and is left resting (non-terminal)
	// until its deadline elapses; attempt 1 must then be sized for the
	// remaining 0.6 and fill it completely, rather than the old
	// first-partial-wins behavior abandoning the other 0.6.
	go func() {
		for i := 0; i < 400; i++ {
			if req, ok := lighter.PlacedOrderAt(0); ok {
				lighter.FillOrder(req.ClientOrderID, decimal.NewFromFloat(0.4), req.Price, decimal.Zero, domain.OrderStatusOpen)
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		// Attempt 0's wait times out after Leg1AttemptTimeoutSeconds (1s)
		// before attempt 1 is even placed, so give this poll plenty of room.
		for i := 0; i < 1000; i++ {
			if req, ok := lighter.PlacedOrderAt(1); ok {
				lighter.FillOrder(req.ClientOrderID, decimal.NewFromFloat(0.6), req.Price, decimal.Zero, domain.OrderStatusFilled)
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	opp := domain.Opportunity{
		Symbol: "BTC-USD", LongVenue: "lighter", ShortVenue: "x10",
		MidPrice: decimal.NewFromInt(50005), SuggestedQty: decimal.NewFromFloat(1.0),
	}

	trade, err := eng.Open(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusOpen, trade.Status)
	require.NotNil(t, trade.LegLong)
	assert.True(t, trade.LegLong.FilledQty.Equal(decimal.NewFromFloat(1.0)),
		"leg-1 fill must accumulate across attempts instead of stopping at the first partial: got %s", trade.LegLong.FilledQty)
	require.Len(t, lighter.PlacedOrders, 2, "second attempt must be sized for the 0.6 still owed")
	assert.True(t, lighter.PlacedOrders[1].Qty.Equal(decimal.NewFromFloat(0.6)))
}

func TestRunLeg1CancelsOnHedgeEvaporation(t *testing.T) {
	eng, lighter, x10, _ := setupEngine(t)
	// lighter's leg-1 order is placed and left open (no fill) so the
	// hedge-integrity callback gets a chance to fire mid-wait.

	go func() {
		for i := 0; i < 400; i++ {
			if _, ok := lighter.PlacedOrderAt(0); ok {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		// Hedge venue depth evaporates to well below 80% of the still-owed
		// 0.5 target.
		x10.SetDepth("BTC-USD", domain.OrderbookDepthSnapshot{
			Bids: []domain.DepthLevel{{Price: decimal.NewFromInt(49990), Qty: decimal.NewFromFloat(0.05)}},
			Asks: []domain.DepthLevel{{Price: decimal.NewFromInt(50020), Qty: decimal.NewFromFloat(0.05)}},
		})
	}()

	opp := domain.Opportunity{
		Symbol: "BTC-USD", LongVenue: "lighter", ShortVenue: "x10",
		MidPrice: decimal.NewFromInt(50005), SuggestedQty: decimal.NewFromFloat(0.5),
	}

	trade, err := eng.Open(context.Background(), opp)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLeg1HedgeEvaporated)
	require.NotNil(t, trade)
	assert.Equal(t, domain.TradeStatusFailed, trade.Status)
	assert.NotEmpty(t, lighter.CancelledIDs, "leg-1 must be cancelled once the hedge evaporates")
}

func TestOpenRollsBackWhenHedgeNeverFills(t *testing.T) {
	eng, lighter, x10, st := setupEngine(t)
	autoFill(lighter)
	// x10 never fills: its IOC hedge order is left resting, so leg2 times out.

	opp := domain.Opportunity{
		Symbol: "BTC-USD", LongVenue: "lighter", ShortVenue: "x10",
		MidPrice: decimal.NewFromInt(50005), SuggestedQty: decimal.NewFromFloat(0.5),
	}

	trade, err := eng.Open(context.Background(), opp)
	require.Error(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, domain.TradeStatusFailed, trade.Status)
	assert.NotEmpty(t, x10.PlacedOrders)
	// lighter's maker fill should have been unwound by a reduce-only market order.
	foundReduceOnly := false
	for _, o := range lighter.PlacedOrders {
		if o.ReduceOnly {
			foundReduceOnly = true
		}
	}
	assert.True(t, foundReduceOnly, "rollback must flatten the filled leg")
}
