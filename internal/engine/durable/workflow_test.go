package durable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/config"
	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
	"fundingarb/internal/exchange/exchangetest"
	"fundingarb/internal/execution"
	"fundingarb/internal/marketdata"
	"fundingarb/pkg/logging"
)

// fakeDBOSContext executes each step/workflow inline rather than through a
// real DBOS runtime, matching the teacher's own workflow_test.go approach of
// "actually execute the function to trigger side effects" — checkpointing
// and crash-replay are the DBOS runtime's concern, not this package's.
type fakeDBOSContext struct {
	dbos.DBOSContext
}

func (f *fakeDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	return fn(context.Background())
}

type fakeHandle struct {
	result any
	err    error
}

func (h *fakeHandle) GetResult() (any, error) { return h.result, h.err }

func (f *fakeDBOSContext) RunWorkflow(ctx dbos.DBOSContext, fn dbos.WorkflowFunc, input any, opts ...dbos.WorkflowOption) (dbos.WorkflowHandle, error) {
	result, err := fn(f, input)
	return &fakeHandle{result: result, err: err}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	created []*domain.Trade
	updated []*domain.Trade
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
func (f *fakeStore) UpsertAttempt(a domain.ExecutionAttempt)       {}
func (f *fakeStore) AppendEvent(tradeID string, ev domain.TradeEvent) {}

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return l
}

func autoFill(fake *exchangetest.Fake) {
	go func() {
		for i := 0; i < 50; i++ {
			fake.MarkAllOpenFilled()
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func setupDurableEngine(t *testing.T) (*Engine, *exchangetest.Fake, *exchangetest.Fake, *fakeStore) {
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

	execEngine := execution.New(map[string]exchange.Port{"lighter": lighter, "x10": x10}, md, st, bus, execCfg, tradeCfg, logger)
	eng := New(&fakeDBOSContext{}, execEngine, logger)
	return eng, lighter, x10, st
}

func TestDurableOpenSucceedsWhenBothLegsFill(t *testing.T) {
	eng, lighter, x10, st := setupDurableEngine(t)
	autoFill(lighter)
	autoFill(x10)
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

func TestDurableOpenRejectsOnStaleData(t *testing.T) {
	eng, _, _, st := setupDurableEngine(t)
	opp := domain.Opportunity{Symbol: "ETH-USD", LongVenue: "lighter", ShortVenue: "x10", MidPrice: decimal.NewFromInt(1)}

	_, err := eng.Open(context.Background(), opp)
	assert.Error(t, err)
	assert.Empty(t, st.created, "a rejected preflight must not persist a trade row")
}
