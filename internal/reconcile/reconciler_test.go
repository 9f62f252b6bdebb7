package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/domain"
	"fundingarb/internal/eventbus"
	"fundingarb/internal/exchange"
	"fundingarb/internal/exchange/exchangetest"
	"fundingarb/pkg/logging"
)

type fakeStore struct {
	mu     sync.Mutex
	open   []*domain.Trade
	writes int
}

func (f *fakeStore) ListOpenTrades() []*domain.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Trade(nil), f.open...)
}

func (f *fakeStore) UpdateTrade(ctx context.Context, t *domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return nil
}

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return l
}

func testTrade() *domain.Trade {
	return &domain.Trade{
		ID: "t1", Symbol: "BTC-USD", LongVenue: "lighter", ShortVenue: "x10",
		Status: domain.TradeStatusOpen,
		LegLong:  &domain.TradeLeg{Venue: "lighter", Qty: decimal.NewFromFloat(0.5), FilledQty: decimal.NewFromFloat(0.5)},
		LegShort: &domain.TradeLeg{Venue: "x10", Qty: decimal.NewFromFloat(0.5), FilledQty: decimal.NewFromFloat(0.5)},
	}
}

func TestReconcileAutoCorrectsSmallDrift(t *testing.T) {
	lighter := exchangetest.New("lighter")
	x10 := exchangetest.New("x10")
	lighter.Positions["BTC-USD"] = domain.Position{Qty: decimal.NewFromFloat(0.49)} // ~2% off
	x10.Positions["BTC-USD"] = domain.Position{Qty: decimal.NewFromFloat(0.5)}

	st := &fakeStore{open: []*domain.Trade{testTrade()}}
	bus := eventbus.New(testLogger(t))
	r := New(st, map[string]exchange.Port{"lighter": lighter, "x10": x10}, bus, testLogger(t))

	results := r.Reconcile(context.Background())

	var sawCorrection bool
	for _, res := range results {
		if res.Venue == "lighter" && res.Corrected {
			sawCorrection = true
		}
		assert.False(t, res.Halted, "small drift must not halt trading")
	}
	assert.True(t, sawCorrection, "a ~2%% divergence should be auto-corrected")
	assert.True(t, st.open[0].LegLong.FilledQty.Equal(decimal.NewFromFloat(0.49)), "leg should be snapped to the venue's reported quantity")
}

func TestReconcileHaltsOnLargeDrift(t *testing.T) {
	lighter := exchangetest.New("lighter")
	x10 := exchangetest.New("x10")
	lighter.Positions["BTC-USD"] = decimal0Pos()
	x10.Positions["BTC-USD"] = domain.Position{Qty: decimal.NewFromFloat(0.5)}

	st := &fakeStore{open: []*domain.Trade{testTrade()}}
	bus := eventbus.New(testLogger(t))

	var mu sync.Mutex
	var driftEvents int
	bus.Subscribe(eventbus.EventReconcileDrift, func(ctx context.Context, ev eventbus.Event) {
		mu.Lock()
		driftEvents++
		mu.Unlock()
	})

	r := New(st, map[string]exchange.Port{"lighter": lighter, "x10": x10}, bus, testLogger(t))
	results := r.Reconcile(context.Background())

	var sawHalt bool
	for _, res := range results {
		if res.Venue == "lighter" && res.Halted {
			sawHalt = true
		}
	}
	assert.True(t, sawHalt, "a 100%% divergence should halt rather than auto-correct")
	time.Sleep(20 * time.Millisecond) // bus dispatches handlers asynchronously
	mu.Lock()
	assert.Equal(t, 1, driftEvents)
	mu.Unlock()
}

func decimal0Pos() domain.Position {
	return domain.Position{Qty: decimal.Zero}
}

func TestReconcileFlagsGhostOrder(t *testing.T) {
	lighter := exchangetest.New("lighter")
	x10 := exchangetest.New("x10")
	lighter.Positions["BTC-USD"] = domain.Position{Qty: decimal.NewFromFloat(0.5)}
	x10.Positions["BTC-USD"] = domain.Position{Qty: decimal.NewFromFloat(0.5)}

	trade := testTrade()
	trade.LegLong.OrderID = "never-placed"

	st := &fakeStore{open: []*domain.Trade{trade}}
	bus := eventbus.New(testLogger(t))
	r := New(st, map[string]exchange.Port{"lighter": lighter, "x10": x10}, bus, testLogger(t))

	results := r.Reconcile(context.Background())

	var sawGhost bool
	for _, res := range results {
		if res.Venue == "lighter" && res.GhostLeg {
			sawGhost = true
		}
	}
	assert.True(t, sawGhost, "an order ID the exchange has never seen should be flagged as a ghost leg")
}
