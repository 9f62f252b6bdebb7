package fundingtracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/domain"
	"fundingarb/internal/exchange"
	"fundingarb/internal/exchange/exchangetest"
	"fundingarb/pkg/logging"
)

type fakeStore struct {
	mu       sync.Mutex
	trades   []*domain.Trade
	events   []domain.FundingEvent
	baseline map[string]decimal.Decimal // tradeID|venue -> sum
	candles  []domain.FundingCandle
}

func newFakeStore() *fakeStore {
	return &fakeStore{baseline: make(map[string]decimal.Decimal)}
}

func (f *fakeStore) ListOpenTrades() []*domain.Trade { return f.trades }

func (f *fakeStore) UpdateTrade(ctx context.Context, t *domain.Trade) error { return nil }

func (f *fakeStore) AppendFundingEvent(ev domain.FundingEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	key := ev.TradeID + "|" + ev.Venue
	f.baseline[key] = f.baseline[key].Add(ev.Amount)
}

func (f *fakeStore) SumRealizedFunding(ctx context.Context, tradeID, venue string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseline[tradeID+"|"+venue], nil
}

func (f *fakeStore) UpsertFundingCandle(c domain.FundingCandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles = append(f.candles, c)
}

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return l
}

func TestReconcileTradeAppliesFirstDelta(t *testing.T) {
	lighter := exchangetest.New("lighter")
	x10 := exchangetest.New("x10")
	openedAt := time.Now().Add(-2 * time.Hour)
	lighter.FundingEvents["BTC-USD"] = []domain.FundingEvent{
		{Amount: decimal.NewFromFloat(1.5), Timestamp: openedAt.Add(time.Hour)},
		{Amount: decimal.NewFromFloat(1.0), Timestamp: openedAt.Add(2 * time.Hour)},
	}
	x10.FundingEvents["BTC-USD"] = []domain.FundingEvent{
		{Amount: decimal.NewFromFloat(-0.5), Timestamp: openedAt.Add(time.Hour)},
	}

	st := newFakeStore()
	logger := testLogger(t)
	tr := New(st, map[string]exchange.Port{"lighter": lighter, "x10": x10}, logger)

	trade := &domain.Trade{
		ID: "t1", Symbol: "BTC-USD", LongVenue: "lighter", ShortVenue: "x10",
		LegLong: &domain.TradeLeg{Venue: "lighter"}, LegShort: &domain.TradeLeg{Venue: "x10"},
		OpenedAt: openedAt,
	}

	tr.reconcileTrade(context.Background(), trade)

	assert.True(t, trade.FundingCollected.Equal(decimal.NewFromFloat(2.0)), "expected 1.5+1.0-0.5=2.0, got %s", trade.FundingCollected)
	assert.Len(t, st.events, 2, "one non-legacy event per venue with nonzero delta")
	assert.False(t, trade.LastFundingUpdate.IsZero())
}

func TestReconcileTradeIsIdempotentOnSecondPass(t *testing.T) {
	lighter := exchangetest.New("lighter")
	x10 := exchangetest.New("x10")
	openedAt := time.Now().Add(-2 * time.Hour)
	lighter.FundingEvents["BTC-USD"] = []domain.FundingEvent{{Amount: decimal.NewFromFloat(1.0), Timestamp: openedAt.Add(time.Hour)}}
	x10.FundingEvents["BTC-USD"] = []domain.FundingEvent{{Amount: decimal.NewFromFloat(-0.2), Timestamp: openedAt.Add(time.Hour)}}

	st := newFakeStore()
	tr := New(st, map[string]exchange.Port{"lighter": lighter, "x10": x10}, testLogger(t))
	trade := &domain.Trade{
		ID: "t1", Symbol: "BTC-USD", LongVenue: "lighter", ShortVenue: "x10",
		LegLong: &domain.TradeLeg{Venue: "lighter"}, LegShort: &domain.TradeLeg{Venue: "x10"},
		OpenedAt: openedAt,
	}

	tr.reconcileTrade(context.Background(), trade)
	firstTotal := trade.FundingCollected
	tr.reconcileTrade(context.Background(), trade)

	assert.True(t, trade.FundingCollected.Equal(firstTotal), "a second pass against unchanged venue history must not double-count")
}

func TestNormalizeHistoricalRateRebasesNonHourlyInterval(t *testing.T) {
	tr := New(newFakeStore(), nil, testLogger(t))
	rate := tr.NormalizeHistoricalRate("lighter", 8, decimal.NewFromFloat(0.0008))
	assert.True(t, rate.Equal(decimal.NewFromFloat(0.0001)), "an 8h rate of 0.0008 should rebase to 0.0001 hourly, got %s", rate)
}

func TestClampRateWarnNeverClamps(t *testing.T) {
	tr := New(newFakeStore(), nil, testLogger(t))
	extreme := decimal.NewFromFloat(5.0)
	got := tr.ClampRateWarn("BTC-USD", "lighter", extreme, decimal.NewFromFloat(0.01))
	assert.True(t, got.Equal(extreme), "ClampRateWarn must log, not truncate")
}
