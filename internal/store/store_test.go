package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/domain"
	"fundingarb/pkg/logging"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(Config{
		Path:               path,
		WALMode:            true,
		WriteBatchSize:     10,
		WriteQueueMaxSize:  100,
		OpenTradesCacheTTL: 20 * time.Millisecond,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, path
}

func sampleTrade(symbol string) *domain.Trade {
	return &domain.Trade{
		ID:               "trade-" + symbol,
		Symbol:           symbol,
		LongVenue:        "lighter",
		ShortVenue:       "x10",
		TargetQty:        decimal.NewFromInt(1),
		TargetNotional:   decimal.NewFromInt(1000),
		EntryAPY:         decimal.NewFromFloat(0.2),
		EntrySpread:      decimal.NewFromFloat(0.001),
		Status:           domain.TradeStatusPending,
		ExecState:        domain.ExecPending,
		FundingCollected: decimal.Zero,
		RealizedPnl:      decimal.Zero,
		UnrealizedPnl:    decimal.Zero,
		HighWaterMark:    decimal.Zero,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestCreateTradeIsSynchronousAndQueryableImmediately(t *testing.T) {
	s, _ := testStore(t)
	tr := sampleTrade("BTC-USD")

	require.NoError(t, s.CreateTrade(context.Background(), tr))

	row := s.db.QueryRow(`SELECT id FROM trades WHERE id = ?`, tr.ID)
	var id string
	require.NoError(t, row.Scan(&id))
	assert.Equal(t, tr.ID, id)

	got := s.GetTrade(tr.ID)
	require.NotNil(t, got)
	assert.Equal(t, tr.Symbol, got.Symbol)
}

func TestCreateTradeRejectsSecondOpenTradeForSameSymbol(t *testing.T) {
	s, _ := testStore(t)
	require.NoError(t, s.CreateTrade(context.Background(), sampleTrade("ETH-USD")))

	dup := sampleTrade("ETH-USD")
	dup.ID = "trade-ETH-USD-2"
	err := s.CreateTrade(context.Background(), dup)
	assert.Error(t, err)
}

func TestUpdateTradeIsAsyncButCacheReflectsImmediately(t *testing.T) {
	s, path := testStore(t)
	tr := sampleTrade("SOL-USD")
	require.NoError(t, s.CreateTrade(context.Background(), tr))

	tr.Status = domain.TradeStatusOpen
	tr.RealizedPnl = decimal.NewFromFloat(12.5)
	require.NoError(t, s.UpdateTrade(context.Background(), tr))

	got := s.GetTrade(tr.ID)
	require.NotNil(t, got)
	assert.Equal(t, domain.TradeStatusOpen, got.Status)

	require.NoError(t, s.Shutdown(context.Background()))

	// Reopen and confirm the durable write landed.
	logger, _ := logging.NewZapLogger("ERROR")
	s2, err := Open(Config{Path: path, WALMode: true}, logger)
	require.NoError(t, err)
	defer s2.Shutdown(context.Background())

	persisted := s2.GetTrade(tr.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, domain.TradeStatusOpen, persisted.Status)
	assert.True(t, persisted.RealizedPnl.Equal(decimal.NewFromFloat(12.5)))
}

func TestUpdateTradeClosedRemovesFromOpenSymbolIndex(t *testing.T) {
	s, _ := testStore(t)
	tr := sampleTrade("AVAX-USD")
	require.NoError(t, s.CreateTrade(context.Background(), tr))
	require.NotNil(t, s.GetOpenTradeForSymbol("AVAX-USD"))

	tr.Status = domain.TradeStatusClosed
	require.NoError(t, s.UpdateTrade(context.Background(), tr))

	assert.Nil(t, s.GetOpenTradeForSymbol("AVAX-USD"))

	// Symbol should now be free for a new trade.
	fresh := sampleTrade("AVAX-USD")
	fresh.ID = "trade-AVAX-USD-2"
	assert.NoError(t, s.CreateTrade(context.Background(), fresh))
}

func TestListOpenTradesIsTTLCached(t *testing.T) {
	s, _ := testStore(t)
	require.NoError(t, s.CreateTrade(context.Background(), sampleTrade("DOGE-USD")))

	first := s.ListOpenTrades()
	require.Len(t, first, 1)

	time.Sleep(30 * time.Millisecond) // let the TTL expire
	second := sampleTrade("LTC-USD")
	require.NoError(t, s.CreateTrade(context.Background(), second))

	refreshed := s.ListOpenTrades()
	assert.Len(t, refreshed, 2)
}

func TestAppendEventAndFundingEventAreDurable(t *testing.T) {
	s, path := testStore(t)
	tr := sampleTrade("MATIC-USD")
	require.NoError(t, s.CreateTrade(context.Background(), tr))

	s.AppendEvent(tr.ID, domain.TradeEvent{At: time.Now().UTC(), Kind: "OPENED", Message: "leg one filled"})
	s.AppendFundingEvent(domain.FundingEvent{TradeID: tr.ID, Venue: "lighter", Amount: decimal.NewFromFloat(0.5), Timestamp: time.Now().UTC()})

	require.NoError(t, s.Shutdown(context.Background()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestSumRealizedFundingExcludesLegacyRows(t *testing.T) {
	s, _ := testStore(t)
	tr := sampleTrade("XRP-USD")
	require.NoError(t, s.CreateTrade(context.Background(), tr))

	s.AppendFundingEvent(domain.FundingEvent{TradeID: tr.ID, Venue: "lighter", Amount: decimal.NewFromFloat(1), Timestamp: time.Now().UTC()})
	s.AppendFundingEvent(domain.FundingEvent{TradeID: tr.ID, Venue: "lighter", Amount: decimal.NewFromFloat(2), Timestamp: time.Now().UTC()})
	s.AppendFundingEvent(domain.FundingEvent{TradeID: tr.ID, Venue: "lighter", Amount: decimal.NewFromFloat(100), Timestamp: time.Now().UTC(), Legacy: true})

	s.queue.shutdown(context.Background())

	sum, err := s.SumRealizedFunding(context.Background(), tr.ID, "lighter")
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromFloat(3)))
}

func TestUpsertAttemptIsIdempotentOnAttemptID(t *testing.T) {
	s, _ := testStore(t)
	now := time.Now().UTC()
	attempt := domain.ExecutionAttempt{
		AttemptID: "attempt-1",
		Symbol:    "BTC-USD",
		Mode:      domain.AttemptLive,
		Status:    domain.AttemptStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.UpsertAttempt(attempt)

	attempt.Status = domain.AttemptOpened
	attempt.UpdatedAt = now.Add(time.Second)
	s.UpsertAttempt(attempt)

	s.queue.shutdown(context.Background())

	row := s.db.QueryRow(`SELECT status FROM execution_attempts WHERE attempt_id = ?`, attempt.AttemptID)
	var status string
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, string(domain.AttemptOpened), status)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM execution_attempts WHERE attempt_id = ?`, attempt.AttemptID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestFundingCandlesReturnsOrderedWindow(t *testing.T) {
	s, _ := testStore(t)
	base := time.Now().UTC().Add(-3 * time.Hour)
	for i := 0; i < 3; i++ {
		s.UpsertFundingCandle(domain.FundingCandle{
			Symbol:    "BTC-USD",
			Venue:     "lighter",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Rate:      decimal.NewFromFloat(0.0001 * float64(i+1)),
			APY:       decimal.NewFromFloat(0.01 * float64(i+1)),
		})
	}
	s.queue.shutdown(context.Background())

	candles, err := s.FundingCandles(context.Background(), "BTC-USD", "lighter", base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp))
	assert.True(t, candles[1].Timestamp.Before(candles[2].Timestamp))
}
