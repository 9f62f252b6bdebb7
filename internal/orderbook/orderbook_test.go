package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/pkg/logging"
)

func testBook(t *testing.T) *Book {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return NewBook("BTC-USD", "lighter", logger)
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestApplySnapshotThenUpdatesMatchFreshSnapshot(t *testing.T) {
	b := testBook(t)
	b.ApplySnapshot(Snapshot{
		Nonce: 10, Offset: 100,
		Bids: []Level{{Price: d("100"), Size: d("1")}, {Price: d("99"), Size: d("2")}},
		Asks: []Level{{Price: d("101"), Size: d("1")}},
	})

	ok := b.ApplyUpdate(Update{
		BeginNonce: 10, Offset: 101,
		Bids: []Level{{Price: d("100"), Size: d("1.5")}},
	})
	require.True(t, ok)

	bid, bidQty, ask, _, found := b.BestBidAsk()
	require.True(t, found)
	assert.True(t, bid.Equal(d("100")))
	assert.True(t, bidQty.Equal(d("1.5")))
	assert.True(t, ask.Equal(d("101")))
}

func TestNonceGapMarksUnsynced(t *testing.T) {
	b := testBook(t)
	b.ApplySnapshot(Snapshot{Nonce: 10, Offset: 100, Bids: []Level{{Price: d("100"), Size: d("1")}}, Asks: []Level{{Price: d("101"), Size: d("1")}}})
	b.connectedAt = b.connectedAt.Add(-1 * initialSyncGrace * 2) // force past grace window

	ok := b.ApplyUpdate(Update{BeginNonce: 999, Offset: 101})
	assert.False(t, ok)
	assert.False(t, b.Synced())
}

func TestDuplicateOffsetDiscarded(t *testing.T) {
	b := testBook(t)
	b.ApplySnapshot(Snapshot{Nonce: 5, Offset: 50, Bids: []Level{{Price: d("100"), Size: d("1")}}, Asks: []Level{{Price: d("101"), Size: d("1")}}})

	ok := b.ApplyUpdate(Update{BeginNonce: 5, Offset: 40, Bids: []Level{{Price: d("100"), Size: d("999")}}})
	require.True(t, ok)

	bid, bidQty, _, _, _ := b.BestBidAsk()
	assert.True(t, bid.Equal(d("100")))
	assert.True(t, bidQty.Equal(d("1")), "stale offset must not mutate state")
}

func TestCrossedBookMarksUnsynced(t *testing.T) {
	b := testBook(t)
	b.ApplySnapshot(Snapshot{Nonce: 1, Offset: 1, Bids: []Level{{Price: d("100"), Size: d("1")}}, Asks: []Level{{Price: d("101"), Size: d("1")}}})

	ok := b.ApplyUpdate(Update{BeginNonce: 1, Offset: 2, Bids: []Level{{Price: d("105"), Size: d("1")}}})
	assert.False(t, ok)
	assert.False(t, b.Synced())
}

func TestEffectiveBidAskSkipsDustLevels(t *testing.T) {
	b := testBook(t)
	b.ApplySnapshot(Snapshot{
		Nonce: 1, Offset: 1,
		Bids: []Level{{Price: d("100"), Size: d("0.001")}, {Price: d("99"), Size: d("50")}},
		Asks: []Level{{Price: d("101"), Size: d("0.001")}, {Price: d("102"), Size: d("50")}},
	})

	bid, _, ask, _, ok := b.EffectiveBidAsk(d("1000"))
	require.True(t, ok)
	assert.True(t, bid.Equal(d("99")))
	assert.True(t, ask.Equal(d("102")))
}

func TestEffectiveBidAskFallsBackWhenAllDust(t *testing.T) {
	b := testBook(t)
	b.ApplySnapshot(Snapshot{
		Nonce: 1, Offset: 1,
		Bids: []Level{{Price: d("100"), Size: d("0.001")}},
		Asks: []Level{{Price: d("101"), Size: d("0.001")}},
	})

	bid, _, ask, _, ok := b.EffectiveBidAsk(d("1000000"))
	require.True(t, ok)
	assert.True(t, bid.Equal(d("100")))
	assert.True(t, ask.Equal(d("101")))
}

func TestEvictBoundsLevelCount(t *testing.T) {
	b := testBook(t)
	bids := make([]Level, 0, maxLevelsPerSide+20)
	asks := make([]Level, 0, maxLevelsPerSide+20)
	for i := 0; i < maxLevelsPerSide+20; i++ {
		bids = append(bids, Level{Price: decimal.NewFromInt(int64(1000 - i)), Size: d("1")})
		asks = append(asks, Level{Price: decimal.NewFromInt(int64(2000 + i)), Size: d("1")})
	}
	b.ApplySnapshot(Snapshot{Nonce: 1, Offset: 1, Bids: bids, Asks: asks})

	b.mu.RLock()
	defer b.mu.RUnlock()
	assert.LessOrEqual(t, len(b.bids), maxLevelsPerSide)
	assert.LessOrEqual(t, len(b.asks), maxLevelsPerSide)
}
