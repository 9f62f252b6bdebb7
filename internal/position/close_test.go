package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/domain"
)

func TestDeltaFromCumulativeFillNoDoubleCount(t *testing.T) {
	mgr, _, _, _ := setupManager(t, baseTradingConfig())

	qty1, notional1, fee1 := mgr.deltaFromCumulativeFill("OID-1", decimal.NewFromInt(50), decimal.NewFromFloat(0.01), decimal.NewFromFloat(2.1306))
	assert.True(t, qty1.Equal(decimal.NewFromInt(50)))
	assert.True(t, fee1.Equal(decimal.NewFromFloat(0.01)))
	assert.True(t, notional1.Equal(decimal.NewFromInt(50).Mul(decimal.NewFromFloat(2.1306))))

	qty2, notional2, fee2 := mgr.deltaFromCumulativeFill("OID-1", decimal.NewFromInt(141), decimal.NewFromFloat(0.03), decimal.NewFromFloat(2.1455))
	assert.True(t, qty2.Equal(decimal.NewFromInt(91)), "expected delta_qty=91, got %s", qty2)
	assert.True(t, fee2.Equal(decimal.NewFromFloat(0.02)), "expected delta_fee=0.02, got %s", fee2)
	assert.True(t, notional2.Equal(decimal.NewFromInt(91).Mul(decimal.NewFromFloat(2.1455))))

	// Replaying the identical cumulative update must yield a zero delta.
	qty3, notional3, fee3 := mgr.deltaFromCumulativeFill("OID-1", decimal.NewFromInt(141), decimal.NewFromFloat(0.03), decimal.NewFromFloat(2.1455))
	assert.True(t, qty3.IsZero(), "expected zero delta on repeat poll, got %s", qty3)
	assert.True(t, fee3.IsZero(), "expected zero fee delta on repeat poll, got %s", fee3)
	assert.True(t, notional3.IsZero())
}

func TestDeltaFromCumulativeFillGuardsBackwardsReset(t *testing.T) {
	mgr, _, _, _ := setupManager(t, baseTradingConfig())

	qty1, _, fee1 := mgr.deltaFromCumulativeFill("OID-3", decimal.NewFromInt(10), decimal.NewFromFloat(0.005), decimal.NewFromInt(2))
	assert.True(t, qty1.Equal(decimal.NewFromInt(10)))
	assert.True(t, fee1.Equal(decimal.NewFromFloat(0.005)))

	// cum_qty goes backwards (exchange reset / out-of-order update).
	qty2, _, fee2 := mgr.deltaFromCumulativeFill("OID-3", decimal.NewFromInt(5), decimal.NewFromFloat(0.002), decimal.NewFromInt(2))
	assert.True(t, qty2.IsZero(), "expected zero delta for a backwards update, got %s", qty2)
	assert.True(t, fee2.IsZero())

	// The watermark must have held at 10, not dropped to 5: returning to 10
	// produces zero, not a second delta of 10.
	qty3, _, fee3 := mgr.deltaFromCumulativeFill("OID-3", decimal.NewFromInt(10), decimal.NewFromFloat(0.005), decimal.NewFromInt(2))
	assert.True(t, qty3.IsZero(), "expected zero delta after reset recovery, got %s", qty3)
	assert.True(t, fee3.IsZero())
}

func TestDeltaFromCumulativeFillTracksMultipleOrdersIndependently(t *testing.T) {
	mgr, _, _, _ := setupManager(t, baseTradingConfig())

	qty1a, _, _ := mgr.deltaFromCumulativeFill("ORDER-1", decimal.NewFromInt(100), decimal.NewFromFloat(0.02), decimal.NewFromFloat(1.5))
	assert.True(t, qty1a.Equal(decimal.NewFromInt(100)))

	qty2a, _, _ := mgr.deltaFromCumulativeFill("ORDER-2", decimal.NewFromInt(50), decimal.NewFromFloat(0.01), decimal.NewFromInt(2))
	assert.True(t, qty2a.Equal(decimal.NewFromInt(50)))

	qty2b, _, _ := mgr.deltaFromCumulativeFill("ORDER-2", decimal.NewFromInt(100), decimal.NewFromFloat(0.02), decimal.NewFromInt(2))
	assert.True(t, qty2b.Equal(decimal.NewFromInt(50)))

	qty1b, _, _ := mgr.deltaFromCumulativeFill("ORDER-1", decimal.NewFromInt(100), decimal.NewFromFloat(0.02), decimal.NewFromFloat(1.5))
	assert.True(t, qty1b.IsZero(), "re-polling ORDER-1 at the same cumulative must not double count")
}

// TestCloseLegDoesNotReRequestAlreadyClosedQty simulates a position-manager
// tick re-entering closeCoordinated for a trade whose long leg already
// closed 0.3 of its 0.5 entry fill on a previous tick (verifyFlat still saw
// the short leg open, so the trade stayed Closing and got evaluated again).
// The second closeLeg call must size its order off the 0.2 still owed, not
// the full 0.5 entry fill.
func TestCloseLegDoesNotReRequestAlreadyClosedQty(t *testing.T) {
	mgr, lighter, _, _ := setupManager(t, baseTradingConfig())
	trade := newTestTrade("lighter", "x10", decimal.NewFromInt(50005), time.Now())
	leg := trade.LegLong
	leg.OrderID = "entry-order-1"
	leg.FilledQty = decimal.NewFromFloat(0.5)

	snap := snapshot{bidLong: decimal.NewFromInt(50000), askLong: decimal.NewFromInt(50010)}

	// First tick: maker fully fills for 0.3, short of the 0.5 target.
	go func() {
		for i := 0; i < 200; i++ {
			if len(lighter.PlacedOrders) > 0 {
				req := lighter.PlacedOrders[0]
				lighter.FillOrder(req.ClientOrderID, decimal.NewFromFloat(0.3), req.Price, decimal.NewFromFloat(0.001), domain.OrderStatusFilled)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	mgr.closeLeg(context.Background(), trade, leg, snap.bidLong, snap.askLong, false)
	require.Len(t, lighter.PlacedOrders, 1)
	assert.True(t, lighter.PlacedOrders[0].Qty.Equal(decimal.NewFromFloat(0.5)))

	// Second tick: the trade is still Closing (short leg wasn't flat yet),
	// so the evaluator calls closeLeg again for the same long leg.
	go func() {
		for i := 0; i < 200; i++ {
			if len(lighter.PlacedOrders) > 1 {
				req := lighter.PlacedOrders[1]
				lighter.FillOrder(req.ClientOrderID, decimal.NewFromFloat(0.2), req.Price, decimal.NewFromFloat(0.001), domain.OrderStatusFilled)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	mgr.closeLeg(context.Background(), trade, leg, snap.bidLong, snap.askLong, false)
	require.Len(t, lighter.PlacedOrders, 2)
	assert.True(t, lighter.PlacedOrders[1].Qty.Equal(decimal.NewFromFloat(0.2)),
		"second close attempt must only request the 0.2 still owed, got %s", lighter.PlacedOrders[1].Qty)

	// leg.FilledQty stays at the original entry size for RealizedPnl.
	assert.True(t, leg.FilledQty.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, leg.Fees.Equal(decimal.NewFromFloat(0.002)))
}
