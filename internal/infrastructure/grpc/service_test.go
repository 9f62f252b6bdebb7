package grpc

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/emptypb"

	"fundingarb/internal/domain"
	"fundingarb/internal/store"
	"fundingarb/internal/supervisor"
	"fundingarb/pkg/logging"
)

type fakeSupervisor struct{ snap supervisor.Snapshot }

func (f fakeSupervisor) Snapshot() supervisor.Snapshot { return f.snap }

type fakePositions struct{ trades []*domain.Trade }

func (f fakePositions) Snapshot() []*domain.Trade { return f.trades }

type fakeStats struct{ stats store.Stats }

func (f fakeStats) Stats() store.Stats { return f.stats }

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return l
}

func TestGetStatusReturnsSupervisorFields(t *testing.T) {
	sup := fakeSupervisor{snap: supervisor.Snapshot{Paused: true, PauseReason: "drift"}}
	svc := NewService(sup, fakePositions{}, fakeStats{}, testLogger(t))

	out, err := svc.GetStatus(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, true, out.Fields["trading_paused"].GetBoolValue())
	assert.Equal(t, "drift", out.Fields["pause_reason"].GetStringValue())
}

func TestGetPositionsListsTrades(t *testing.T) {
	trades := []*domain.Trade{{ID: "t1", Symbol: "ETH-USD", UnrealizedPnl: decimal.NewFromInt(3)}}
	svc := NewService(fakeSupervisor{}, fakePositions{trades: trades}, fakeStats{}, testLogger(t))

	out, err := svc.GetPositions(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	list := out.Fields["trades"].GetListValue().Values
	require.Len(t, list, 1)
	assert.Equal(t, "ETH-USD", list[0].GetStructValue().Fields["symbol"].GetStringValue())
}

func TestGetPnLReportsTotals(t *testing.T) {
	stats := store.Stats{TotalRealizedPnl: decimal.NewFromInt(10)}
	svc := NewService(fakeSupervisor{}, fakePositions{}, fakeStats{stats: stats}, testLogger(t))

	out, err := svc.GetPnL(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "10", out.Fields["total_realized_pnl"].GetStringValue())
}
