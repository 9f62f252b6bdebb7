package server

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestServer(t *testing.T) *Server {
	sup := fakeSupervisor{snap: supervisor.Snapshot{Paused: true, PauseReason: "test", PeakEquity: decimal.NewFromInt(100)}}
	pos := fakePositions{trades: []*domain.Trade{{ID: "t1", Symbol: "BTC-USD", Status: domain.TradeStatusOpen}}}
	stats := fakeStats{stats: store.Stats{OpenTradeCount: 1, TotalUnrealizedPnl: decimal.NewFromInt(5)}}
	return New(sup, pos, stats, testLogger(t))
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestHandleStatusReflectsSupervisorSnapshot(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["trading_paused"])
	assert.Equal(t, "test", body["pause_reason"])
}

func TestHandlePositionsListsOpenTrades(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handlePositions(rec, httptest.NewRequest("GET", "/positions", nil))

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "BTC-USD", body[0]["symbol"])
}

func TestHandlePnlReportsAggregateTotals(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handlePnl(rec, httptest.NewRequest("GET", "/pnl", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "5", body["total_unrealized_pnl"])
}
