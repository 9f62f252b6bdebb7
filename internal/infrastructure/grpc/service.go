// Package grpc implements the Control Surface's gRPC read service: the same
// three reads the HTTP surface exposes (status, positions, pnl), for callers
// that prefer a typed RPC transport over polling JSON. It carries no wire
// schema of its own — responses are encoded as structpb.Struct, since this
// surface mirrors the HTTP shape rather than defining a contract to version.
package grpc

import (
	"context"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"fundingarb/internal/core"
	"fundingarb/internal/infrastructure/server"
)

// Service implements the three read RPCs over the Control Surface's
// snapshot interfaces.
type Service struct {
	sup    server.SupervisorSnapshotter
	pos    server.PositionSnapshotter
	stats  server.TradeStatser
	logger core.ILogger
}

func NewService(sup server.SupervisorSnapshotter, pos server.PositionSnapshotter, stats server.TradeStatser, logger core.ILogger) *Service {
	return &Service{sup: sup, pos: pos, stats: stats, logger: logger.WithField("component", "control_grpc")}
}

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := s.sup.Snapshot()
	st := s.stats.Stats()
	return structpb.NewStruct(map[string]any{
		"trading_paused":       snap.Paused,
		"pause_indefinite":     snap.Indefinite,
		"pause_reason":         snap.PauseReason,
		"consecutive_failures": float64(snap.ConsecutiveFails),
		"peak_equity":          snap.PeakEquity.String(),
		"free_margin_pct":      snap.LastFreeMarginPct.String(),
		"open_trade_count":     float64(st.OpenTradeCount),
		"write_queue_depth":    float64(st.WriteQueueDepth),
	})
}

func (s *Service) GetPositions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	trades := s.pos.Snapshot()
	list := make([]any, 0, len(trades))
	for _, t := range trades {
		list = append(list, map[string]any{
			"id":                t.ID,
			"symbol":            t.Symbol,
			"long_venue":        t.LongVenue,
			"short_venue":       t.ShortVenue,
			"status":            string(t.Status),
			"exec_state":        string(t.ExecState),
			"unrealized_pnl":    t.UnrealizedPnl.String(),
			"funding_collected": t.FundingCollected.String(),
		})
	}
	return structpb.NewStruct(map[string]any{"trades": list})
}

func (s *Service) GetPnL(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.stats.Stats()
	return structpb.NewStruct(map[string]any{
		"total_unrealized_pnl":    st.TotalUnrealizedPnl.String(),
		"total_realized_pnl":      st.TotalRealizedPnl.String(),
		"total_funding_collected": st.TotalFundingCollected.String(),
		"open_trade_count":        float64(st.OpenTradeCount),
	})
}
