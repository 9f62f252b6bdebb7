// Package server implements the Control Surface's HTTP read endpoints
// (spec §6a): /healthz, /status, /positions, /pnl. It never originates a
// trading decision and never touches a component's primary lock — every
// handler reads an already-published Snapshot.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/store"
	"fundingarb/internal/supervisor"
)

// SupervisorSnapshotter is the subset of internal/supervisor.Supervisor this
// package depends on.
type SupervisorSnapshotter interface {
	Snapshot() supervisor.Snapshot
}

// PositionSnapshotter is the subset of internal/position.Manager this
// package depends on.
type PositionSnapshotter interface {
	Snapshot() []*domain.Trade
}

// TradeStatser is the subset of internal/store.Store this package depends on.
type TradeStatser interface {
	Stats() store.Stats
}

// Server serves the read-only status surface over plain HTTP.
type Server struct {
	sup    SupervisorSnapshotter
	pos    PositionSnapshotter
	stats  TradeStatser
	logger core.ILogger

	srv *http.Server
}

func New(sup SupervisorSnapshotter, pos PositionSnapshotter, stats TradeStatser, logger core.ILogger) *Server {
	return &Server{sup: sup, pos: pos, stats: stats, logger: logger.WithField("component", "control_server")}
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled,
// following the same Start/Stop-under-ctx shape as every other long-running
// component in this module.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/pnl", s.handlePnl)

	s.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control surface listening", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sup.Snapshot()
	st := s.stats.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"trading_paused":       snap.Paused,
		"pause_indefinite":     snap.Indefinite,
		"pause_reason":         snap.PauseReason,
		"consecutive_failures": snap.ConsecutiveFails,
		"peak_equity":          snap.PeakEquity.String(),
		"free_margin_pct":      snap.LastFreeMarginPct.String(),
		"open_trade_count":     st.OpenTradeCount,
		"write_queue_depth":    st.WriteQueueDepth,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	trades := s.pos.Snapshot()
	out := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"id":              t.ID,
			"symbol":          t.Symbol,
			"long_venue":      t.LongVenue,
			"short_venue":     t.ShortVenue,
			"status":          t.Status,
			"exec_state":      t.ExecState,
			"target_qty":      t.TargetQty.String(),
			"unrealized_pnl":  t.UnrealizedPnl.String(),
			"funding_collected": t.FundingCollected.String(),
			"opened_at":       t.OpenedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request) {
	st := s.stats.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_unrealized_pnl":    st.TotalUnrealizedPnl.String(),
		"total_realized_pnl":      st.TotalRealizedPnl.String(),
		"total_funding_collected": st.TotalFundingCollected.String(),
		"open_trade_count":        st.OpenTradeCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
