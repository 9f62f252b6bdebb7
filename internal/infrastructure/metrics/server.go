// Package metrics exposes the OTel Prometheus exporter pkg/telemetry.Setup
// already registered against the default registry, as a Control Surface
// scrape endpoint.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundingarb/internal/core"
)

// Server serves /metrics for Prometheus to scrape.
type Server struct {
	logger core.ILogger
	srv    *http.Server
}

func NewServer(logger core.ILogger) *Server {
	return &Server{logger: logger.WithField("component", "metrics_server")}
}

// Run starts the metrics HTTP server on addr and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.srv.Shutdown(context.Background())
	}
}
