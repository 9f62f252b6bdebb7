package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"fundingarb/internal/core"
)

// Server hosts the Control Surface gRPC service.
type Server struct {
	svc    *Service
	logger core.ILogger

	grpcSrv *grpc.Server
}

func NewServer(svc *Service, logger core.ILogger) *Server {
	return &Server{svc: svc, logger: logger.WithField("component", "control_grpc_server")}
}

// Run starts listening on addr and blocks until ctx is cancelled, matching
// every other long-running component's bootstrap.Runner shape.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.grpcSrv = grpc.NewServer()
	s.grpcSrv.RegisterService(&serviceDesc, s.svc)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control gRPC listening", "addr", addr)
		if err := s.grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.grpcSrv.GracefulStop()
		return nil
	}
}
