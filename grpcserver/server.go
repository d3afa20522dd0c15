package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	loggerv2 "mcpa2a/logger/v2"
)

const maxMsgSize = 100 * 1024 * 1024

// Config holds gRPC server configuration. SocketPath wins over Addr when
// both are set.
type Config struct {
	Addr       string
	SocketPath string
	Logger     loggerv2.Logger
}

// Server is the gRPC front of the task manager.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	socketPath string
	logger     loggerv2.Logger
}

func NewServer(cfg Config, handler TaskHandler) *Server {
	logger := loggerv2.OrNoop(cfg.Logger).With(loggerv2.String("component", "grpcserver"))

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  1 * time.Minute,
			Timeout:               20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
		// tool outputs can be large
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)

	RegisterTaskService(grpcServer, NewTaskService(handler, logger))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &Server{
		grpcServer: grpcServer,
		health:     hs,
		addr:       cfg.Addr,
		socketPath: cfg.SocketPath,
		logger:     logger,
	}
}

// Listen opens the configured unix socket or TCP address.
func (s *Server) Listen() (net.Listener, error) {
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
		return net.Listen("unix", s.socketPath)
	}
	if s.addr == "" {
		return nil, errors.New("grpc server: no address or socket configured")
	}
	return net.Listen("tcp", s.addr)
}

// Start listens and serves until the server stops.
func (s *Server) Start() error {
	l, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve blocks serving l. A stop through Shutdown returns nil.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting gRPC server",
		loggerv2.String("network", l.Addr().Network()),
		loggerv2.String("addr", l.Addr().String()))
	if err := s.grpcServer.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown marks the service not serving and stops gracefully, forcing a
// stop when ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down gRPC server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("gRPC server shutdown timed out, forcing stop")
		s.grpcServer.Stop()
	}

	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket", loggerv2.String("socket", s.socketPath), loggerv2.Error(err))
		}
	}
	return nil
}
