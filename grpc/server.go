// Package grpc provides the optional gRPC health endpoint each module binary
// can serve, so orchestrators probe adapter liveness without touching the
// industrial protocols.
package grpc

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// HealthServer serves the standard grpc.health.v1 service wrapped in the
// logging and recovery interceptors.
type HealthServer struct {
	logger Logger

	mu       sync.Mutex
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
}

// NewHealthServer creates an unstarted health server.
func NewHealthServer(logger Logger) *HealthServer {
	return &HealthServer{
		logger: logger,
		health: health.NewServer(),
	}
}

// Start binds addr and serves in a background goroutine.
func (s *HealthServer) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("health server already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding health listener: %w", err)
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(s.logger),
			LoggingInterceptor(s.logger),
		),
	)

	grpc_health_v1.RegisterHealthServer(server, s.health)

	s.server = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil {
			s.logger.Warn("health_server_stopped", "error", err)
		}
	}()

	s.logger.Info("health_server_started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when addr was ":0".
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetServing marks a service (or "", the overall module) as serving.
func (s *HealthServer) SetServing(service string) {
	s.health.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing marks a service as not serving, e.g. during a cold restart.
func (s *HealthServer) SetNotServing(service string) {
	s.health.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Stop performs a graceful shutdown.
func (s *HealthServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return
	}

	s.health.Shutdown()
	s.server.GracefulStop()
	s.server = nil
}
