// Package health serves the standard gRPC health protocol with one service
// entry per camera session.
package health

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/session"
)

// ServicePrefix prefixes camera IDs in health service names.
const ServicePrefix = "harbourwatch.camera/"

// ServiceName returns the health service name of a camera.
func ServiceName(cameraID string) string { return ServicePrefix + cameraID }

// Server is a gRPC server carrying only the health service.
type Server struct {
	addr     string
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string) *Server {
	return &Server{addr: addr, health: health.NewServer()}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[gRPC] health service listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[gRPC] health server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.health.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	monitoring.Logf("[gRPC] health server stopped")
}

// SetCamera sets the serving status of one camera.
func (s *Server) SetCamera(cameraID string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName(cameraID), status)
}

// Observer keeps camera entries in step with the bridge. A camera whose
// target is in pose recovery is reported NOT_SERVING until it reacquires.
func (s *Server) Observer() session.Observer {
	return session.ObserverFuncs{
		Started: func(cameraID, _ string) { s.SetCamera(cameraID, true) },
		Stopped: func(cameraID string) { s.SetCamera(cameraID, false) },
		Recovery: func(cameraID string, state ptz.RecoveryState) {
			s.SetCamera(cameraID, state != ptz.RecoveryRecovering)
		},
	}
}
