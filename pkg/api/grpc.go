package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EngineService is the health service name that follows Raft leadership
const EngineService = "topofabric.Engine"

// GRPCServer serves the standard gRPC health protocol. The overall status is
// SERVING while the process runs; EngineService is SERVING only while this
// node leads the cluster and can accept commands.
type GRPCServer struct {
	manager *manager.Manager
	server  *grpc.Server
	health  *health.Server

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewGRPCServer creates the gRPC server. mgr may be nil.
func NewGRPCServer(mgr *manager.Manager) *GRPCServer {
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(EngineService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		manager: mgr,
		server:  server,
		health:  hs,
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("grpc"),
	}
}

// Start serves on addr until Stop is called
func (g *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return g.Serve(lis)
}

// Serve serves on an existing listener
func (g *GRPCServer) Serve(lis net.Listener) error {
	go g.watchLeadership(time.Second)
	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	return g.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (g *GRPCServer) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.health.Shutdown()
	g.server.GracefulStop()
}

// UpdateStatus sets EngineService from the manager's leadership
func (g *GRPCServer) UpdateStatus() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if g.manager != nil && g.manager.IsLeader() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(EngineService, st)
}

func (g *GRPCServer) watchLeadership(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.UpdateStatus()
	for {
		select {
		case <-ticker.C:
			g.UpdateStatus()
		case <-g.stopCh:
			return
		}
	}
}
