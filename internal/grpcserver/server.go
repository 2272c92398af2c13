// Package grpcserver serves the gRPC health protocol for photovaultd.
//
// Probes (database, object storage, lock backend) decide whether the process
// reports SERVING so that load balancers can drain an instance that lost a dependency.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "photovault.v1.PhotoVault"

const (
	defaultProbeTimeout  = 3 * time.Second
	defaultProbeInterval = 15 * time.Second
)

// Probe reports whether a dependency is usable.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wraps a grpc.Server carrying the health service.
type Server struct {
	grpcServer   *grpc.Server
	health       *health.Server
	probes       []Probe
	logger       *zap.Logger
	probeTimeout time.Duration
	mutex        sync.Mutex
	serving      bool
}

// New builds a Server with recovery and logging interceptors.
func New(logger *zap.Logger, probes ...Probe) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		health:       health.NewServer(),
		probes:       probes,
		logger:       logger,
		probeTimeout: defaultProbeTimeout,
	}
	server.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(server.unaryInterceptor()))
	healthpb.RegisterHealthServer(server.grpcServer, server.health)
	server.setServing(false)
	return server
}

// Refresh runs every probe and publishes the combined status.
func (server *Server) Refresh(ctx context.Context) error {
	var failures []error
	for _, probe := range server.probes {
		if probe.Check == nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, server.probeTimeout)
		err := probe.Check(probeCtx)
		cancel()
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", probe.Name, err))
		}
	}
	err := errors.Join(failures...)
	server.setServing(err == nil)
	return err
}

// Watch refreshes the status every interval until ctx ends.
func (server *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := server.Refresh(ctx); err != nil && ctx.Err() == nil {
			server.logger.Warn("health probe failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve accepts connections on listener until ctx ends, then stops gracefully.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go server.Watch(watchCtx, defaultProbeInterval)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("grpc health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.health.Shutdown()
		server.grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

// Stop terminates all connections immediately.
func (server *Server) Stop() {
	server.grpcServer.Stop()
}

func (server *Server) setServing(serving bool) {
	server.mutex.Lock()
	changed := server.serving != serving
	server.serving = serving
	server.mutex.Unlock()

	statusValue := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		statusValue = healthpb.HealthCheckResponse_SERVING
	}
	server.health.SetServingStatus("", statusValue)
	server.health.SetServingStatus(ServiceName, statusValue)
	if changed {
		server.logger.Info("health status changed", zap.String("status", statusValue.String()))
	}
}

func (server *Server) unaryInterceptor() grpc.UnaryServerInterceptor {
	return grpc_middleware.ChainUnaryServer(
		grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(server.recoverPanic)),
		server.logUnary,
	)
}

func (server *Server) recoverPanic(recovered any) error {
	server.logger.Error("recovered from panic in grpc handler", zap.Any("panic", recovered))
	return status.Errorf(codes.Internal, "internal server error")
}

func (server *Server) logUnary(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	response, err := handler(ctx, request)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.String("code", status.Code(err).String()),
	}
	// Health polling is frequent; only failures are worth an info line.
	if err != nil || !strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
		server.logger.Info("grpc request completed", append(fields, zap.Error(err))...)
	}
	return response, err
}
