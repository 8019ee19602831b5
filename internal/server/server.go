package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/PaulBabatuyi/FileFlow/internal/middleware"
	"github.com/PaulBabatuyi/FileFlow/internal/observability"
)

// ReadinessCheck is one dependency the health service waits on.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Config struct {
	APIKeys       []string
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// AdminServer is the gRPC admin surface. The health service starts NOT_SERVING and
// flips to SERVING once every readiness check passes.
type AdminServer struct {
	cfg    Config
	grpc   *grpc.Server
	health *health.Server
	checks []ReadinessCheck
	logger *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAdminServer(cfg Config, logger *zap.Logger, metrics *observability.MetricsCollector, tp *sdktrace.TracerProvider, checks ...ReadinessCheck) *AdminServer {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 500 * time.Millisecond
	}

	auth := middleware.NewAPIKeyAuth(cfg.APIKeys, healthpb.Health_ServiceDesc.ServiceName)
	unary := []grpc.UnaryServerInterceptor{
		middleware.UnaryRecoveryInterceptor(logger),
		middleware.UnaryLoggingInterceptor(logger),
	}
	stream := []grpc.StreamServerInterceptor{
		middleware.StreamLoggingInterceptor(logger),
	}
	if metrics != nil {
		sm := metrics.GetServerMetrics()
		unary = append([]grpc.UnaryServerInterceptor{sm.UnaryServerInterceptor()}, unary...)
		stream = append([]grpc.StreamServerInterceptor{sm.StreamServerInterceptor()}, stream...)
	}
	unary = append(unary, auth.Unary())
	stream = append(stream, auth.Stream())

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if tp != nil {
		opts = append(opts, grpc.StatsHandler(observability.GRPCStatsHandler(tp)))
	}

	s := &AdminServer{
		cfg:    cfg,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		checks: checks,
		logger: logger,
		done:   make(chan struct{}),
	}

	// start pessimistic
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	if metrics != nil {
		metrics.GetServerMetrics().InitializeMetrics(s.grpc)
	}
	return s
}

// CheckNow runs every readiness check once and publishes the result.
func (s *AdminServer) CheckNow(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for _, c := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	s.health.SetServingStatus("", status)
	return status
}

func (s *AdminServer) watch(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckNow(ctx)
		}
	}
}

// Serve blocks serving lis until Stop. Readiness is evaluated once before accepting
// connections and then re-evaluated in the background.
func (s *AdminServer) Serve(ctx context.Context, lis net.Listener) error {
	s.CheckNow(ctx)
	s.wg.Add(1)
	go s.watch(ctx)

	s.logger.Info("admin gRPC server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks the server NOT_SERVING and drains in-flight RPCs until ctx is done.
func (s *AdminServer) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.done)
		s.health.Shutdown()

		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpc.Stop()
		}
		s.wg.Wait()
	})
}
