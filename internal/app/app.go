// Package app wires the consensus engine, state machine, and operational
// surfaces together into a runnable node process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/m-hrytsenko/metastate/internal/consensus"
	"github.com/m-hrytsenko/metastate/internal/service"
	"github.com/m-hrytsenko/metastate/internal/statemachine"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App runs one replica: the engine feeding the applier, the applier driving
// the state machine, plus the health gRPC, metrics, and pprof surfaces.
// All dependencies are injected; App does not construct subsystems.
type App struct {
	config  Config
	logger  Logger
	engine  consensus.Engine
	sm      *statemachine.StateMachine
	applier *service.Applier
}

// New validates dependencies and constructs a runnable application.
func New(
	cfg Config,
	logger Logger,
	engine consensus.Engine,
	sm *statemachine.StateMachine,
	applier *service.Applier,
) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if engine == nil {
		return nil, fmt.Errorf("app: nil engine")
	}
	if sm == nil {
		return nil, fmt.Errorf("app: nil state machine")
	}
	if applier == nil {
		return nil, fmt.Errorf("app: nil applier")
	}
	return &App{
		config:  cfg,
		logger:  logger,
		engine:  engine,
		sm:      sm,
		applier: applier,
	}, nil
}

// Stop stops the underlying consensus engine.
func (a *App) Stop() {
	a.engine.Stop()
}

// Run initializes the state machine, starts the engine and all servers, and
// blocks until shutdown or fatal error. Handler registration must be
// complete before Run is called.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if err := a.sm.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize state machine: %w", err)
	}
	if err := a.sm.Start(); err != nil {
		return fmt.Errorf("start state machine: %w", err)
	}

	lis, err := net.Listen("tcp", a.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", a.config.GRPCAddr, err)
	}
	defer func() { _ = lis.Close() }()

	a.engine.Run(ctx)

	a.logger.Info(
		"node started",
		"node_id", a.config.NodeID,
		"engine_type", a.config.EngineType,
		"grpc_addr", a.config.GRPCAddr,
		"last_applied", a.sm.LastApplied().String(),
	)

	return a.serve(ctx, lis)
}

// serve registers gRPC services, starts goroutines, and blocks until ctx is
// canceled or a fatal error occurs.
func (a *App) serve(ctx context.Context, lis net.Listener) error {
	server := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	reflection.Register(server)

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		if metricsLis != nil {
			_ = metricsLis.Close()
		}
		return err
	}

	errCh := make(chan error, 4)

	go func() {
		if err := a.applier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("apply loop: %w", err)
		}
	}()
	go func() {
		if err := server.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	if metricsSrv != nil {
		a.logger.Info("metrics server listening", "addr", metricsLis.Addr().String())
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}
	if pprofSrv != nil {
		a.logger.Info("pprof server listening", "addr", pprofLis.Addr().String())
		go func() {
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("pprof serve: %w", err)
			}
		}()
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	select {
	case <-ctx.Done():
		healthSrv.Shutdown()
		server.GracefulStop()
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
		return nil
	case err := <-errCh:
		server.Stop()
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
		return err
	}
}
