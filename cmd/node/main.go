// Package main implements the node process that runs the replicated
// metadata state machine over the local consensus engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.opentelemetry.io/otel"

	apppkg "github.com/m-hrytsenko/metastate/internal/app"
	"github.com/m-hrytsenko/metastate/internal/consensus/local"
	"github.com/m-hrytsenko/metastate/internal/envelope"
	obsmetrics "github.com/m-hrytsenko/metastate/internal/observability/metrics"
	"github.com/m-hrytsenko/metastate/internal/registry"
	"github.com/m-hrytsenko/metastate/internal/sequence"
	"github.com/m-hrytsenko/metastate/internal/service"
	"github.com/m-hrytsenko/metastate/internal/snapshot"
	"github.com/m-hrytsenko/metastate/internal/statemachine"
	"github.com/m-hrytsenko/metastate/internal/txn"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "optional config file path")
	flag.Parse()

	cfg, err := apppkg.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	snapshotDir := filepath.Join(cfg.DataDir, "snapshots")
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	store := snapshot.NewFileStore(snapshotDir)

	buffer := txn.NewBuffer(store, nil)
	allocator, err := sequence.NewAllocator(cfg.DataDir, buffer, logger)
	if err != nil {
		return err
	}
	buffer.BindSource(allocator)

	reg := registry.New()
	reg.Register(envelope.TypeSequenceID, allocator)

	prom, err := obsmetrics.NewPrometheus(nil)
	if err != nil {
		return err
	}

	tracer := otel.Tracer("metastate")
	sm, err := statemachine.New(cfg.NodeID, reg, buffer, store, logger, tracer, prom)
	if err != nil {
		return err
	}

	engine := local.NewEngine(cfg.NodeID, logger)
	applier := service.NewApplier(engine, sm, logger, tracer)
	applier.SnapshotEvery = cfg.SnapshotEvery

	app, err := apppkg.New(cfg, logger, engine, sm, applier)
	if err != nil {
		engine.Stop()
		return err
	}
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
