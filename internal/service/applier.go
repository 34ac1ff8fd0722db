// Package service bridges the consensus engine and the replicated state
// machine core. The Applier is the dedicated single-threaded execution
// context that applies committed entries in commit order.
package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/m-hrytsenko/metastate/internal/consensus"
	"github.com/m-hrytsenko/metastate/internal/statemachine"
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Applier consumes the engine's apply and leadership feeds and drives the
// state machine. One Applier per replica; Run must not be called twice.
type Applier struct {
	engine consensus.Engine
	sm     *statemachine.StateMachine
	logger Logger
	tracer oteltrace.Tracer

	// SnapshotEvery triggers a snapshot after this many successfully applied
	// operation entries. Zero disables automatic snapshots.
	SnapshotEvery uint64

	appliedSinceSnap uint64
}

// NewApplier creates an applier. tracer may be nil.
func NewApplier(engine consensus.Engine, sm *statemachine.StateMachine, logger Logger, tracer oteltrace.Tracer) *Applier {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("service")
	}
	return &Applier{
		engine: engine,
		sm:     sm,
		logger: logger,
		tracer: tracer,
	}
}

// Run applies engine messages until ctx is canceled or the apply channel
// closes. Failed transactions are reported back to the engine and logged;
// they do not stop log application — the consensus layer above decides what
// a deterministic failure means.
func (a *Applier) Run(ctx context.Context) error {
	applyCh := a.engine.ApplyCh()
	leadershipCh := a.engine.LeadershipCh()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-leadershipCh:
			if !ok {
				leadershipCh = nil
				continue
			}
			a.handleLeadership(ev)
		case msg, ok := <-applyCh:
			if !ok {
				return nil
			}
			a.handleApply(ctx, msg)
		}
	}
}

func (a *Applier) handleLeadership(ev consensus.LeadershipEvent) {
	if ev.Lost || ev.LeaderID == "" {
		a.sm.NotifyNotLeader()
		return
	}
	a.sm.NotifyLeaderChanged(ev.Term, ev.LeaderID)
}

func (a *Applier) handleApply(ctx context.Context, msg consensus.ApplyMsg) {
	if msg.Marker {
		a.sm.NotifyTermIndexUpdated(msg.Term, msg.Index)
		a.reply(ctx, msg, consensus.ApplyReply{})
		return
	}

	ctx, span := a.tracer.Start(ctx, "service.applier.handleApply",
		oteltrace.WithAttributes(
			attribute.Int64("txn.term", msg.Term),
			attribute.Int64("txn.index", msg.Index),
			attribute.Int("txn.payload.bytes", len(msg.Payload)),
		))
	defer span.End()

	future := a.sm.ApplyTransaction(ctx, consensus.CommittedEntry{
		Term:    msg.Term,
		Index:   msg.Index,
		Payload: msg.Payload,
	})
	payload, err := future.Await(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	a.reply(ctx, msg, consensus.ApplyReply{Payload: payload, Err: err})
	if err != nil {
		return
	}

	a.appliedSinceSnap++
	if a.SnapshotEvery > 0 && a.appliedSinceSnap >= a.SnapshotEvery {
		a.maybeSnapshot(ctx)
	}
}

// maybeSnapshot is best-effort: a failed attempt is retried once the next
// batch of applies accumulates.
func (a *Applier) maybeSnapshot(ctx context.Context) {
	start := time.Now()
	index, err := a.sm.TakeSnapshot(ctx)
	if err != nil {
		a.logger.Warn("automatic snapshot failed",
			"applied_since_snap", a.appliedSinceSnap,
			"error", err,
		)
		return
	}
	a.appliedSinceSnap = 0
	a.logger.Debug("automatic snapshot taken",
		"index", index,
		"took", time.Since(start),
	)
}

func (a *Applier) reply(ctx context.Context, msg consensus.ApplyMsg, r consensus.ApplyReply) {
	if msg.ReplyCh == nil {
		return
	}
	select {
	case msg.ReplyCh <- r:
	case <-ctx.Done():
	}
}
