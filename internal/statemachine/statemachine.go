// Package statemachine implements the replicated state machine core: it
// turns committed log entries into typed operation invocations, tracks the
// applied (term, index) high-water mark, drives snapshot creation, and
// reacts to leadership transitions.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/m-hrytsenko/metastate/internal/consensus"
	"github.com/m-hrytsenko/metastate/internal/envelope"
	"github.com/m-hrytsenko/metastate/internal/registry"
	"github.com/m-hrytsenko/metastate/internal/snapshot"
	"github.com/m-hrytsenko/metastate/internal/txn"
)

//go:generate mockgen -destination=mocks_test.go -package=statemachine github.com/m-hrytsenko/metastate/internal/snapshot Store

// InitState is the lifecycle state of the core. Transitions are one-way:
// Uninitialized -> Initialized (Initialize) -> Active (Start).
type InitState int32

// Lifecycle states.
const (
	StateUninitialized InitState = iota
	StateInitialized
	StateActive
)

// Role of this replica as last reported by the consensus engine.
type Role int

// Replica roles.
const (
	RoleUnknown Role = iota
	RoleFollower
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// RoleState pairs the current role with the term it was assumed in. Mutated
// only by leadership notifications.
type RoleState struct {
	Role Role
	Term int64
}

// ErrNotReady is returned when a transaction arrives before the core has
// been initialized and started.
var ErrNotReady = errors.New("statemachine: not ready")

// ErrNilRegistry is returned when New is called without a handler registry.
var ErrNilRegistry = errors.New("statemachine: nil registry")

// ErrNilBuffer is returned when New is called without a transaction buffer.
var ErrNilBuffer = errors.New("statemachine: nil transaction buffer")

// ErrNilStore is returned when New is called without a snapshot store.
var ErrNilStore = errors.New("statemachine: nil snapshot store")

// ErrNilLogger is returned when New is called without a logger.
var ErrNilLogger = errors.New("statemachine: nil logger")

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// StatusListener is notified after leadership transitions so subsystems can
// start or stop leader-only background work.
type StatusListener interface {
	NotifyStatusChanged(rs RoleState)
}

// StateMachine is the core. Applies are driven serially by the apply loop;
// leadership notifications and snapshot requests arrive from the engine's
// own goroutines and are safe to interleave with ongoing applies.
type StateMachine struct {
	id        string
	registry  *registry.Registry
	buffer    *txn.Buffer
	snapshots snapshot.Store
	logger    Logger
	tracer    oteltrace.Tracer
	metrics   Metrics

	state atomic.Int32

	mu          sync.Mutex
	lastApplied txn.TermIndex
	role        RoleState
	listeners   []StatusListener

	acks *CommitAckTracker
}

// New constructs a state machine. tracer may be nil (tracing disabled);
// metrics may be nil (no-op sinks).
func New(
	id string,
	reg *registry.Registry,
	buffer *txn.Buffer,
	snapshots snapshot.Store,
	logger Logger,
	tracer oteltrace.Tracer,
	metrics Metrics,
) (*StateMachine, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}
	if buffer == nil {
		return nil, ErrNilBuffer
	}
	if snapshots == nil {
		return nil, ErrNilStore
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("statemachine")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &StateMachine{
		id:          id,
		registry:    reg,
		buffer:      buffer,
		snapshots:   snapshots,
		logger:      logger,
		tracer:      tracer,
		metrics:     metrics,
		lastApplied: txn.TermIndex{Term: 0, Index: txn.InvalidLogIndex},
		acks:        NewCommitAckTracker(),
	}, nil
}

// State returns the current lifecycle state.
func (s *StateMachine) State() InitState {
	return InitState(s.state.Load())
}

// Initialize loads the most recent snapshot descriptor and seeds the applied
// position from it, or to (0, InvalidLogIndex) when none exists.
func (s *StateMachine) Initialize(ctx context.Context) error {
	_, span := s.startSpan(ctx, "statemachine.Initialize")
	defer span.End()

	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitialized)) {
		err := fmt.Errorf("statemachine: initialize in state %d", s.State())
		spanRecordError(span, err)
		return err
	}

	d, err := s.snapshots.LoadLatest()
	if err != nil {
		s.state.Store(int32(StateUninitialized))
		spanRecordError(span, err)
		return fmt.Errorf("statemachine: load latest snapshot: %w", err)
	}

	pos := txn.TermIndex{Term: 0, Index: txn.InvalidLogIndex}
	if d != nil {
		pos = txn.TermIndex{Term: d.Term, Index: d.Index}
		s.buffer.RestoreSnapshot(d)
	}

	s.mu.Lock()
	s.lastApplied = pos
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int64("txn.term", pos.Term),
		attribute.Int64("txn.index", pos.Index),
	)
	s.logger.Info("state machine initialized",
		"node_id", s.id,
		"last_applied", pos.String(),
		"from_snapshot", d != nil,
	)
	return nil
}

// RegisterStatusListener adds a leadership-transition listener. Must be
// called before Start, alongside handler registration.
func (s *StateMachine) RegisterStatusListener(l StatusListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start transitions the machine to Active. Handler registration must be
// complete; applies are rejected until Start has run.
func (s *StateMachine) Start() error {
	if !s.state.CompareAndSwap(int32(StateInitialized), int32(StateActive)) {
		return fmt.Errorf("statemachine: start in state %d: %w", s.State(), ErrNotReady)
	}
	s.logger.Info("state machine active", "node_id", s.id)
	return nil
}

// ApplyTransaction decodes and dispatches one committed entry. Invoked once
// per entry, in log order, never concurrently with itself.
//
// The applied position advances to the entry's (term, index) only after a
// successful dispatch; on any failure it is left unchanged and the future
// completes with the error. Decode and routing failures are deterministic
// given identical bytes and registry contents, so every replica observes the
// same outcome.
func (s *StateMachine) ApplyTransaction(ctx context.Context, entry consensus.CommittedEntry) *ApplyFuture {
	f := newApplyFuture()

	ctx, span := s.startSpan(ctx, "statemachine.ApplyTransaction",
		attribute.Int64("txn.term", entry.Term),
		attribute.Int64("txn.index", entry.Index),
		attribute.Int("txn.payload.bytes", len(entry.Payload)),
	)
	defer span.End()
	start := time.Now()

	if s.State() != StateActive {
		spanRecordError(span, ErrNotReady)
		s.metrics.IncApplied(s.id, "not_ready")
		f.complete(nil, ErrNotReady)
		return f
	}

	req, err := envelope.DecodeRequest(entry.Payload)
	if err != nil {
		spanRecordError(span, err)
		s.metrics.IncApplied(s.id, "decode_error")
		s.metrics.ObserveApplyDuration(s.id, "decode_error", time.Since(start))
		s.logger.Error("failed to decode committed entry",
			"node_id", s.id,
			"term", entry.Term,
			"index", entry.Index,
			"error", err,
		)
		f.complete(nil, err)
		return f
	}
	span.SetAttributes(
		attribute.String("txn.request.type", req.Type.String()),
		attribute.String("txn.request.operation", req.Operation),
	)

	out, err := s.registry.Dispatch(ctx, req.Type, req.Operation, req.Args)
	if err != nil {
		spanRecordError(span, err)
		result := dispatchResult(err)
		s.metrics.IncApplied(s.id, result)
		s.metrics.ObserveApplyDuration(s.id, result, time.Since(start))
		s.logger.Error("transaction failed",
			"node_id", s.id,
			"term", entry.Term,
			"index", entry.Index,
			"type", req.Type.String(),
			"operation", req.Operation,
			"error", err,
		)
		f.complete(nil, err)
		return f
	}

	reply := envelope.EncodeResponse(envelope.Response{OK: true, Payload: out})
	s.advance(txn.TermIndex{Term: entry.Term, Index: entry.Index})

	s.metrics.IncApplied(s.id, "ok")
	s.metrics.ObserveApplyDuration(s.id, "ok", time.Since(start))
	s.logger.Debug("transaction applied",
		"node_id", s.id,
		"term", entry.Term,
		"index", entry.Index,
		"type", req.Type.String(),
		"operation", req.Operation,
	)
	f.complete(reply, nil)
	return f
}

// NotifyTermIndexUpdated advances the applied position for entries that
// carry no operation payload (configuration or ordering markers). The
// advance is unconditional: the engine gates leader activation on the state
// machine having caught up to such entries.
func (s *StateMachine) NotifyTermIndexUpdated(term, index int64) {
	if s.State() == StateUninitialized {
		return
	}
	s.advance(txn.TermIndex{Term: term, Index: index})
	s.metrics.IncApplied(s.id, "marker")
}

func (s *StateMachine) advance(ti txn.TermIndex) {
	s.mu.Lock()
	if ti.Compare(s.lastApplied) > 0 {
		s.lastApplied = ti
	}
	s.mu.Unlock()
	s.buffer.Update(ti)
	s.metrics.SetLastAppliedIndex(s.id, ti.Index)
}

// LastApplied returns the in-memory applied position.
func (s *StateMachine) LastApplied() txn.TermIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApplied
}

// LatestSnapshot returns the descriptor of the most recent successful
// snapshot, or nil. Nil before initialization completes.
func (s *StateMachine) LatestSnapshot() *snapshot.Descriptor {
	if s.State() == StateUninitialized {
		return nil
	}
	return s.buffer.LatestSnapshot()
}

// TakeSnapshot records a snapshot of the applied state and flushes buffered
// mutations so the snapshot is consistent with what is externally
// observable. Returns the index reflected by the snapshot, which never
// decreases between successive successful calls.
func (s *StateMachine) TakeSnapshot(ctx context.Context) (int64, error) {
	ctx, span := s.startSpan(ctx, "statemachine.TakeSnapshot")
	defer span.End()
	start := time.Now()

	if s.State() == StateUninitialized {
		spanRecordError(span, ErrNotReady)
		return txn.InvalidLogIndex, ErrNotReady
	}

	s.mu.Lock()
	last := s.lastApplied
	s.mu.Unlock()

	// If the durable position lags the in-memory applied position, advance
	// it; otherwise the durable position wins, so successive snapshot
	// indexes never decrease.
	if s.buffer.Latest().Compare(last) < 0 {
		s.buffer.Update(last)
	}
	durable := s.buffer.Latest()
	snapshotIndex := durable.Index

	if ls := s.buffer.LatestSnapshot(); ls == nil ||
		(txn.TermIndex{Term: ls.Term, Index: ls.Index}).Compare(durable) < 0 {
		s.buffer.MarkSnapshot(durable)
	}

	if err := s.buffer.Flush(ctx); err != nil {
		spanRecordError(span, err)
		s.metrics.IncSnapshot(s.id, "error")
		s.logger.Warn("snapshot attempt abandoned",
			"node_id", s.id,
			"index", snapshotIndex,
			"error", err,
		)
		return txn.InvalidLogIndex, err
	}

	span.SetAttributes(attribute.Int64("txn.snapshot.index", snapshotIndex))
	s.metrics.IncSnapshot(s.id, "ok")
	s.metrics.ObserveSnapshotDuration(s.id, time.Since(start))
	s.logger.Info("snapshot taken",
		"node_id", s.id,
		"index", snapshotIndex,
		"took", time.Since(start),
	)
	return snapshotIndex, nil
}

// NotifyLeaderChanged records the outcome of a leader election. When this
// replica is not the new leader the call is role bookkeeping only. When it
// becomes leader, leader-only auxiliary tracking inherited from a previous
// term is cleared: stale per-term acknowledgements must never be read as
// current-term progress.
func (s *StateMachine) NotifyLeaderChanged(term int64, leaderID string) {
	if s.State() == StateUninitialized {
		return
	}

	if leaderID != s.id {
		s.mu.Lock()
		s.role = RoleState{Role: RoleFollower, Term: term}
		s.mu.Unlock()
		s.metrics.SetIsLeader(s.id, false)
		s.logger.Info("leader changed, remaining follower",
			"node_id", s.id,
			"leader_id", leaderID,
			"term", term,
		)
		return
	}

	s.mu.Lock()
	s.role = RoleState{Role: RoleLeader, Term: term}
	listeners := append([]StatusListener(nil), s.listeners...)
	s.mu.Unlock()

	s.acks.Clear()
	s.metrics.SetIsLeader(s.id, true)
	s.logger.Info("became leader",
		"node_id", s.id,
		"term", term,
	)
	s.notifyStatusChanged(listeners, RoleState{Role: RoleLeader, Term: term})
}

// NotifyNotLeader records that this replica stepped down. No-op before
// initialization completes, guarding against callbacks that arrive early.
func (s *StateMachine) NotifyNotLeader() {
	if s.State() == StateUninitialized {
		return
	}

	s.mu.Lock()
	rs := RoleState{Role: RoleFollower, Term: s.role.Term}
	s.role = rs
	listeners := append([]StatusListener(nil), s.listeners...)
	s.mu.Unlock()

	s.metrics.SetIsLeader(s.id, false)
	s.logger.Info("stepped down from leadership", "node_id", s.id, "term", rs.Term)
	s.notifyStatusChanged(listeners, rs)
}

// Role returns the current role state.
func (s *StateMachine) Role() RoleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Acks exposes the leader-only commit-acknowledgement tracker.
func (s *StateMachine) Acks() *CommitAckTracker {
	return s.acks
}

func (s *StateMachine) notifyStatusChanged(listeners []StatusListener, rs RoleState) {
	for _, l := range listeners {
		l.NotifyStatusChanged(rs)
	}
}

func dispatchResult(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownRequestType):
		return "unknown_request_type"
	case errors.Is(err, registry.ErrUnknownOperation):
		return "unknown_operation"
	default:
		return "handler_error"
	}
}
