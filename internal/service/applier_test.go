package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/m-hrytsenko/metastate/internal/consensus"
	"github.com/m-hrytsenko/metastate/internal/envelope"
	"github.com/m-hrytsenko/metastate/internal/registry"
	"github.com/m-hrytsenko/metastate/internal/snapshot"
	"github.com/m-hrytsenko/metastate/internal/statemachine"
	"github.com/m-hrytsenko/metastate/internal/txn"
)

type fakeEngine struct {
	applyCh      chan consensus.ApplyMsg
	leadershipCh chan consensus.LeadershipEvent
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		applyCh:      make(chan consensus.ApplyMsg, 16),
		leadershipCh: make(chan consensus.LeadershipEvent, 16),
	}
}

func (e *fakeEngine) Run(context.Context)                            {}
func (e *fakeEngine) ApplyCh() <-chan consensus.ApplyMsg             { return e.applyCh }
func (e *fakeEngine) LeadershipCh() <-chan consensus.LeadershipEvent { return e.leadershipCh }
func (e *fakeEngine) IsLeader() bool                                 { return false }
func (e *fakeEngine) Stop()                                          {}

type okHandler struct{}

func (okHandler) Invoke(context.Context, string, [][]byte) ([]byte, error) {
	return []byte("applied"), nil
}

func newTestApplier(t *testing.T, store snapshot.Store) (*Applier, *fakeEngine, *statemachine.StateMachine) {
	t.Helper()

	reg := registry.New()
	reg.Register(envelope.TypeBlock, okHandler{})
	sm, err := statemachine.New("node-1", reg, txn.NewBuffer(store, nil), store, slog.Default(), nil, nil)
	if err != nil {
		t.Fatalf("statemachine.New: %v", err)
	}
	if err := sm.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := sm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	engine := newFakeEngine()
	return NewApplier(engine, sm, slog.Default(), nil), engine, sm
}

func blockMsg(term, index int64, replyCh chan consensus.ApplyReply) consensus.ApplyMsg {
	return consensus.ApplyMsg{
		Term:  term,
		Index: index,
		Payload: envelope.EncodeRequest(envelope.Request{
			Type:      envelope.TypeBlock,
			Operation: "allocateBlock",
		}),
		ReplyCh: replyCh,
	}
}

func awaitReply(t *testing.T, ch chan consensus.ApplyReply) consensus.ApplyReply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for apply reply")
		return consensus.ApplyReply{}
	}
}

func TestApplier_AppliesEntriesInOrder(t *testing.T) {
	applier, engine, sm := newTestApplier(t, snapshot.NewInMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = applier.Run(ctx)
	}()

	replyCh := make(chan consensus.ApplyReply, 1)
	for index := int64(1); index <= 3; index++ {
		engine.applyCh <- blockMsg(1, index, replyCh)
		r := awaitReply(t, replyCh)
		if r.Err != nil {
			t.Fatalf("apply %d failed: %v", index, r.Err)
		}
		resp, err := envelope.DecodeResponse(r.Payload)
		if err != nil || !resp.OK {
			t.Fatalf("bad reply for %d: %v %+v", index, err, resp)
		}
	}

	if got := sm.LastApplied(); got != (txn.TermIndex{Term: 1, Index: 3}) {
		t.Fatalf("expected (1,3), got %v", got)
	}

	cancel()
	<-done
}

func TestApplier_MarkerAdvancesPosition(t *testing.T) {
	applier, engine, sm := newTestApplier(t, snapshot.NewInMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = applier.Run(ctx) }()

	replyCh := make(chan consensus.ApplyReply, 1)
	engine.applyCh <- consensus.ApplyMsg{Term: 2, Index: 7, Marker: true, ReplyCh: replyCh}
	if r := awaitReply(t, replyCh); r.Err != nil {
		t.Fatalf("marker apply failed: %v", r.Err)
	}

	if got := sm.LastApplied(); got != (txn.TermIndex{Term: 2, Index: 7}) {
		t.Fatalf("expected (2,7), got %v", got)
	}
}

func TestApplier_FailedTransactionReportedAndLoopContinues(t *testing.T) {
	applier, engine, sm := newTestApplier(t, snapshot.NewInMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = applier.Run(ctx) }()

	replyCh := make(chan consensus.ApplyReply, 1)

	// No handler registered for pipeline requests.
	engine.applyCh <- consensus.ApplyMsg{
		Term:  1,
		Index: 1,
		Payload: envelope.EncodeRequest(envelope.Request{
			Type:      envelope.TypePipeline,
			Operation: "closePipeline",
		}),
		ReplyCh: replyCh,
	}
	r := awaitReply(t, replyCh)
	if !errors.Is(r.Err, registry.ErrUnknownRequestType) {
		t.Fatalf("expected ErrUnknownRequestType, got %v", r.Err)
	}

	// The loop keeps applying subsequent entries.
	engine.applyCh <- blockMsg(1, 2, replyCh)
	if r := awaitReply(t, replyCh); r.Err != nil {
		t.Fatalf("apply after failure: %v", r.Err)
	}
	if got := sm.LastApplied(); got != (txn.TermIndex{Term: 1, Index: 2}) {
		t.Fatalf("expected (1,2), got %v", got)
	}
}

func TestApplier_SnapshotEveryTriggersSnapshot(t *testing.T) {
	store := snapshot.NewInMemoryStore()
	applier, engine, _ := newTestApplier(t, store)
	applier.SnapshotEvery = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = applier.Run(ctx) }()

	replyCh := make(chan consensus.ApplyReply, 1)
	for index := int64(1); index <= 3; index++ {
		engine.applyCh <- blockMsg(4, index, replyCh)
		if r := awaitReply(t, replyCh); r.Err != nil {
			t.Fatalf("apply %d: %v", index, r.Err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		d, err := store.LoadLatest()
		if err != nil {
			t.Fatalf("LoadLatest: %v", err)
		}
		if d != nil {
			if d.Term != 4 || d.Index != 3 {
				t.Fatalf("expected descriptor (4,3), got (%d,%d)", d.Term, d.Index)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no snapshot persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApplier_LeadershipEventsRouted(t *testing.T) {
	applier, engine, sm := newTestApplier(t, snapshot.NewInMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = applier.Run(ctx) }()

	engine.leadershipCh <- consensus.LeadershipEvent{Term: 9, LeaderID: "node-1"}

	deadline := time.Now().Add(5 * time.Second)
	for sm.Role() != (statemachine.RoleState{Role: statemachine.RoleLeader, Term: 9}) {
		if time.Now().After(deadline) {
			t.Fatalf("leadership event not applied, role=%+v", sm.Role())
		}
		time.Sleep(5 * time.Millisecond)
	}

	engine.leadershipCh <- consensus.LeadershipEvent{Term: 9, Lost: true}
	deadline = time.Now().Add(5 * time.Second)
	for sm.Role().Role != statemachine.RoleFollower {
		if time.Now().After(deadline) {
			t.Fatalf("step-down event not applied, role=%+v", sm.Role())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
