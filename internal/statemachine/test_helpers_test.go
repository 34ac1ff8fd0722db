package statemachine

import (
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/m-hrytsenko/metastate/internal/consensus"
	"github.com/m-hrytsenko/metastate/internal/envelope"
	"github.com/m-hrytsenko/metastate/internal/registry"
	"github.com/m-hrytsenko/metastate/internal/snapshot"
	"github.com/m-hrytsenko/metastate/internal/txn"
)

var testTracer = noop.NewTracerProvider().Tracer("test")

func testLogger() *slog.Logger { return slog.Default() }

type testHandler struct {
	reply []byte
	err   error
	calls int
}

func (h *testHandler) Invoke(context.Context, string, [][]byte) ([]byte, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return h.reply, nil
}

type testListener struct {
	events []RoleState
}

func (l *testListener) NotifyStatusChanged(rs RoleState) {
	l.events = append(l.events, rs)
}

func newTestMachine(t *testing.T, store snapshot.Store, handlers map[envelope.RequestType]registry.Handler) *StateMachine {
	t.Helper()

	reg := registry.New()
	for typ, h := range handlers {
		reg.Register(typ, h)
	}
	sm, err := New("node-1", reg, txn.NewBuffer(store, nil), store, slog.Default(), testTracer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sm
}

func newActiveMachine(t *testing.T, store snapshot.Store, handlers map[envelope.RequestType]registry.Handler) *StateMachine {
	t.Helper()

	sm := newTestMachine(t, store, handlers)
	if err := sm.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := sm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sm
}

func opEntry(term, index int64, typ envelope.RequestType, op string, args ...[]byte) consensus.CommittedEntry {
	return consensus.CommittedEntry{
		Term:  term,
		Index: index,
		Payload: envelope.EncodeRequest(envelope.Request{
			Type:      typ,
			Operation: op,
			Args:      args,
		}),
	}
}

func mustApply(t *testing.T, sm *StateMachine, entry consensus.CommittedEntry) []byte {
	t.Helper()

	reply, err := sm.ApplyTransaction(context.Background(), entry).Await(context.Background())
	if err != nil {
		t.Fatalf("apply (%d,%d): %v", entry.Term, entry.Index, err)
	}
	return reply
}
