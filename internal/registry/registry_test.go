package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/m-hrytsenko/metastate/internal/envelope"
)

type funcHandler func(ctx context.Context, op string, args [][]byte) ([]byte, error)

func (f funcHandler) Invoke(ctx context.Context, op string, args [][]byte) ([]byte, error) {
	return f(ctx, op, args)
}

func TestRegistry_Dispatch_UnknownRequestType(t *testing.T) {
	r := New()
	r.Register(envelope.TypeContainer, funcHandler(func(context.Context, string, [][]byte) ([]byte, error) {
		return []byte("ok"), nil
	}))

	_, err := r.Dispatch(context.Background(), envelope.TypeBlock, "allocateBlock", nil)
	if !errors.Is(err, ErrUnknownRequestType) {
		t.Fatalf("expected ErrUnknownRequestType, got %v", err)
	}
}

func TestRegistry_Dispatch_InvokesHandler(t *testing.T) {
	r := New()
	r.Register(envelope.TypeSequenceID, funcHandler(func(_ context.Context, op string, args [][]byte) ([]byte, error) {
		if op != "current" {
			t.Fatalf("unexpected op %q", op)
		}
		if len(args) != 1 || string(args[0]) != "arg" {
			t.Fatalf("unexpected args %v", args)
		}
		return []byte("42"), nil
	}))

	out, err := r.Dispatch(context.Background(), envelope.TypeSequenceID, "current", [][]byte{[]byte("arg")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "42" {
		t.Fatalf("unexpected result %q", out)
	}
}

func TestRegistry_Dispatch_UnknownOperationPropagated(t *testing.T) {
	r := New()
	r.Register(envelope.TypeUpgrade, funcHandler(func(_ context.Context, op string, _ [][]byte) ([]byte, error) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}))

	_, err := r.Dispatch(context.Background(), envelope.TypeUpgrade, "bogus", nil)
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
	if errors.Is(err, ErrHandlerInvocation) {
		t.Fatalf("routing failure must not be wrapped as invocation failure: %v", err)
	}
}

func TestRegistry_Dispatch_HandlerErrorWrapped(t *testing.T) {
	cause := errors.New("upgrade already finalized")
	r := New()
	r.Register(envelope.TypeUpgrade, funcHandler(func(context.Context, string, [][]byte) ([]byte, error) {
		return nil, cause
	}))

	_, err := r.Dispatch(context.Background(), envelope.TypeUpgrade, "finalize", nil)
	if !errors.Is(err, ErrHandlerInvocation) {
		t.Fatalf("expected ErrHandlerInvocation, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to remain reachable, got %v", err)
	}
}

func TestRegistry_Register_OverwritesByKey(t *testing.T) {
	r := New()
	r.Register(envelope.TypeBlock, funcHandler(func(context.Context, string, [][]byte) ([]byte, error) {
		return []byte("old"), nil
	}))
	r.Register(envelope.TypeBlock, funcHandler(func(context.Context, string, [][]byte) ([]byte, error) {
		return []byte("new"), nil
	}))

	out, err := r.Dispatch(context.Background(), envelope.TypeBlock, "allocateBlock", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "new" {
		t.Fatalf("expected overwritten handler, got %q", out)
	}
}
