// Package registry routes decoded requests to the subsystem handlers that
// execute them. The registry is populated once during startup, before the
// state machine accepts applies, and is read-only afterwards.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-hrytsenko/metastate/internal/envelope"
)

// ErrUnknownRequestType is returned when no handler is registered for a
// request's type.
var ErrUnknownRequestType = errors.New("registry: unknown request type")

// ErrUnknownOperation is returned by handlers when they have no operation
// matching the requested name and argument shape. Handlers must wrap it so
// dispatch failures stay deterministic across replicas.
var ErrUnknownOperation = errors.New("registry: unknown operation")

// ErrHandlerInvocation wraps an error reported by a handler's own execution.
// The cause remains reachable through errors.Is / errors.As.
var ErrHandlerInvocation = errors.New("registry: handler invocation failed")

// Handler executes named operations with positional arguments on behalf of
// one subsystem. Implementations select the operation by name internally;
// there is no reflective method lookup.
type Handler interface {
	Invoke(ctx context.Context, op string, args [][]byte) ([]byte, error)
}

// Registry maps request types to handlers. Register must complete before the
// first Dispatch; it is not safe to call them concurrently.
type Registry struct {
	handlers map[envelope.RequestType]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[envelope.RequestType]Handler)}
}

// Register stores the handler for a request type, overwriting any previous
// registration for the same type.
func (r *Registry) Register(t envelope.RequestType, h Handler) {
	r.handlers[t] = h
}

// Dispatch looks up the handler for t and invokes op with args.
//
// Failure modes: ErrUnknownRequestType when no handler is registered,
// ErrUnknownOperation when the handler has no matching operation, and
// ErrHandlerInvocation wrapping whatever the handler reported otherwise.
// Dispatch never retries; retry policy belongs to the caller.
func (r *Registry) Dispatch(ctx context.Context, t envelope.RequestType, op string, args [][]byte) ([]byte, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s", ErrUnknownRequestType, t)
	}

	out, err := h.Invoke(ctx, op, args)
	if err != nil {
		if errors.Is(err, ErrUnknownOperation) {
			return nil, err
		}
		return nil, fmt.Errorf("%s.%s: %w", t, op, errors.Join(ErrHandlerInvocation, err))
	}
	return out, nil
}
