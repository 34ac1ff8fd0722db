package statemachine

import "context"

// ApplyFuture is the deferred result of one ApplyTransaction. The engine
// awaits it without blocking the apply loop. There is no cancellation: once
// an apply has begun, partial application is not a valid state.
type ApplyFuture struct {
	done  chan struct{}
	reply []byte
	err   error
}

func newApplyFuture() *ApplyFuture {
	return &ApplyFuture{done: make(chan struct{})}
}

func (f *ApplyFuture) complete(reply []byte, err error) {
	f.reply = reply
	f.err = err
	close(f.done)
}

// Done is closed when the result is available.
func (f *ApplyFuture) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is available or ctx is canceled. Awaiting
// does not stop the apply itself.
func (f *ApplyFuture) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.reply, f.err
	}
}
