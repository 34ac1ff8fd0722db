// Package local implements a single-replica consensus engine for local
// development and tests. There is no election and no replication: the
// replica is always leader, and every proposal commits immediately in
// submission order.
package local

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/m-hrytsenko/metastate/internal/consensus"
)

// ErrStopped is returned by Propose after the engine has shut down.
var ErrStopped = errors.New("local: engine stopped")

const applyBacklog = 256

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type proposal struct {
	payload []byte
	replyCh chan consensus.ApplyReply
}

// Engine is the single-node consensus.Engine. The run loop owns term and
// index assignment; Propose may be called from any goroutine.
type Engine struct {
	id     string
	logger Logger

	applyCh      chan consensus.ApplyMsg
	leadershipCh chan consensus.LeadershipEvent
	proposals    chan proposal

	leader   atomic.Bool
	runOnce  sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEngine creates a stopped engine for the given replica id.
func NewEngine(id string, logger Logger) *Engine {
	return &Engine{
		id:           id,
		logger:       logger,
		applyCh:      make(chan consensus.ApplyMsg, applyBacklog),
		leadershipCh: make(chan consensus.LeadershipEvent, 1),
		proposals:    make(chan proposal),
		stopCh:       make(chan struct{}),
	}
}

// Run starts the commit loop. Calling Run more than once has no effect.
func (e *Engine) Run(ctx context.Context) {
	e.runOnce.Do(func() { go e.loop(ctx) })
}

// ApplyCh implements consensus.Engine. The channel closes on shutdown.
func (e *Engine) ApplyCh() <-chan consensus.ApplyMsg {
	return e.applyCh
}

// LeadershipCh implements consensus.Engine.
func (e *Engine) LeadershipCh() <-chan consensus.LeadershipEvent {
	return e.leadershipCh
}

// IsLeader implements consensus.Engine. True for the whole lifetime of the
// run loop.
func (e *Engine) IsLeader() bool {
	return e.leader.Load()
}

// Stop shuts the engine down. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Propose submits a payload to the log and waits for the apply outcome.
func (e *Engine) Propose(ctx context.Context, payload []byte) (consensus.ApplyReply, error) {
	replyCh := make(chan consensus.ApplyReply, 1)
	select {
	case e.proposals <- proposal{payload: payload, replyCh: replyCh}:
	case <-e.stopCh:
		return consensus.ApplyReply{}, ErrStopped
	case <-ctx.Done():
		return consensus.ApplyReply{}, ctx.Err()
	}

	select {
	case r := <-replyCh:
		return r, nil
	case <-e.stopCh:
		return consensus.ApplyReply{}, ErrStopped
	case <-ctx.Done():
		return consensus.ApplyReply{}, ctx.Err()
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.applyCh)

	const term int64 = 1
	index := int64(0)

	e.leader.Store(true)
	defer e.leader.Store(false)

	select {
	case e.leadershipCh <- consensus.LeadershipEvent{Term: term, LeaderID: e.id}:
	case <-e.stopCh:
		return
	case <-ctx.Done():
		return
	}

	// A leader opens its term with a marker entry, so the applied position
	// advances even before the first proposal.
	select {
	case e.applyCh <- consensus.ApplyMsg{Term: term, Index: index, Marker: true}:
	case <-e.stopCh:
		return
	case <-ctx.Done():
		return
	}

	e.logger.Info("local engine running", "node_id", e.id, "term", term)

	for {
		select {
		case p := <-e.proposals:
			index++
			msg := consensus.ApplyMsg{
				Term:    term,
				Index:   index,
				Payload: p.payload,
				ReplyCh: p.replyCh,
			}
			select {
			case e.applyCh <- msg:
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
