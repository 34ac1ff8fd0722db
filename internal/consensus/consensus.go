// Package consensus defines the minimal contract between the replicated
// state machine and the consensus engine that feeds it. The engine owns
// leader election, log replication, and quorum commitment; this module only
// consumes committed entries and leadership notifications.
package consensus

import "context"

// CommittedEntry is one log entry guaranteed by the engine to be durable and
// eventually applied on every replica.
type CommittedEntry struct {
	Term    int64
	Index   int64
	Payload []byte
}

// ApplyReply reports the outcome of applying one committed entry back to the
// engine.
type ApplyReply struct {
	Payload []byte
	Err     error
}

// ApplyMsg is delivered by the engine, in commit order, for every log entry.
// Marker entries carry no operation payload (configuration or ordering
// markers) but must still advance the applied position.
type ApplyMsg struct {
	Term  int64
	Index int64

	// Payload is the opaque envelope of an operation entry; nil for markers.
	Payload []byte
	Marker  bool

	// ReplyCh, when non-nil, receives the apply outcome exactly once.
	ReplyCh chan<- ApplyReply
}

// LeadershipEvent notifies the state machine of a leadership transition.
type LeadershipEvent struct {
	Term     int64
	LeaderID string

	// Lost is set when this replica stepped down or lost sight of the
	// leader; LeaderID is empty in that case.
	Lost bool
}

// Engine is implemented by the active consensus implementation. Delivery
// guarantees (ordering of applies, at-least-once leadership notifications)
// are the engine's responsibility.
type Engine interface {
	Run(ctx context.Context)
	ApplyCh() <-chan ApplyMsg
	LeadershipCh() <-chan LeadershipEvent
	IsLeader() bool
	Stop()
}
