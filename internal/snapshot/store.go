// Package snapshot persists (term, index, state) descriptors used to
// bootstrap a restarted or lagging replica and to let the consensus log be
// compacted.
package snapshot

import (
	"context"
	"errors"
)

// ErrPersist is returned (wrapped) when a descriptor cannot be written
// durably. The failure does not corrupt the applied position; the snapshot
// attempt is abandoned and retried at the next trigger.
var ErrPersist = errors.New("snapshot: persist failed")

// Descriptor is one persisted snapshot: the position it reflects and the
// opaque subsystem state as of that position.
type Descriptor struct {
	Term  int64  `json:"term"`
	Index int64  `json:"index"`
	Data  []byte `json:"data,omitempty"`
}

// Store persists and retrieves snapshot descriptors.
// Implementations must be safe for concurrent use.
type Store interface {
	// Persist durably writes the descriptor. Each successful write
	// supersedes older descriptors, which become eligible for deletion.
	Persist(ctx context.Context, d Descriptor) error

	// LoadLatest returns the newest persisted descriptor, or nil when no
	// snapshot exists. Used once at initialization.
	LoadLatest() (*Descriptor, error)
}
