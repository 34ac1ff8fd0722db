package statemachine

import "sync"

// CommitAckTracker records which follower nodes have acknowledged each
// replicated transaction. It is leader-only auxiliary state: the core owns
// it and clears it whenever this replica gains leadership, because
// acknowledgements collected under a previous term must not be read as
// current-term progress.
type CommitAckTracker struct {
	mu   sync.Mutex
	acks map[int64]map[string]struct{}
}

// NewCommitAckTracker returns an empty tracker.
func NewCommitAckTracker() *CommitAckTracker {
	return &CommitAckTracker{acks: make(map[int64]map[string]struct{})}
}

// RecordAck notes that nodeID acknowledged transaction txID.
func (t *CommitAckTracker) RecordAck(txID int64, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.acks[txID]
	if !ok {
		set = make(map[string]struct{})
		t.acks[txID] = set
	}
	set[nodeID] = struct{}{}
}

// AckCount returns how many nodes acknowledged txID.
func (t *CommitAckTracker) AckCount(txID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acks[txID])
}

// Forget drops tracking for a completed transaction.
func (t *CommitAckTracker) Forget(txID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.acks, txID)
}

// Len returns the number of transactions currently tracked.
func (t *CommitAckTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acks)
}

// Clear drops all tracked acknowledgements.
func (t *CommitAckTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks = make(map[int64]map[string]struct{})
}
