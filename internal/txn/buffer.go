package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/m-hrytsenko/metastate/internal/snapshot"
)

// Mutation is a durable write staged by a handler during apply. Mutations
// run in staging order at the next flush.
type Mutation func(ctx context.Context) error

// StateSource produces the opaque subsystem state captured into a snapshot
// descriptor at flush time.
type StateSource interface {
	SnapshotState(ctx context.Context) ([]byte, error)
}

// Buffer holds the latest durable-intent transaction position, the pending
// mutations staged since the last flush, and the most recent snapshot
// descriptor. Safe for concurrent use; Flush is mutually exclusive with
// itself.
type Buffer struct {
	store  snapshot.Store
	source StateSource

	// flushMu serializes flushes without blocking Stage/Update during the
	// durable writes.
	flushMu sync.Mutex

	mu             sync.Mutex
	latest         TermIndex
	pending        []Mutation
	snapshotMark   *TermIndex
	latestSnapshot *snapshot.Descriptor
}

// NewBuffer creates a buffer backed by the given store. source may be nil,
// in which case snapshots carry no state payload.
func NewBuffer(store snapshot.Store, source StateSource) *Buffer {
	return &Buffer{
		store:  store,
		source: source,
		latest: TermIndex{Term: 0, Index: InvalidLogIndex},
	}
}

// BindSource sets the snapshot state source after construction, for wiring
// cycles where the source itself stages mutations on this buffer.
func (b *Buffer) BindSource(s StateSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source = s
}

// Latest returns the highest position recorded so far.
func (b *Buffer) Latest() TermIndex {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Update advances the recorded position. Regressions are ignored: the
// position is monotonically non-decreasing for the lifetime of the replica.
func (b *Buffer) Update(ti TermIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ti.Compare(b.latest) > 0 {
		b.latest = ti
	}
}

// Stage appends a mutation to be executed at the next flush.
func (b *Buffer) Stage(m Mutation) {
	if m == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, m)
}

// PendingCount returns the number of staged, unflushed mutations.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// MarkSnapshot requests that the next flush persist a snapshot descriptor
// for the given position.
func (b *Buffer) MarkSnapshot(ti TermIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mark := ti
	b.snapshotMark = &mark
}

// RestoreSnapshot seeds the latest-snapshot record from a descriptor loaded
// at startup, so a freshly restarted replica does not immediately re-persist
// an identical snapshot.
func (b *Buffer) RestoreSnapshot(d *snapshot.Descriptor) {
	if d == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *d
	b.latestSnapshot = &cp
	if ti := (TermIndex{Term: d.Term, Index: d.Index}); ti.Compare(b.latest) > 0 {
		b.latest = ti
	}
}

// LatestSnapshot returns the descriptor persisted by the most recent
// successful flush, or nil.
func (b *Buffer) LatestSnapshot() *snapshot.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestSnapshot
}

// Flush runs staged mutations in order and, if a snapshot was marked,
// captures subsystem state and persists the descriptor.
//
// On mutation failure the remaining mutations stay staged; on persist
// failure the snapshot mark is restored so the next flush retries. Neither
// failure regresses the recorded position.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	mark := b.snapshotMark
	b.snapshotMark = nil
	source := b.source
	b.mu.Unlock()

	for i, m := range pending {
		if err := m(ctx); err != nil {
			b.mu.Lock()
			b.pending = append(pending[i:], b.pending...)
			if mark != nil && b.snapshotMark == nil {
				b.snapshotMark = mark
			}
			b.mu.Unlock()
			return fmt.Errorf("txn: flush mutation %d of %d: %w", i+1, len(pending), err)
		}
	}

	if mark == nil {
		return nil
	}

	desc := snapshot.Descriptor{Term: mark.Term, Index: mark.Index}
	if source != nil {
		data, err := source.SnapshotState(ctx)
		if err != nil {
			b.restoreMark(mark)
			return fmt.Errorf("txn: capture state for snapshot %s: %w", mark, err)
		}
		desc.Data = data
	}

	if err := b.store.Persist(ctx, desc); err != nil {
		b.restoreMark(mark)
		return err
	}

	b.mu.Lock()
	b.latestSnapshot = &desc
	b.mu.Unlock()
	return nil
}

func (b *Buffer) restoreMark(mark *TermIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshotMark == nil {
		b.snapshotMark = mark
	}
}
