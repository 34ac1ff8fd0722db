// Package txn tracks the transaction position of a replica: the highest
// (term, index) known to be durably reflected in cluster metadata. The
// Buffer additionally collects subsystem mutations staged during apply so
// they can be made durable in one flush.
package txn

import "fmt"

// InvalidLogIndex marks a position that reflects no applied entry yet.
const InvalidLogIndex int64 = -1

// TermIndex is the position of one entry in the consensus log, totally
// ordered by (Term, Index).
type TermIndex struct {
	Term  int64 `json:"term"`
	Index int64 `json:"index"`
}

// Compare orders positions: -1 when t precedes o, 0 when equal, 1 when t
// follows o.
func (t TermIndex) Compare(o TermIndex) int {
	switch {
	case t.Term < o.Term:
		return -1
	case t.Term > o.Term:
		return 1
	case t.Index < o.Index:
		return -1
	case t.Index > o.Index:
		return 1
	default:
		return 0
	}
}

// IsInitialized reports whether the position reflects at least one applied
// entry or loaded snapshot.
func (t TermIndex) IsInitialized() bool {
	return t.Index > InvalidLogIndex
}

func (t TermIndex) String() string {
	return fmt.Sprintf("(%d, %d)", t.Term, t.Index)
}
