// Package sequence implements the replicated sequence-ID allocator: a
// subsystem handler that hands out monotonically increasing identifier
// ranges through the consensus log, so every replica agrees on what has
// been allocated.
package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/m-hrytsenko/metastate/internal/registry"
	"github.com/m-hrytsenko/metastate/internal/snapshot"
	"github.com/m-hrytsenko/metastate/internal/txn"
)

// Operations exposed by the allocator.
const (
	OpAllocateBatch = "allocateBatch"
	OpCurrent       = "current"
)

const stateFileName = "sequence.json"

// ErrInvalidBatchSize is returned when allocateBatch is invoked with a zero
// or unparsable batch size.
var ErrInvalidBatchSize = errors.New("sequence: invalid batch size")

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

type persistedState struct {
	Last int64 `json:"last"`
}

// Allocator is the sequence-ID subsystem. In-memory state advances at apply
// time; the durable write is staged on the transaction buffer and runs at
// the next flush, so the watermark on disk always matches a flushed
// position.
type Allocator struct {
	mu     sync.Mutex
	last   int64
	path   string
	buffer *txn.Buffer
	logger Logger
}

// NewAllocator loads the durable watermark from dir, if present.
func NewAllocator(dir string, buffer *txn.Buffer, logger Logger) (*Allocator, error) {
	a := &Allocator{
		path:   filepath.Join(dir, stateFileName),
		buffer: buffer,
		logger: logger,
	}

	data, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return a, nil
		}
		return nil, fmt.Errorf("sequence: read state: %w", err)
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("sequence: decode state: %w", err)
	}
	a.last = st.Last
	return a, nil
}

// Invoke implements registry.Handler.
func (a *Allocator) Invoke(ctx context.Context, op string, args [][]byte) ([]byte, error) {
	switch op {
	case OpAllocateBatch:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s expects 1 argument, got %d", registry.ErrUnknownOperation, op, len(args))
		}
		return a.allocateBatch(args[0])
	case OpCurrent:
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s expects no arguments, got %d", registry.ErrUnknownOperation, op, len(args))
		}
		return protowire.AppendVarint(nil, uint64(a.Current())), nil
	default:
		return nil, fmt.Errorf("%w: sequence has no operation %q", registry.ErrUnknownOperation, op)
	}
}

func (a *Allocator) allocateBatch(arg []byte) ([]byte, error) {
	count, n := protowire.ConsumeVarint(arg)
	if n < 0 || n != len(arg) {
		return nil, fmt.Errorf("%w: unparsable batch size", ErrInvalidBatchSize)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: zero batch", ErrInvalidBatchSize)
	}

	a.mu.Lock()
	first := a.last + 1
	a.last += int64(count)
	last := a.last
	a.mu.Unlock()

	if a.buffer != nil {
		a.buffer.Stage(func(context.Context) error {
			return a.persist(last)
		})
	}

	a.logger.Debug("allocated sequence batch",
		"first", first,
		"last", last,
	)

	reply := protowire.AppendVarint(nil, uint64(first))
	reply = protowire.AppendVarint(reply, uint64(last))
	return reply, nil
}

// Current returns the highest identifier allocated so far.
func (a *Allocator) Current() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// SnapshotState implements txn.StateSource: the allocator's state captured
// into snapshot descriptors.
func (a *Allocator) SnapshotState(context.Context) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Marshal(persistedState{Last: a.last})
}

// RestoreState replaces the allocator state with snapshot data, used when a
// lagging replica bootstraps from a snapshot instead of replaying the log.
func (a *Allocator) RestoreState(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("sequence: decode snapshot state: %w", err)
	}

	a.mu.Lock()
	a.last = st.Last
	last := a.last
	a.mu.Unlock()

	return a.persist(last)
}

func (a *Allocator) persist(last int64) error {
	payload, err := json.Marshal(persistedState{Last: last})
	if err != nil {
		return fmt.Errorf("sequence: encode state: %w", err)
	}
	if err := snapshot.WriteFileAtomic(a.path, payload); err != nil {
		return fmt.Errorf("sequence: persist state: %w", err)
	}
	return nil
}

// DecodeAllocation parses an allocateBatch reply into the inclusive
// [first, last] range it granted.
func DecodeAllocation(reply []byte) (first, last int64, err error) {
	f, n := protowire.ConsumeVarint(reply)
	if n < 0 {
		return 0, 0, fmt.Errorf("sequence: bad allocation reply")
	}
	l, m := protowire.ConsumeVarint(reply[n:])
	if m < 0 || n+m != len(reply) {
		return 0, 0, fmt.Errorf("sequence: bad allocation reply")
	}
	return int64(f), int64(l), nil
}

// EncodeBatchSize encodes the single allocateBatch argument.
func EncodeBatchSize(count uint64) []byte {
	return protowire.AppendVarint(nil, count)
}
