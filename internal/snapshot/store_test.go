package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_PersistAndLoadLatest(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "snapshots"))

	in := Descriptor{Term: 3, Index: 17, Data: []byte("state")}
	if err := s.Persist(context.Background(), in); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}

	out, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if out == nil {
		t.Fatalf("expected a descriptor")
	}
	if out.Term != 3 || out.Index != 17 || !bytes.Equal(out.Data, []byte("state")) {
		t.Fatalf("unexpected descriptor: %+v", out)
	}
}

func TestFileStore_LoadLatest_EmptyDir(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "missing"))

	out, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil descriptor, got %+v", out)
	}
}

func TestFileStore_NewerDescriptorSupersedes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	s := NewFileStore(dir)

	for i := int64(1); i <= 4; i++ {
		d := Descriptor{Term: 2, Index: i * 10, Data: []byte(fmt.Sprintf("s%d", i))}
		if err := s.Persist(context.Background(), d); err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
	}

	out, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if out.Index != 40 {
		t.Fatalf("expected latest index 40, got %d", out.Index)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) > 2 {
		t.Fatalf("expected superseded files pruned, found %d", len(entries))
	}
}

func TestFileStore_HigherTermWins(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "snapshots"))

	if err := s.Persist(context.Background(), Descriptor{Term: 1, Index: 100}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Persist(context.Background(), Descriptor{Term: 2, Index: 5}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	out, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if out.Term != 2 || out.Index != 5 {
		t.Fatalf("expected (2,5), got (%d,%d)", out.Term, out.Index)
	}
}

func TestInMemoryStore_RoundTrip(t *testing.T) {
	s := NewInMemoryStore()

	if d, err := s.LoadLatest(); err != nil || d != nil {
		t.Fatalf("expected empty store, got %v %v", d, err)
	}

	if err := s.Persist(context.Background(), Descriptor{Term: 1, Index: 2, Data: []byte("x")}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	d, err := s.LoadLatest()
	if err != nil || d == nil {
		t.Fatalf("load: %v %v", d, err)
	}
	if d.Term != 1 || d.Index != 2 || string(d.Data) != "x" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}
