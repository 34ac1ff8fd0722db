package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// snapshotFilePattern names descriptor files so the reflected position is
// discoverable without opening them.
const snapshotFilePattern = "snapshot_%d_%d.json"

// FileStore is a directory-backed Store. One JSON file per descriptor,
// written atomically; older files are pruned after a successful write.
type FileStore struct {
	dir string

	// keep is how many descriptor files survive pruning, newest first.
	keep int
}

// NewFileStore returns a Store rooted at dir. The directory is created on
// the first Persist.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, keep: 2}
}

// Persist writes the descriptor to its own file and prunes superseded ones.
// Failures wrap ErrPersist; a failed write leaves previous descriptors
// untouched.
func (s *FileStore) Persist(_ context.Context, d Descriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersist, err)
	}

	path := filepath.Join(s.dir, fmt.Sprintf(snapshotFilePattern, d.Term, d.Index))
	if err := WriteFileAtomic(path, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	// Pruning is best-effort: leftover old files are superseded anyway and
	// cleaned up on the next successful persist.
	s.prune()
	return nil
}

// LoadLatest scans the store directory and returns the descriptor with the
// highest (term, index), or nil when the directory holds none.
func (s *FileStore) LoadLatest() (*Descriptor, error) {
	names, err := s.sortedSnapshotFiles()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	latest := names[len(names)-1]
	data, err := os.ReadFile(filepath.Join(s.dir, latest.name))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", latest.name, err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", latest.name, err)
	}
	return &d, nil
}

type snapshotFile struct {
	name  string
	term  int64
	index int64
}

func (s *FileStore) sortedSnapshotFiles() ([]snapshotFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: read dir %s: %w", s.dir, err)
	}

	var files []snapshotFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var term, index int64
		if n, err := fmt.Sscanf(e.Name(), snapshotFilePattern, &term, &index); err != nil || n != 2 {
			continue
		}
		// Reject stale temp files whose names merely start with the pattern.
		if fmt.Sprintf(snapshotFilePattern, term, index) != e.Name() {
			continue
		}
		files = append(files, snapshotFile{name: e.Name(), term: term, index: index})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].term != files[j].term {
			return files[i].term < files[j].term
		}
		return files[i].index < files[j].index
	})
	return files, nil
}

func (s *FileStore) prune() {
	files, err := s.sortedSnapshotFiles()
	if err != nil || len(files) <= s.keep {
		return
	}
	for _, f := range files[:len(files)-s.keep] {
		_ = os.Remove(filepath.Join(s.dir, f.name))
	}
}

// WriteFileAtomic writes payload to path through a temp file, fsync, and
// rename, then syncs the parent directory. Used for every small metadata
// file this module persists.
func WriteFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// Sync the parent directory so the rename itself is durable.
	dirFile, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = dirFile.Close() }()

	return dirFile.Sync()
}
