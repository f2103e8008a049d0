package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Local is a filesystem-backed blob store. Workers sharing the machine (or
// a mounted volume) fetch payloads straight from the directory.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory %s: %w", dir, err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Dir() string {
	return l.dir
}

// Store writes the payload under key, replacing any previous content. The
// write goes through a temp file so readers never see a partial payload.
func (l *Local) Store(key string, data []byte) error {
	tmp, err := os.CreateTemp(l.dir, ".store-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing payload %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing payload %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, key)); err != nil {
		return fmt.Errorf("storing payload %s: %w", key, err)
	}
	return nil
}

// RemoveMatching deletes payloads whose keys match the glob pattern.
// Scheduler state does not survive restarts, so the broker sweeps leftover
// payloads at startup; it also removes a job's payload when the job is
// deleted.
func (l *Local) RemoveMatching(pattern string) error {
	matches, err := doublestar.Glob(os.DirFS(l.dir), pattern)
	if err != nil {
		return fmt.Errorf("matching %s: %w", pattern, err)
	}
	for _, name := range matches {
		if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}
	return nil
}
