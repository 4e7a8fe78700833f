// Package state persists the set of demos that have been fully uploaded.
//
// The backing file is a JSON array of {leetifyId, fileName} objects,
// rewritten in full on every commit. An entry is only ever appended after
// Leetify reports the demo as processed, so a demo missing from the file
// is always safe to attempt again.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/alexjbarnes/demo-relay/internal/errors"
)

// stateFilePerm is the permission mode for the state file.
const stateFilePerm = fs.FileMode(0o644)

// HandledItem is a demo that completed the full pipeline.
type HandledItem struct {
	RemoteID string `json:"leetifyId"`
	FileName string `json:"fileName"`
}

// Handled is the ordered list of handled demos, oldest first.
type Handled []HandledItem

// Contains reports whether fileName has already been handled. The match
// is exact.
func (h Handled) Contains(fileName string) bool {
	for _, item := range h {
		if item.FileName == fileName {
			return true
		}
	}

	return false
}

// Store reads and writes the state file. It is single-writer: only the
// reconciler commits, and cycles never overlap.
type Store struct {
	path string
}

// NewStore returns a store backed by the file at path. The file is not
// touched until Load, Init, or Commit is called.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the location of the state file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the full state. A missing file yields ErrStoreMissing, and
// anything that does not decode into a list of uniquely named items
// yields ErrStoreCorrupt. Callers must treat both as fatal.
func (s *Store) Load() (Handled, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrStoreMissing, s.path)
		}

		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var handled Handled
	if err := json.Unmarshal(data, &handled); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrStoreCorrupt, s.path, err)
	}

	// "null" decodes without error into a nil slice. Only an array is a
	// valid state file.
	if handled == nil {
		return nil, fmt.Errorf("%w: %s: expected a JSON array", apperrors.ErrStoreCorrupt, s.path)
	}

	seen := make(map[string]struct{}, len(handled))
	for i, item := range handled {
		if item.FileName == "" {
			return nil, fmt.Errorf("%w: %s: entry %d has no fileName", apperrors.ErrStoreCorrupt, s.path, i)
		}

		if _, dup := seen[item.FileName]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate fileName %q", apperrors.ErrStoreCorrupt, s.path, item.FileName)
		}

		seen[item.FileName] = struct{}{}
	}

	return handled, nil
}

// Commit appends item to handled and writes the result to disk before
// returning. The input slice is not modified. Committing a file name that
// is already present returns ErrAlreadyHandled and writes nothing.
func (s *Store) Commit(handled Handled, item HandledItem) (Handled, error) {
	if item.FileName == "" {
		return handled, fmt.Errorf("committing demo: empty file name")
	}

	if handled.Contains(item.FileName) {
		return handled, fmt.Errorf("committing %s: %w", item.FileName, apperrors.ErrAlreadyHandled)
	}

	next := make(Handled, len(handled), len(handled)+1)
	copy(next, handled)
	next = append(next, item)

	if err := s.write(next); err != nil {
		return handled, fmt.Errorf("committing %s: %w", item.FileName, err)
	}

	return next, nil
}

// Init creates an empty state file if none exists. It reports whether a
// file was created. An existing file is never modified.
func (s *Store) Init() (bool, error) {
	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("checking state file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false, fmt.Errorf("creating state directory: %w", err)
	}

	if err := s.write(Handled{}); err != nil {
		return false, err
	}

	return true, nil
}

// write replaces the state file atomically: the new content is written
// and synced to a temp file in the same directory, then renamed over the
// old file.
func (s *Store) write(handled Handled) error {
	data, err := json.MarshalIndent(handled, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}

	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing temp state file: %w", err)
	}

	if err := tmp.Chmod(stateFilePerm); err != nil {
		cleanup()
		return fmt.Errorf("setting state file permissions: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing temp state file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}

	return nil
}
