package mapstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/seal"
)

// FileStore keeps one JSON envelope per mapping in a directory.
type FileStore struct {
	dir    string
	sealer *seal.Sealer
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, sealer *seal.Sealer) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mapstore: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir, sealer: sealer}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes m under id, replacing any previous record atomically.
func (s *FileStore) Save(_ context.Context, id string, m sanitize.Mapping) error {
	if err := checkID(id); err != nil {
		return err
	}
	return WriteFile(s.path(id), id, m, s.sealer)
}

// Load reads the mapping stored under id.
func (s *FileStore) Load(_ context.Context, id string) (sanitize.Mapping, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	_, m, err := readFile(s.path(id), s.sealer)
	return m, err
}

// Delete removes the mapping stored under id.
func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("mapstore: delete %s: %w", id, err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// ReadFile loads a mapping file from an arbitrary path. Both envelopes and
// legacy flat mappings are accepted.
func ReadFile(path string, sealer *seal.Sealer) (sanitize.Mapping, error) {
	_, m, err := readFile(path, sealer)
	return m, err
}

func readFile(path string, sealer *seal.Sealer) (string, sanitize.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("mapstore: read %s: %w", path, err)
	}
	id, m, err := Decode(data, sealer)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return id, m, nil
}

// WriteFile encodes m as an envelope and writes it to path through a
// temporary file and rename, so readers never see a partial record.
func WriteFile(path, id string, m sanitize.Mapping, sealer *seal.Sealer) error {
	data, err := Encode(id, m, sealer, time.Now())
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mapping-*.tmp")
	if err != nil {
		return fmt.Errorf("mapstore: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("mapstore: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("mapstore: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mapstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("mapstore: rename: %w", err)
	}
	return nil
}
