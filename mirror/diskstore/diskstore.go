// Package diskstore provides a mirror backend that keeps one file per key
// in a flat directory. Writes go through a temp file and rename so a crash
// never leaves a half-written entry behind.
package diskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pkt.systems/synctree/mirror"
)

const entrySuffix = ".json"

// Store implements mirror.Store on a directory. Keys are percent-escaped
// to form file names, so any key the tree store accepts is representable.
type Store struct {
	dir string
}

// New opens (creating if needed) the mirror directory.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskstore: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) entryPath(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+entrySuffix)
}

// Put upserts one entry with an atomic write.
func (s *Store) Put(_ context.Context, key string, value json.RawMessage) error {
	if err := writeFileAtomic(s.entryPath(key), value, 0o644); err != nil {
		return fmt.Errorf("diskstore: write %q: %w", key, err)
	}
	return nil
}

// Get returns the entry's payload or mirror.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) (json.RawMessage, error) {
	data, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, mirror.ErrNotFound
		}
		return nil, fmt.Errorf("diskstore: read %q: %w", key, err)
	}
	return data, nil
}

// Delete removes one entry; absent keys are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("diskstore: remove %q: %w", key, err)
	}
	return nil
}

// Clear removes every entry, leaving unrelated files in the directory
// alone.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	return s.DeleteAll(ctx, keys)
}

// ContainsKey reports whether the key is present.
func (s *Store) ContainsKey(_ context.Context, key string) (bool, error) {
	if _, err := os.Stat(s.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("diskstore: stat %q: %w", key, err)
	}
	return true, nil
}

// Keys returns all keys in ascending order.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("diskstore: list %s: %w", s.dir, err)
	}
	keys := make([]string, 0, len(dirents))
	for _, ent := range dirents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), entrySuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(ent.Name(), entrySuffix))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Values returns a snapshot of every entry. Entries removed concurrently
// are skipped rather than reported as errors.
func (s *Store) Values(ctx context.Context) (map[string]json.RawMessage, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		value, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, mirror.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// PutAll upserts the given entries.
func (s *Store) PutAll(ctx context.Context, entries map[string]json.RawMessage) error {
	for key, value := range entries {
		if err := s.Put(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll removes the given keys, ignoring absent ones.
func (s *Store) DeleteAll(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// writeFileAtomic stages data in a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".synctree-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmpName, mode)
	}
	if werr == nil {
		werr = os.Rename(tmpName, path)
	}
	if werr != nil {
		_ = os.Remove(tmpName)
		return werr
	}
	return nil
}
