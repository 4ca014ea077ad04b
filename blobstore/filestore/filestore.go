// Package filestore provides a file-backed blobstore.Store. Each key maps
// to one file under the data directory; "/" separators in keys become
// subdirectories.
package filestore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Byounghakim/pc-ui-server-sub000/blobstore"
	"github.com/Byounghakim/pc-ui-server-sub000/errors"
)

// Store is a file-backed implementation of blobstore.Store.
type Store struct {
	root string
}

var _ blobstore.Store = (*Store)(nil)

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "filestore", "New", "data directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "filestore", "New", "create data directory")
	}
	return &Store{root: dir}, nil
}

// path maps a key to its on-disk location, rejecting traversal outside the
// root directory.
func (s *Store) path(key string) (string, error) {
	if key == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidState, "filestore", "path", "empty key")
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", errors.WrapInvalid(errors.ErrInvalidState, "filestore", "path",
			fmt.Sprintf("key %q escapes data directory", key))
	}
	return filepath.Join(s.root, cleaned), nil
}

// Put writes data to the key's file, creating parent directories as needed.
// The write goes through a temp file and rename so a crash mid-write never
// leaves a truncated blob behind.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "create parent directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return errors.WrapTransient(err, "filestore", "Put", "create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapTransient(err, "filestore", "Put", "write blob")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapTransient(err, "filestore", "Put", "close temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.WrapTransient(err, "filestore", "Put", "rename blob into place")
	}
	return nil
}

// Get reads the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "filestore", "Get", "read blob")
	}
	return data, nil
}

// List walks the data directory and returns all keys with the given prefix
// in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "filestore", "List", "walk data directory")
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes the key's file. Missing files are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "filestore", "Delete", "remove blob")
	}
	return nil
}
