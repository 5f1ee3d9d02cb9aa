// Package jsonstore implements an atomic JSON document store: read/write
// JSON documents through a tmp-file-plus-rename sequence so a concurrent
// reader always observes either the old content or the new content, never
// a partial write. Supports fsync durability and an optional .bak
// rotation of the previous document.
package jsonstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pumas-run/pumas/internal/perrors"
)

// Read loads the JSON document at path into a new T. It returns
// (nil, nil) if the file does not exist, and an error for any other
// filesystem or parse failure.
func Read[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perrors.Io("jsonstore.Read", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, perrors.Io("jsonstore.Read", path, fmt.Errorf("parse: %w", err))
	}
	return &v, nil
}

// Write serializes value and atomically replaces path with it. When backup
// is true and a previous file exists, it is renamed to path+".bak" first.
//
// The write sequence: marshal -> write to path.tmp-<uuid> -> fsync -> rename
// previous to .bak (if requested) -> rename tmp to path. A reader can never
// observe a partially written file because the final state transition is a
// single rename syscall.
func Write[T any](path string, value T, backup bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perrors.Io("jsonstore.Write", dir, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return perrors.Io("jsonstore.Write", path, fmt.Errorf("marshal: %w", err))
	}

	tmpPath := fmt.Sprintf("%s.tmp-%s", path, uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return perrors.Io("jsonstore.Write", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return perrors.Io("jsonstore.Write", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return perrors.Io("jsonstore.Write", tmpPath, fmt.Errorf("fsync: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return perrors.Io("jsonstore.Write", tmpPath, err)
	}

	if backup {
		if _, statErr := os.Stat(path); statErr == nil {
			bakPath := path + ".bak"
			if err := os.Rename(path, bakPath); err != nil {
				_ = os.Remove(tmpPath)
				return perrors.Io("jsonstore.Write", bakPath, fmt.Errorf("backup rename: %w", err))
			}
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return perrors.Io("jsonstore.Write", path, fmt.Errorf("rename: %w", err))
	}
	return nil
}
