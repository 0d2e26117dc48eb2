package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileWriter persists save/download command results under the site's save
// directory. Writes go through a temp file plus rename, and an existing
// target file means the work was already done on a previous run.
type FileWriter struct {
	root string
}

// NewFileWriter creates the save directory if absent.
func NewFileWriter(root string) (*FileWriter, error) {
	if root == "" {
		return nil, errors.New("save dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	return &FileWriter{root: root}, nil
}

// Root returns the save directory.
func (w *FileWriter) Root() string { return w.root }

// Exists reports whether the relative file path was already written,
// making re-runs idempotent.
func (w *FileWriter) Exists(relPath string) (bool, error) {
	abs, err := w.resolve(relPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Save writes content to the relative path, creating parent directories.
// An existing file is left untouched and reported via the skipped flag.
func (w *FileWriter) Save(relPath string, content []byte) (skipped bool, err error) {
	abs, err := w.resolve(relPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err == nil {
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return false, fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".media-query-*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("write %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("close %s: %w", relPath, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		if rmErr := os.Remove(tmpName); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return false, fmt.Errorf("move %s into place: %w", relPath, err)
	}
	return false, nil
}

// resolve joins the relative path under the root, refusing traversal
// outside it.
func (w *FileWriter) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.New("empty file path")
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file path %q escapes save dir", relPath)
	}
	return filepath.Join(w.root, clean), nil
}
