// Package local implements the engine's local fast path: a
// content-addressed store on a filesystem. Content already held here is
// copied straight to the destination without touching the network.
package local

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// Store keeps file bytes under root, one file per content hash. The
// filesystem is abstracted so tests run against an in-memory fs.
type Store struct {
	fs   afero.Fs
	root string
}

func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

func (s *Store) contentPath(contentHash string) string {
	return filepath.Join(s.root, contentHash)
}

// Put seeds the store with content bytes. Used when a completed
// download should be shareable, and by tests.
func (s *Store) Put(ctx context.Context, contentHash string, r io.Reader) error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create store root: %w", err)
	}
	f, err := s.fs.Create(s.contentPath(contentHash))
	if err != nil {
		return fmt.Errorf("create content file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write content: %w", err)
	}
	return f.Close()
}

// HeldLocally reports whether the store already has the content.
func (s *Store) HeldLocally(ctx context.Context, contentHash string) (bool, error) {
	ok, err := afero.Exists(s.fs, s.contentPath(contentHash))
	if err != nil {
		return false, fmt.Errorf("check local content: %w", err)
	}
	return ok, nil
}

// CopyLocal copies held content to the confirmed destination.
func (s *Store) CopyLocal(ctx context.Context, contentHash, outputPath string) error {
	src, err := s.fs.Open(s.contentPath(contentHash))
	if err != nil {
		return fmt.Errorf("open local content: %w", err)
	}
	defer src.Close()

	if err := s.fs.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	dst, err := s.fs.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy content: %w", err)
	}
	return dst.Close()
}

// WriteFile writes bytes to an arbitrary path, creating directories.
func (s *Store) WriteFile(path string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// PathExists reports whether a path exists on the underlying fs.
func (s *Store) PathExists(path string) (bool, error) {
	return afero.Exists(s.fs, path)
}
