package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage publishes whole documents to a single output path
type Storage struct {
	outputPath string
	mode       os.FileMode
	mu         sync.Mutex
}

// New creates a new Storage instance for the given output path
func New(outputPath string) *Storage {
	return &Storage{
		outputPath: outputPath,
		mode:       0o644,
	}
}

// Path returns the published path
func (s *Storage) Path() string {
	return s.outputPath
}

// Start checks that the output directory exists and is writable. The output
// file itself does not need to exist yet.
func (s *Storage) Start() error {
	dir := filepath.Dir(s.outputPath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("output directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output directory %s is not a directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".probe.*")
	if err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// Write replaces the published document. The data goes to a temp file in
// the same directory which is then renamed over the output path, so readers
// see either the previous document or the new one.
func (s *Storage) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return WriteFileAtomic(s.outputPath, data, s.mode)
}

// WriteFileAtomic writes data to path via temp file, fsync and rename. On
// error the existing file at path is left untouched.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish %s: %w", path, err)
	}
	return nil
}
