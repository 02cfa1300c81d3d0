package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AtomicWriter writes a file through a temp file that is renamed over the
// target on Commit, so readers never observe a partial file.
type AtomicWriter struct {
	targetPath string
	tempFile   *os.File
}

// NewAtomicWriter creates a temp file next to targetPath
func NewAtomicWriter(targetPath string, perm os.FileMode) (*AtomicWriter, error) {
	dir := filepath.Dir(targetPath)
	base := filepath.Base(targetPath)

	if filepath.Clean(dir) != dir {
		return nil, fmt.Errorf("invalid directory path: potential directory traversal detected")
	}
	if base == "." || strings.Contains(base, "..") || strings.ContainsRune(base, filepath.Separator) {
		return nil, fmt.Errorf("invalid filename: %s", base)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := tempFile.Chmod(perm); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFile.Name())
		return nil, fmt.Errorf("failed to set temp file permissions: %w", err)
	}

	return &AtomicWriter{targetPath: targetPath, tempFile: tempFile}, nil
}

// Write writes data to the temporary file
func (aw *AtomicWriter) Write(data []byte) (int, error) {
	if aw.tempFile == nil {
		return 0, fmt.Errorf("writer is closed")
	}
	return aw.tempFile.Write(data)
}

// Commit syncs the temp file and renames it over the target
func (aw *AtomicWriter) Commit() error {
	if aw.tempFile == nil {
		return fmt.Errorf("writer is closed")
	}
	tempPath := aw.tempFile.Name()

	if err := aw.tempFile.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync temp file: %w", err), aw.Abort())
	}
	if err := aw.tempFile.Close(); err != nil {
		aw.tempFile = nil
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	aw.tempFile = nil

	if err := os.Rename(tempPath, aw.targetPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Abort discards the temporary file
func (aw *AtomicWriter) Abort() error {
	if aw.tempFile == nil {
		return nil
	}
	tempPath := aw.tempFile.Name()
	closeErr := aw.tempFile.Close()
	aw.tempFile = nil

	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}

// AtomicWriteFile writes data to path atomically with the given permissions
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	writer, err := NewAtomicWriter(path, perm)
	if err != nil {
		return err
	}

	if _, err := writer.Write(data); err != nil {
		return errors.Join(err, writer.Abort())
	}
	return writer.Commit()
}

// EnsureFilePermissions tightens a file to 0600 when group or other bits are set
func EnsureFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.Mode().Perm()&0o077 != 0 {
		return os.Chmod(path, 0o600)
	}
	return nil
}
