// Package blob stores uploaded receipt files on the local filesystem
// under content-derived keys.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
)

// Storage defines the interface for receipt file storage
type Storage interface {
	// Put writes content under the given key, creating directories as
	// needed. Keys are relative paths like "p-1/ab/abcd1234.pdf".
	Put(key string, content []byte) error

	// Get reads the content stored under key.
	Get(key string) ([]byte, error)

	// Delete removes the content stored under key.
	Delete(key string) error
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	baseDir string
	logger  *zap.Logger
}

// NewLocalStorage creates a LocalStorage rooted at baseDir
func NewLocalStorage(baseDir string, logger *zap.Logger) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir, logger: logger}, nil
}

// Put writes content under the given key
func (s *LocalStorage) Put(key string, content []byte) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(fullPath, content, 0644); err != nil {
		s.logger.Error("failed to write blob",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to write blob: %w", err)
	}
	s.logger.Debug("blob stored",
		zap.String("key", key),
		zap.Int("size", len(content)))
	return nil
}

// Get reads the content stored under key
func (s *LocalStorage) Get(key string) ([]byte, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return nil, apperr.Newf(apperr.KindNotFound, "blob %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return content, nil
}

// Delete removes the content stored under key
func (s *LocalStorage) Delete(key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// resolve maps a key onto an absolute path, rejecting traversal outside
// the base directory.
func (s *LocalStorage) resolve(key string) (string, error) {
	if key == "" {
		return "", apperr.New(apperr.KindValidation, "blob key is required")
	}
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(key)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve key path: %w", err)
	}
	if absPath != absBase && !strings.HasPrefix(absPath, absBase+string(os.PathSeparator)) {
		return "", apperr.Newf(apperr.KindValidation, "blob key %q escapes storage root", key)
	}
	return absPath, nil
}
