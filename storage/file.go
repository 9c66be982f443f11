package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// FileStore implements a storage backend using the local file system.
// Each key maps to one JSON file under the base directory; the key's
// namespace prefix becomes a subdirectory.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a new file storage backend using the specified base
// directory, creating it if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Get reads the value stored under key. Returns an error wrapping
// interfaces.ErrConfigNotFound if the file does not exist.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	filePath := s.filePath(key)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, key)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", interfaces.ErrStoreUnavailable, filePath, err)
	}

	s.log.Debug("Read record from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Put writes the value under key, creating parent directories as needed.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	filePath := s.filePath(key)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", interfaces.ErrStoreUnavailable, filePath, err)
	}
	if err := os.WriteFile(filePath, value, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", interfaces.ErrStoreUnavailable, filePath, err)
	}

	s.log.Debug("Wrote record to file",
		slog.String("path", filePath),
		slog.Int("size", len(value)))

	return nil
}

// Delete removes the file for key. Absent files are ignored.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.filePath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %v", interfaces.ErrStoreUnavailable, s.filePath(key), err)
	}
	return nil
}

// List returns all keys under the given namespace prefix.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	trimmed := strings.TrimSuffix(prefix, "/")
	dir := filepath.Join(s.baseDir, filepath.FromSlash(trimmed))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing %s: %v", interfaces.ErrStoreUnavailable, dir, err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			s.log.Warn("Skipping file with unparsable name", slog.String("name", entry.Name()))
			continue
		}
		keys = append(keys, trimmed+"/"+name)
	}
	return keys, nil
}

// Name returns a unique identifier for this storage backend.
func (s *FileStore) Name() string {
	return "file"
}

// LocationURI returns the URI that identifies this storage backend.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

func (s *FileStore) filePath(key string) string {
	dir, name := splitKey(key)
	// The record ID is escaped so MAC-derived and user-supplied IDs
	// cannot escape the base directory.
	return filepath.Join(s.baseDir, filepath.FromSlash(dir), url.PathEscape(name))
}

// splitKey separates the namespace prefix from the record name. The split
// is on the first slash so a record name containing slashes is escaped as
// a whole instead of leaking into the directory path.
func splitKey(key string) (dir, name string) {
	idx := strings.Index(key, "/")
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}
