package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps records in a single JSON object on disk. Every operation
// re-reads the file so records written by other processes are not clobbered
// wholesale; writes go through a temp file and rename.
type FileStore[T any] struct {
	path string
	mu   sync.Mutex
}

func NewFileStore[T any](path string) *FileStore[T] {
	return &FileStore[T]{path: path}
}

func (s *FileStore[T]) Path() string { return s.path }

func (s *FileStore[T]) Get(key string) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		var zero T
		return zero, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (s *FileStore[T]) Put(key string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	m[key] = v
	return s.save(m)
}

func (s *FileStore[T]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.save(m)
}

func (s *FileStore[T]) All() (map[string]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore[T]) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(map[string]T{})
}

func (s *FileStore[T]) load() (map[string]T, error) {
	m := map[string]T{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tracking file: %w", err)
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		// corrupt content is treated as an empty store
		slog.Warn("tracking file unreadable, starting fresh", "path", s.path, "err", err)
		return map[string]T{}, nil
	}
	return m, nil
}

func (s *FileStore[T]) save(m map[string]T) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tracking: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tracking dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create tracking temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write tracking file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("write tracking file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write tracking file: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}
