package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

// Stager writes retrieved payloads into the staging directory.
type Stager struct {
	dir string
}

func NewStager(dir string) *Stager { return &Stager{dir: dir} }

func (s *Stager) Dir() string { return s.dir }

// Write replaces name in the staging directory atomically and returns its path.
func (s *Stager) Write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	return path, nil
}

// Remove deletes staged files matching pattern.
func (s *Stager) Remove(pattern string) error {
	matches, err := filepath.Glob(filepath.Join(s.dir, pattern))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Pacer spaces out consecutive requests by a fixed interval. Call Wait before
// every request; the first Wait returns immediately and each later one blocks
// until interval has passed since the previous.
type Pacer struct {
	lim *rate.Limiter
}

func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

func (p *Pacer) Wait(ctx context.Context) error {
	return p.lim.Wait(ctx)
}
