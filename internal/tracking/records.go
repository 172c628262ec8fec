package tracking

import (
	"time"

	"iocingest/internal/common"
)

const (
	FetchFile     = ".fetch_tracking.json"
	NormalizeFile = ".normalize_tracking.json"
)

// FetchRecord is the last fetch outcome of one source.
type FetchRecord struct {
	Name      string        `json:"name"`
	Status    common.Status `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Count     int           `json:"count"`
	Error     *string       `json:"error"`
}

// Due reports whether a source with this record may be fetched again at now.
// Only a successful attempt holds the source back, and only until ttl has elapsed.
func (r FetchRecord) Due(now time.Time, ttl time.Duration) bool {
	if r.Status != common.StatusSuccess {
		return true
	}
	return now.Sub(r.Timestamp) >= ttl
}

// NextFetch is the earliest time Due turns true.
func (r FetchRecord) NextFetch(ttl time.Duration) time.Time {
	if r.Status != common.StatusSuccess {
		return r.Timestamp
	}
	return r.Timestamp.Add(ttl)
}

// NormalizeRecord is the last normalization outcome of one staged file.
type NormalizeRecord struct {
	File        string        `json:"file"`
	Hash        string        `json:"hash"`
	Timestamp   string        `json:"timestamp"`
	Status      common.Status `json:"status"`
	Count       int           `json:"count"`
	ProcessedAt time.Time     `json:"processedAt"`
}

// Unchanged reports whether the file identified by hash and mtime was already
// handled. A failed file is never considered handled.
func (r NormalizeRecord) Unchanged(hash, mtime string) bool {
	return r.Status != common.StatusFailed && r.Hash == hash && r.Timestamp == mtime
}

// Store is a durable key-value map of tracking records.
type Store[T any] interface {
	Get(key string) (T, bool, error)
	Put(key string, v T) error
	Delete(key string) error
	All() (map[string]T, error)
	Reset() error
}
