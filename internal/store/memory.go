package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"iocingest/internal/ioc"
)

// Memory is an in-process ioc.Store.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]ioc.Record
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]ioc.Record)}
}

func (m *Memory) Find(_ context.Context, f ioc.Filter) ([]ioc.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ioc.Record
	for _, r := range m.rows {
		if matches(r, f) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) FindOne(_ context.Context, fingerprint string) (ioc.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[fingerprint]
	return clone(r), ok, nil
}

func (m *Memory) Count(_ context.Context, f ioc.Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rows {
		if matches(r, f) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountBy(_ context.Context, field ioc.GroupField) (map[string]int, error) {
	if err := checkGroup(field); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, r := range m.rows {
		switch field {
		case ioc.GroupBySource:
			out[r.Source]++
		case ioc.GroupByType:
			out[string(r.Type)]++
		case ioc.GroupBySeverity:
			out[string(r.Severity)]++
		}
	}
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, records []ioc.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		prev, ok := m.rows[r.Fingerprint]
		if !ok {
			m.rows[r.Fingerprint] = clone(r)
			continue
		}
		prev.Description = r.Description
		if r.LastSeen.After(prev.LastSeen) {
			prev.LastSeen = r.LastSeen
		}
		prev.Severity = r.Severity
		prev.SeverityScore = r.SeverityScore
		prev.Confidence = r.Confidence
		prev.Tags = append([]string(nil), r.Tags...)
		prev.Raw = append([]byte(nil), r.Raw...)
		prev.UpdatedAt = r.UpdatedAt
		m.rows[r.Fingerprint] = prev
	}
	return nil
}

func (m *Memory) Increment(_ context.Context, fingerprints []string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fp := range fingerprints {
		r, ok := m.rows[fp]
		if !ok {
			continue
		}
		r.ObservedCount++
		if seenAt.After(r.LastSeen) {
			r.LastSeen = seenAt
		}
		r.UpdatedAt = seenAt
		m.rows[fp] = r
	}
	return nil
}

func matches(r ioc.Record, f ioc.Filter) bool {
	if len(f.Fingerprints) > 0 {
		found := false
		for _, fp := range f.Fingerprints {
			if fp == r.Fingerprint {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch {
	case f.Source != "" && r.Source != f.Source,
		f.Type != "" && r.Type != f.Type,
		f.Severity != "" && r.Severity != f.Severity,
		!f.Since.IsZero() && r.LastSeen.Before(f.Since),
		!f.Until.IsZero() && !r.LastSeen.Before(f.Until):
		return false
	}
	return true
}

func clone(r ioc.Record) ioc.Record {
	r.Tags = append([]string(nil), r.Tags...)
	r.Raw = append([]byte(nil), r.Raw...)
	return r
}
