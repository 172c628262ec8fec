package ioc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"iocingest/internal/common"
)

// Indicator is a canonical indicator produced by a feed parser before persistence.
type Indicator struct {
	Type        common.IndicatorType `json:"type"`
	Value       string               `json:"value"`
	Source      string               `json:"source"`
	Description string               `json:"description"`
	FirstSeen   time.Time            `json:"firstSeen"`
	LastSeen    time.Time            `json:"lastSeen"`
	Confidence  int                  `json:"confidence"`
	Tags        []string             `json:"tags"`
}

// Record is an indicator row in the indicator store.
type Record struct {
	Fingerprint   string               `json:"fingerprint" db:"fingerprint"`
	Type          common.IndicatorType `json:"type" db:"type"`
	Value         string               `json:"value" db:"value"`
	Source        string               `json:"source" db:"source"`
	Description   string               `json:"description" db:"description"`
	ObservedCount int                  `json:"observedCount" db:"observed_count"`
	FirstSeen     time.Time            `json:"firstSeen" db:"first_seen"`
	LastSeen      time.Time            `json:"lastSeen" db:"last_seen"`
	Severity      common.Severity      `json:"severity" db:"severity"`
	SeverityScore int                  `json:"severityScore" db:"severity_score"`
	Confidence    int                  `json:"confidence" db:"confidence"`
	Tags          []string             `json:"tags" db:"-"`
	Raw           []byte               `json:"raw,omitempty" db:"raw"`
	CreatedAt     time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time            `json:"updatedAt" db:"updated_at"`
}

// Fingerprint returns the dedup key of an indicator: hex sha256 over type|value|source.
func Fingerprint(t common.IndicatorType, value, source string) string {
	sum := sha256.Sum256([]byte(string(t) + "|" + value + "|" + source))
	return hex.EncodeToString(sum[:])
}

// Filter narrows store queries. Zero fields do not constrain; Since and Until bound last_seen.
type Filter struct {
	Fingerprints []string
	Source       string
	Type         common.IndicatorType
	Severity     common.Severity
	Since        time.Time
	Until        time.Time
	Limit        int
}

// GroupField is a column the store can aggregate counts by.
type GroupField string

const (
	GroupBySource   GroupField = "source"
	GroupByType     GroupField = "type"
	GroupBySeverity GroupField = "severity"
)

// Store persists indicator records keyed by fingerprint.
type Store interface {
	Find(ctx context.Context, f Filter) ([]Record, error)
	FindOne(ctx context.Context, fingerprint string) (Record, bool, error)
	Count(ctx context.Context, f Filter) (int, error)
	CountBy(ctx context.Context, field GroupField) (map[string]int, error)
	// Upsert inserts new records and updates the mutable fields of existing ones.
	// first_seen and observed_count of existing rows are left untouched.
	Upsert(ctx context.Context, records []Record) error
	// Increment bumps observed_count by one and moves last_seen forward to seenAt.
	Increment(ctx context.Context, fingerprints []string, seenAt time.Time) error
}

// Stats summarises the indicator store.
type Stats struct {
	Total           int            `json:"total"`
	BySource        map[string]int `json:"bySource"`
	ByType          map[string]int `json:"byType"`
	BySeverity      map[string]int `json:"bySeverity"`
	Last24h         int            `json:"last24h"`
	HighSeverityPct float64        `json:"highSeverityPct"`
}

// CollectStats queries s for the aggregate view operators see.
func CollectStats(ctx context.Context, s Store, now time.Time) (Stats, error) {
	var st Stats
	var err error
	if st.Total, err = s.Count(ctx, Filter{}); err != nil {
		return st, err
	}
	if st.BySource, err = s.CountBy(ctx, GroupBySource); err != nil {
		return st, err
	}
	if st.ByType, err = s.CountBy(ctx, GroupByType); err != nil {
		return st, err
	}
	if st.BySeverity, err = s.CountBy(ctx, GroupBySeverity); err != nil {
		return st, err
	}
	if st.Last24h, err = s.Count(ctx, Filter{Since: now.Add(-24 * time.Hour)}); err != nil {
		return st, err
	}
	if st.Total > 0 {
		high := st.BySeverity[string(common.SeverityCritical)] + st.BySeverity[string(common.SeverityHigh)]
		st.HighSeverityPct = float64(high) * 100 / float64(st.Total)
	}
	return st, nil
}
