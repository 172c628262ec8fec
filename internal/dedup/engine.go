package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"iocingest/internal/ioc"
	"iocingest/internal/metrics"
	"iocingest/internal/severity"
)

const (
	DefaultBatchSize = 500
	DefaultPause     = 50 * time.Millisecond
)

// ErrInvalid marks an indicator rejected by validation.
var ErrInvalid = errors.New("invalid indicator")

// Result reports the outcome of one Upsert call.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
	Invalid int `json:"invalid"`
	Batches int `json:"batches"`
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Total += o.Total
	r.Invalid += o.Invalid
	r.Batches += o.Batches
}

// Engine writes indicators into a store, merging repeated sightings of the
// same fingerprint into one record.
type Engine struct {
	store     ioc.Store
	batchSize int
	pause     time.Duration
	now       func() time.Time
}

type Option func(*Engine)

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithPause(d time.Duration) Option {
	return func(e *Engine) { e.pause = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store ioc.Store, opts ...Option) *Engine {
	e := &Engine{store: store, batchSize: DefaultBatchSize, pause: DefaultPause, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Validate checks the fields every persisted indicator needs.
func Validate(ind ioc.Indicator) error {
	switch {
	case ind.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalid)
	case ind.Value == "":
		return fmt.Errorf("%w: missing value", ErrInvalid)
	case ind.Confidence < 0 || ind.Confidence > 100:
		return fmt.Errorf("%w: confidence %d out of range", ErrInvalid, ind.Confidence)
	}
	return nil
}

// Upsert validates, classifies and persists indicators in batches. Invalid
// indicators are counted and dropped. A store error aborts the remaining
// batches and is returned with the partial result.
func (e *Engine) Upsert(ctx context.Context, indicators []ioc.Indicator) (Result, error) {
	now := e.now().UTC()
	valid := make([]ioc.Indicator, 0, len(indicators))
	var res Result
	for _, ind := range indicators {
		if err := Validate(ind); err != nil {
			res.Invalid++
			slog.Debug("dropping indicator", "source", ind.Source, "value", ind.Value, "err", err)
			continue
		}
		valid = append(valid, withDefaults(ind, now))
	}
	metrics.UpsertRecords.WithLabelValues("invalid").Add(float64(res.Invalid))

	for start := 0; start < len(valid); start += e.batchSize {
		if start > 0 && e.pause > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(e.pause):
			}
		}
		end := min(start+e.batchSize, len(valid))
		created, updated, err := e.writeBatch(ctx, valid[start:end], now)
		if err != nil {
			return res, fmt.Errorf("upsert batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Created += created
		res.Updated += updated
		res.Total += end - start
		metrics.UpsertBatches.Inc()
		metrics.UpsertRecords.WithLabelValues("created").Add(float64(created))
		metrics.UpsertRecords.WithLabelValues("updated").Add(float64(updated))
	}
	return res, nil
}

func (e *Engine) writeBatch(ctx context.Context, batch []ioc.Indicator, now time.Time) (created, updated int, err error) {
	fps := make([]string, len(batch))
	for i, ind := range batch {
		fps[i] = ioc.Fingerprint(ind.Type, ind.Value, ind.Source)
	}
	found, err := e.store.Find(ctx, ioc.Filter{Fingerprints: fps})
	if err != nil {
		return 0, 0, err
	}
	existing := make(map[string]ioc.Record, len(found))
	for _, r := range found {
		existing[r.Fingerprint] = r
	}

	records := make([]ioc.Record, 0, len(batch))
	pos := make(map[string]int, len(batch))
	// hits counts the observations each fingerprint owes beyond its first
	hits := make(map[string]int)
	var repeat []string
	for i, ind := range batch {
		fp := fps[i]
		prev, seen := existing[fp]
		j, dup := pos[fp]
		observed := hits[fp] + 1
		switch {
		case seen:
			observed += prev.ObservedCount
		case dup:
			observed++
		}
		rec := toRecord(fp, ind, observed, now)
		switch {
		case seen:
			rec.FirstSeen = prev.FirstSeen
			rec.CreatedAt = prev.CreatedAt
		case dup && records[j].FirstSeen.Before(rec.FirstSeen):
			rec.FirstSeen = records[j].FirstSeen
		}

		if dup {
			records[j] = rec
		} else {
			pos[fp] = len(records)
			records = append(records, rec)
		}
		if !seen && !dup {
			created++
			continue
		}
		if hits[fp] == 0 {
			repeat = append(repeat, fp)
		}
		hits[fp]++
		updated++
	}

	if err := e.store.Upsert(ctx, records); err != nil {
		return 0, 0, err
	}
	// one Increment per round so a fingerprint repeated n times gains n
	for round := 1; ; round++ {
		var due []string
		for _, fp := range repeat {
			if hits[fp] >= round {
				due = append(due, fp)
			}
		}
		if len(due) == 0 {
			break
		}
		if err := e.store.Increment(ctx, due, now); err != nil {
			return 0, 0, err
		}
	}
	return created, updated, nil
}

func withDefaults(ind ioc.Indicator, now time.Time) ioc.Indicator {
	if ind.Source == "" {
		ind.Source = "unknown"
	}
	if ind.FirstSeen.IsZero() {
		ind.FirstSeen = now
	}
	if ind.LastSeen.IsZero() {
		ind.LastSeen = now
	}
	return ind
}

func toRecord(fp string, ind ioc.Indicator, observed int, now time.Time) ioc.Record {
	v := severity.Classify(severity.Input{
		Type:          ind.Type,
		Source:        ind.Source,
		Description:   ind.Description,
		Tags:          ind.Tags,
		ObservedCount: observed,
		Confidence:    ind.Confidence,
	})
	raw, _ := json.Marshal(ind)
	return ioc.Record{
		Fingerprint:   fp,
		Type:          ind.Type,
		Value:         ind.Value,
		Source:        ind.Source,
		Description:   ind.Description,
		ObservedCount: 1,
		FirstSeen:     ind.FirstSeen.UTC(),
		LastSeen:      ind.LastSeen.UTC(),
		Severity:      v.Severity,
		SeverityScore: v.Score,
		Confidence:    v.Confidence,
		Tags:          ind.Tags,
		Raw:           raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
