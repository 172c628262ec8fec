package threat

import (
	"time"

	"iocingest/internal/dedup"
)

// FileReport describes one staged file handled by the pipeline.
type FileReport struct {
	File   string       `json:"file"`
	Source string       `json:"source"`
	Parsed int          `json:"parsed"`
	Upsert dedup.Result `json:"upsert"`
	Error  string       `json:"error,omitempty"`
}

// Report aggregates a pipeline run.
type Report struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Files     []FileReport  `json:"files"`
	Parsed    int           `json:"parsed"`
	Failed    int           `json:"failed"`
	Upsert    dedup.Result  `json:"upsert"`
	// BySource aggregates upsert results per feed source.
	BySource map[string]dedup.Result `json:"bySource"`
	// DedupRate is the share of processed indicators that matched an existing record.
	DedupRate float64 `json:"dedupRate"`
}

func (r *Report) add(fr FileReport) {
	r.Files = append(r.Files, fr)
	if r.BySource == nil {
		r.BySource = make(map[string]dedup.Result)
	}
	agg := r.BySource[fr.Source]
	agg.Add(fr.Upsert)
	r.BySource[fr.Source] = agg
	r.Upsert.Add(fr.Upsert)
	if r.Upsert.Total > 0 {
		r.DedupRate = float64(r.Upsert.Updated) / float64(r.Upsert.Total)
	}
}
