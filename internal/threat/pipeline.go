package threat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"iocingest/internal/dedup"
	"iocingest/internal/ioc"
	"iocingest/internal/parse"
)

// Upserter persists parsed indicators.
type Upserter interface {
	Upsert(ctx context.Context, indicators []ioc.Indicator) (dedup.Result, error)
}

// Pipeline parses staged feed files and hands the indicators to the dedup engine.
type Pipeline struct {
	dir    string
	engine Upserter
	now    func() time.Time
}

// NewPipeline creates a pipeline reading staged files from dir.
func NewPipeline(dir string, engine Upserter) *Pipeline {
	return &Pipeline{dir: dir, engine: engine, now: time.Now}
}

// Process parses and upserts staged files for the given source keys, or for
// every known feed when no key is given. A file that fails to parse or to
// store is reported and skipped. Store errors are joined into the returned error.
func (p *Pipeline) Process(ctx context.Context, keys ...string) (rep Report, err error) {
	rep.StartedAt = p.now().UTC()
	defer func() { rep.Duration = p.now().Sub(rep.StartedAt) }()

	matches, err := parse.Discover(p.dir, keys...)
	if err != nil {
		return rep, fmt.Errorf("discover feeds: %w", err)
	}
	var storeErrs []error
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return rep, errors.Join(append(storeErrs, err)...)
		}
		fr := FileReport{File: filepath.Base(m.Path), Source: m.Feed.Source}
		inds, err := m.Feed.Parse(m.Path, m.Feed.Source, p.now().UTC())
		if err != nil {
			slog.Warn("parse failed", "file", fr.File, "source", fr.Source, "err", err)
			fr.Error = err.Error()
			rep.Failed++
			rep.add(fr)
			continue
		}
		fr.Parsed = len(inds)
		rep.Parsed += len(inds)

		res, err := p.engine.Upsert(ctx, inds)
		fr.Upsert = res
		if err != nil {
			slog.Error("store failed", "file", fr.File, "source", fr.Source, "err", err)
			fr.Error = err.Error()
			rep.Failed++
			rep.add(fr)
			storeErrs = append(storeErrs, fmt.Errorf("store %s: %w", fr.File, err))
			continue
		}
		rep.add(fr)
		slog.Info("processed feed file", "file", fr.File, "source", fr.Source,
			"parsed", fr.Parsed, "created", res.Created, "updated", res.Updated, "invalid", res.Invalid)
	}
	return rep, errors.Join(storeErrs...)
}
