package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"iocingest/internal/catalog"
	"iocingest/internal/common"
	"iocingest/internal/fetch"
	"iocingest/internal/ioc"
	"iocingest/internal/metrics"
	"iocingest/internal/normalize"
	"iocingest/internal/threat"
	"iocingest/internal/tracking"
)

var ErrCycleRunning = errors.New("tier cycle already running")

// FetcherFactory binds a format handler to a source.
type FetcherFactory func(src catalog.Source) (fetch.Fetcher, error)

// Processor turns staged files of the given sources into stored indicators.
type Processor interface {
	Process(ctx context.Context, keys ...string) (threat.Report, error)
}

type Config struct {
	// Enabled is the global ingestion switch.
	Enabled     bool
	SourceDelay time.Duration
	Crons       map[common.Tier]string
}

// DefaultCrons are the tier schedules used when none are configured.
var DefaultCrons = map[common.Tier]string{
	common.TierMonthly: "0 0 1 * *",
	common.Tier48Hours: "0 0 */2 * *",
	common.TierDaily:   "0 0 * * *",
}

// CycleSummary reports one tier cycle.
type CycleSummary struct {
	RunID      string            `json:"runId"`
	Tier       common.Tier       `json:"tier"`
	StartedAt  time.Time         `json:"startedAt"`
	Duration   time.Duration     `json:"duration"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Total      int               `json:"total"`
	Results    []fetch.Result    `json:"results"`
	Report     *threat.Report    `json:"report,omitempty"`
	Normalize  *normalize.Report `json:"normalize,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ForceResult is the outcome of a manual single-source fetch.
type ForceResult struct {
	Fetch     fetch.Result      `json:"fetch"`
	Report    *threat.Report    `json:"report,omitempty"`
	Normalize *normalize.Report `json:"normalize,omitempty"`
}

// SourceStatus is one row of the fetch status report.
type SourceStatus struct {
	Name      string        `json:"name"`
	Key       string        `json:"key"`
	Enabled   bool          `json:"enabled"`
	Tier      common.Tier   `json:"tier"`
	LastFetch *time.Time    `json:"lastFetch"`
	Status    string        `json:"status"`
	Count     int           `json:"count"`
	Error     *string       `json:"error"`
	TTL       time.Duration `json:"ttl"`
	NextFetch *time.Time    `json:"nextFetch"`
}

// Service drives fetch cycles per tier and the processing that follows them.
type Service struct {
	cfg        Config
	catalog    *catalog.Catalog
	tracking   tracking.Store[tracking.FetchRecord]
	newFetcher FetcherFactory
	pipeline   Processor
	normalizer *normalize.Normalizer
	store      ioc.Store
	cron       *cron.Cron
	now        func() time.Time

	mu      sync.Mutex
	running map[common.Tier]bool
}

func New(cfg Config, cat *catalog.Catalog, tr tracking.Store[tracking.FetchRecord], newFetcher FetcherFactory,
	pipeline Processor, norm *normalize.Normalizer, store ioc.Store) *Service {
	if cfg.Crons == nil {
		cfg.Crons = DefaultCrons
	}
	return &Service{
		cfg:        cfg,
		catalog:    cat,
		tracking:   tr,
		newFetcher: newFetcher,
		pipeline:   pipeline,
		normalizer: norm,
		store:      store,
		cron:       cron.New(),
		now:        time.Now,
		running:    make(map[common.Tier]bool),
	}
}

// RunCycle fetches every due source of tier one after another, then parses
// the tier's staged feeds and normalizes when new staged data exists.
func (s *Service) RunCycle(ctx context.Context, tier common.Tier) (CycleSummary, error) {
	if !tier.IsValid() {
		return CycleSummary{}, fmt.Errorf("unknown tier %q", tier)
	}
	s.mu.Lock()
	if s.running[tier] {
		s.mu.Unlock()
		return CycleSummary{}, fmt.Errorf("%w: %s", ErrCycleRunning, tier)
	}
	s.running[tier] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, tier)
		s.mu.Unlock()
	}()

	sum := CycleSummary{RunID: uuid.NewString(), Tier: tier, StartedAt: s.now().UTC()}
	log := slog.With("run_id", sum.RunID, "tier", tier)
	sources := s.catalog.Tier(tier)
	log.Info("tier cycle started", "sources", len(sources))

	if !s.cfg.Enabled {
		log.Info("ingestion disabled, cycle skipped")
		return sum, nil
	}
	pacer := fetch.NewPacer(s.cfg.SourceDelay)
	keys := make([]string, 0, len(sources))
	for _, src := range sources {
		keys = append(keys, src.Key)
		res := s.fetchIfDue(ctx, src, pacer)
		sum.Results = append(sum.Results, res)
		switch res.Status {
		case common.StatusSuccess:
			sum.Successful++
		case common.StatusFailed:
			sum.Failed++
		default:
			sum.Skipped++
		}
		if ctx.Err() != nil {
			break
		}
	}
	sum.Total = len(sum.Results)

	if len(keys) > 0 {
		if err := s.process(ctx, log, &sum.Report, &sum.Normalize, keys...); err != nil {
			sum.Error = err.Error()
		}
	}

	sum.Duration = s.now().Sub(sum.StartedAt)
	metrics.CycleDuration.WithLabelValues(string(tier)).Observe(sum.Duration.Seconds())
	log.Info("tier cycle complete", "duration", sum.Duration, "successful", sum.Successful,
		"failed", sum.Failed, "skipped", sum.Skipped, "total", sum.Total)
	return sum, ctx.Err()
}

// TriggerIngestion runs every tier cycle in order.
func (s *Service) TriggerIngestion(ctx context.Context) ([]CycleSummary, error) {
	out := make([]CycleSummary, 0, len(common.Tiers))
	for _, t := range common.Tiers {
		sum, err := s.RunCycle(ctx, t)
		if err != nil && !errors.Is(err, ErrCycleRunning) {
			return out, err
		}
		if err == nil {
			out = append(out, sum)
		}
	}
	return out, nil
}

// ForceFetch refetches one source regardless of its TTL. On success its
// staged files are processed and normalized right away.
func (s *Service) ForceFetch(ctx context.Context, key string) (ForceResult, error) {
	src, err := s.catalog.Lookup(key)
	if err != nil {
		return ForceResult{}, err
	}
	if !src.Enabled {
		return ForceResult{}, fmt.Errorf("%w: %s", catalog.ErrSourceDisabled, key)
	}
	if err := s.tracking.Delete(key); err != nil {
		return ForceResult{}, fmt.Errorf("clear tracking for %s: %w", key, err)
	}
	var out ForceResult
	out.Fetch = s.fetch(ctx, src)
	if out.Fetch.Status == common.StatusSuccess {
		if err := s.process(ctx, slog.With("source", key), &out.Report, &out.Normalize, key); err != nil {
			return out, err
		}
	}
	return out, nil
}

// FetchStatus reports the tracking state of every catalog source.
func (s *Service) FetchStatus() ([]SourceStatus, error) {
	records, err := s.tracking.All()
	if err != nil {
		return nil, err
	}
	out := make([]SourceStatus, 0, len(records))
	for _, src := range s.catalog.All() {
		st := SourceStatus{
			Name:    src.Name,
			Key:     src.Key,
			Enabled: src.Enabled,
			Tier:    src.Schedule,
			Status:  "never_fetched",
			TTL:     src.TTL,
		}
		if rec, ok := records[src.Key]; ok {
			last, next := rec.Timestamp, rec.NextFetch(src.TTL)
			st.LastFetch = &last
			st.NextFetch = &next
			st.Status = string(rec.Status)
			st.Count = rec.Count
			st.Error = rec.Error
		}
		out = append(out, st)
	}
	return out, nil
}

// Stats summarises the indicator store.
func (s *Service) Stats(ctx context.Context) (ioc.Stats, error) {
	return ioc.CollectStats(ctx, s.store, s.now())
}

// Normalize runs one normalizer task on demand.
func (s *Service) Normalize(ctx context.Context, task normalize.Task) (normalize.Report, error) {
	return s.normalizer.Run(ctx, task)
}

func (s *Service) NormalizeStats() (normalize.Stats, error) { return s.normalizer.Stats() }

// ResetNormalizeTracking makes the next normalization reprocess every staged file.
func (s *Service) ResetNormalizeTracking() error { return s.normalizer.ResetTracking() }

// Start registers one cron entry per tier and starts the cron runner.
func (s *Service) Start(ctx context.Context) error {
	for _, tier := range common.Tiers {
		expr, ok := s.cfg.Crons[tier]
		if !ok || expr == "" {
			continue
		}
		tier := tier
		id, err := s.cron.AddFunc(expr, func() {
			if _, err := s.RunCycle(ctx, tier); err != nil {
				slog.Error("scheduled cycle failed", "tier", tier, "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", tier, expr, err)
		}
		slog.Info("tier scheduled", "tier", tier, "cron", expr, "entry_id", id)
	}
	s.cron.Start()
	slog.Info("scheduler started")
	return nil
}

// Stop waits for running cron jobs or for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timeout")
		return ctx.Err()
	}
}

// fetchIfDue applies the skip rules, then waits on pacer before fetching.
// Skipped sources do not consume a pacer slot.
func (s *Service) fetchIfDue(ctx context.Context, src catalog.Source, pacer *fetch.Pacer) fetch.Result {
	now := s.now()
	switch {
	case !src.Enabled:
		return fetch.Skipped(src, fetch.ReasonDisabled, now)
	case src.URL == "":
		return fetch.Skipped(src, fetch.ReasonNoURL, now)
	}
	rec, ok, err := s.tracking.Get(src.Key)
	if err != nil {
		slog.Warn("read fetch tracking", "source", src.Key, "err", err)
	}
	if ok && !rec.Due(now, src.TTL) {
		slog.Info("source fetched recently, skipping", "source", src.Key, "next_fetch", rec.NextFetch(src.TTL))
		return fetch.Skipped(src, fetch.ReasonAlreadyFetched, now)
	}
	if err := pacer.Wait(ctx); err != nil {
		return fetch.Result{Source: src.Name, Key: src.Key, Status: common.StatusFailed, Error: err.Error(), Timestamp: now}
	}
	return s.fetch(ctx, src)
}

// fetch runs the source's handler and records the outcome.
func (s *Service) fetch(ctx context.Context, src catalog.Source) fetch.Result {
	var res fetch.Result
	f, err := s.newFetcher(src)
	if err != nil {
		res = fetch.Result{Source: src.Name, Key: src.Key, Status: common.StatusFailed, Error: err.Error(), Timestamp: s.now()}
	} else {
		res = f.Fetch(ctx)
	}
	rec := tracking.FetchRecord{Name: src.Name, Status: res.Status, Timestamp: res.Timestamp.UTC(), Count: res.Count}
	if res.Error != "" {
		msg := res.Error
		rec.Error = &msg
	}
	if err := s.tracking.Put(src.Key, rec); err != nil {
		slog.Error("save fetch tracking", "source", src.Key, "err", err)
	}
	return res
}

// process parses the staged feeds of keys and normalizes when new staged
// data is present. A processing failure does not prevent normalization.
func (s *Service) process(ctx context.Context, log *slog.Logger, report **threat.Report, norm **normalize.Report, keys ...string) error {
	rep, perr := s.pipeline.Process(ctx, keys...)
	if perr != nil {
		log.Error("feed processing failed", "err", perr)
		perr = fmt.Errorf("process feeds: %w", perr)
	}
	*report = &rep

	if s.normalizer == nil || !s.normalizer.Config().Enabled {
		return perr
	}
	has, err := s.normalizer.HasNewFiles()
	if err != nil {
		log.Error("check staged files", "err", err)
		return errors.Join(perr, err)
	}
	if !has {
		log.Info("no new staged data, normalization skipped")
		return perr
	}
	nr := s.normalizer.RunAll(ctx)
	*norm = &nr
	return perr
}
