package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"iocingest/internal/catalog"
	"iocingest/internal/config"
	"iocingest/internal/dedup"
	"iocingest/internal/fetch"
	"iocingest/internal/normalize"
	"iocingest/internal/scheduler"
	"iocingest/internal/store"
	"iocingest/internal/threat"
	"iocingest/internal/tracking"
)

const boltFile = ".tracking.db"

// App holds the wired ingestion service and the resources it owns.
type App struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	Service *scheduler.Service
	Store   *store.SQL

	bolt *bolt.DB
}

// Build opens storage and wires every component described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{cfg.FeedsPath, cfg.Normalize.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	a := &App{Config: cfg, Catalog: catalog.Default().Apply(cfg.Overrides)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var (
		fetchTrack tracking.Store[tracking.FetchRecord]
		normTrack  tracking.Store[tracking.NormalizeRecord]
	)
	switch cfg.TrackingBackend {
	case config.TrackingBolt:
		db, err := tracking.OpenBolt(filepath.Join(cfg.FeedsPath, boltFile))
		if err != nil {
			return nil, err
		}
		a.bolt = db
		if fetchTrack, err = tracking.NewBoltStore[tracking.FetchRecord](db, "fetch"); err != nil {
			return nil, err
		}
		if normTrack, err = tracking.NewBoltStore[tracking.NormalizeRecord](db, "normalize"); err != nil {
			return nil, err
		}
	default:
		fetchTrack = tracking.NewFileStore[tracking.FetchRecord](filepath.Join(cfg.FeedsPath, tracking.FetchFile))
	}

	dsn := cfg.DBDSN
	if cfg.DBDriver == store.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(dsn, "file:")), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_time_format=sqlite"
		}
	}
	st, err := store.Open(ctx, cfg.DBDriver, dsn)
	if err != nil {
		return nil, err
	}
	a.Store = st

	opts := fetch.Options{
		Client:          fetch.NewClient(cfg.Client, logger),
		Stager:          fetch.NewStager(cfg.FeedsPath),
		PhishStatsLimit: cfg.PhishStatsLimit,
		PhishStatsPages: cfg.PhishStatsPages,
		PageDelay:       cfg.PageDelay,
		Logger:          logger,
	}
	newFetcher := func(src catalog.Source) (fetch.Fetcher, error) { return fetch.New(src, opts) }

	pipeline := threat.NewPipeline(cfg.FeedsPath, dedup.New(st))
	norm := normalize.New(cfg.Normalize, normTrack)

	a.Service = scheduler.New(scheduler.Config{
		Enabled:     cfg.SourcesEnabled,
		SourceDelay: cfg.SourceDelay,
		Crons:       cfg.Crons,
	}, a.Catalog, fetchTrack, newFetcher, pipeline, norm, st)

	ok = true
	logger.Info("ingestion service wired",
		"sources", len(a.Catalog.All()), "db_driver", cfg.DBDriver, "tracking", cfg.TrackingBackend)
	return a, nil
}

// Close releases the database handles.
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.bolt != nil {
		errs = append(errs, a.bolt.Close())
	}
	return errors.Join(errs...)
}
