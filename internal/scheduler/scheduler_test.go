package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iocingest/internal/catalog"
	"iocingest/internal/common"
	"iocingest/internal/dedup"
	"iocingest/internal/fetch"
	"iocingest/internal/ioc"
	"iocingest/internal/normalize"
	"iocingest/internal/store"
	"iocingest/internal/threat"
	"iocingest/internal/tracking"
)

// stubFetcher writes a canned payload to the staging dir.
type stubFetcher struct {
	src     catalog.Source
	dir     string
	payload string
	fail    bool
	calls   *calls
}

type calls struct {
	mu   sync.Mutex
	keys []string
}

func (c *calls) add(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, k)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func (f stubFetcher) Name() string { return f.src.Key }

func (f stubFetcher) Fetch(context.Context) fetch.Result {
	f.calls.add(f.src.Key)
	res := fetch.Result{Source: f.src.Name, Key: f.src.Key, Timestamp: time.Now()}
	if f.fail {
		res.Status = common.StatusFailed
		res.Error = "upstream unavailable"
		return res
	}
	name := f.src.StagedName()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(f.payload), 0o644); err != nil {
		res.Status = common.StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = common.StatusSuccess
	res.Count = 1
	res.Files = []string{name}
	return res
}

type fixture struct {
	svc     *Service
	store   *store.Memory
	track   tracking.Store[tracking.FetchRecord]
	calls   *calls
	outDir  string
	failing map[string]bool
}

func testSources() []catalog.Source {
	return []catalog.Source{
		{Name: "CIArmy", Key: "ciarmy", Enabled: true, URL: "http://feeds.test/ciarmy", Type: common.PayloadTXT,
			Filename: "ciarmy", Handler: common.HandlerSimple, Schedule: common.TierDaily, TTL: 24 * time.Hour},
		{Name: "Spamhaus", Key: "spamhaus", Enabled: true, URL: "http://feeds.test/spamhaus", Type: common.PayloadTXT,
			Filename: "spamhaus", Handler: common.HandlerSimple, Schedule: common.TierDaily, TTL: 24 * time.Hour},
		{Name: "Feodo", Key: "feodo", URL: "http://feeds.test/feodo", Type: common.PayloadCSV,
			Filename: "feodo", Handler: common.HandlerSimple, Schedule: common.TierDaily, TTL: 24 * time.Hour},
		{Name: "Emerging Threats", Key: "emergingThreats", Enabled: true, Type: common.PayloadTXT,
			Filename: "emerging_threats", Handler: common.HandlerSimple, Schedule: common.TierDaily, TTL: 24 * time.Hour},
		{Name: "URLhaus", Key: "urlhaus", Enabled: true, URL: "http://feeds.test/urlhaus", Type: common.PayloadCSV,
			Filename: "urlhaus_online", Handler: common.HandlerSimple, Schedule: common.TierMonthly, TTL: 720 * time.Hour},
	}
}

var payloads = map[string]string{
	"ciarmy":   "192.0.2.10\n192.0.2.11\n",
	"spamhaus": "203.0.113.0/24 ; SBL1\n",
	"urlhaus":  "http://bad.example/x,malware\n",
}

func newFixture(t *testing.T, enabled bool) *fixture {
	t.Helper()
	root := t.TempDir()
	inDir := filepath.Join(root, "ingested")
	outDir := filepath.Join(root, "normalized")
	require.NoError(t, os.MkdirAll(inDir, 0o755))

	cat, err := catalog.New(testSources())
	require.NoError(t, err)

	fx := &fixture{
		store:   store.NewMemory(),
		track:   tracking.NewFileStore[tracking.FetchRecord](filepath.Join(inDir, tracking.FetchFile)),
		calls:   &calls{},
		outDir:  outDir,
		failing: map[string]bool{},
	}
	factory := func(src catalog.Source) (fetch.Fetcher, error) {
		return stubFetcher{src: src, dir: inDir, payload: payloads[src.Key], fail: fx.failing[src.Key], calls: fx.calls}, nil
	}

	ncfg := normalize.DefaultConfig()
	ncfg.InputDir = inDir
	ncfg.OutputDir = outDir
	norm := normalize.New(ncfg, nil)

	pipe := threat.NewPipeline(inDir, dedup.New(fx.store, dedup.WithPause(0)))
	fx.svc = New(Config{Enabled: enabled}, cat, fx.track, factory, pipe, norm, fx.store)
	return fx
}

func TestRunCycleFetchesDueSources(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	sum, err := fx.svc.RunCycle(ctx, common.TierDaily)
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.Successful)
	assert.Equal(t, 2, sum.Skipped)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, []string{"ciarmy", "spamhaus"}, fx.calls.list())

	reasons := map[string]string{}
	for _, r := range sum.Results {
		reasons[r.Key] = r.Reason
	}
	assert.Equal(t, fetch.ReasonDisabled, reasons["feodo"])
	assert.Equal(t, fetch.ReasonNoURL, reasons["emergingThreats"])

	require.NotNil(t, sum.Report)
	assert.Equal(t, 3, sum.Report.Upsert.Created)
	require.NotNil(t, sum.Normalize)
	assert.Equal(t, 1, sum.Normalize.Summary.Successful)

	ip, err := os.ReadFile(filepath.Join(fx.outDir, "merged_ip_list.txt"))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10\n192.0.2.11\n203.0.113.0/24\n", string(ip))

	rec, ok, err := fx.track.Get("ciarmy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, common.StatusSuccess, rec.Status)
	assert.Nil(t, rec.Error)

	_, ok, err = fx.track.Get("feodo")
	require.NoError(t, err)
	assert.False(t, ok, "skipped sources are not recorded")
}

func TestRunCycleHonoursTTL(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	_, err := fx.svc.RunCycle(ctx, common.TierDaily)
	require.NoError(t, err)
	sum, err := fx.svc.RunCycle(ctx, common.TierDaily)
	require.NoError(t, err)

	assert.Zero(t, sum.Successful)
	assert.Equal(t, 4, sum.Skipped)
	assert.Len(t, fx.calls.list(), 2)
	for _, r := range sum.Results {
		if r.Key == "ciarmy" || r.Key == "spamhaus" {
			assert.Equal(t, fetch.ReasonAlreadyFetched, r.Reason)
		}
	}
	assert.Nil(t, sum.Normalize, "nothing new to normalize")

	// staged files are reprocessed and only bump observation counts
	require.NotNil(t, sum.Report)
	assert.Equal(t, 3, sum.Report.Upsert.Updated)
}

func TestRunCycleRetriesFailedSource(t *testing.T) {
	fx := newFixture(t, true)
	fx.failing["ciarmy"] = true
	ctx := context.Background()

	sum, err := fx.svc.RunCycle(ctx, common.TierDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	rec, ok, err := fx.track.Get("ciarmy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, common.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "upstream unavailable", *rec.Error)

	fx.failing["ciarmy"] = false
	sum, err = fx.svc.RunCycle(ctx, common.TierDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, []string{"ciarmy", "spamhaus", "ciarmy"}, fx.calls.list())
}

func TestRunCycleIngestionDisabled(t *testing.T) {
	fx := newFixture(t, false)
	sum, err := fx.svc.RunCycle(context.Background(), common.TierDaily)
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Empty(t, fx.calls.list())
}

func TestRunCycleRejectsUnknownTier(t *testing.T) {
	fx := newFixture(t, true)
	_, err := fx.svc.RunCycle(context.Background(), common.Tier("weekly"))
	assert.Error(t, err)
}

func TestTriggerIngestionRunsAllTiers(t *testing.T) {
	fx := newFixture(t, true)
	sums, err := fx.svc.TriggerIngestion(context.Background())
	require.NoError(t, err)
	require.Len(t, sums, 3)
	assert.Equal(t, common.TierMonthly, sums[0].Tier)
	assert.Equal(t, 1, sums[0].Successful)
	assert.Zero(t, sums[1].Total)
	assert.Equal(t, 2, sums[2].Successful)

	n, err := fx.store.Count(context.Background(), ioc.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestForceFetch(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	_, err := fx.svc.ForceFetch(ctx, "nope")
	assert.True(t, errors.Is(err, catalog.ErrUnknownSource))

	_, err = fx.svc.ForceFetch(ctx, "feodo")
	assert.True(t, errors.Is(err, catalog.ErrSourceDisabled))

	_, err = fx.svc.RunCycle(ctx, common.TierDaily)
	require.NoError(t, err)

	out, err := fx.svc.ForceFetch(ctx, "ciarmy")
	require.NoError(t, err)
	assert.Equal(t, common.StatusSuccess, out.Fetch.Status)
	require.NotNil(t, out.Report)
	assert.Equal(t, 2, out.Report.Upsert.Updated)
	assert.Equal(t, []string{"ciarmy", "spamhaus", "ciarmy"}, fx.calls.list())
}

func TestFetchStatus(t *testing.T) {
	fx := newFixture(t, true)
	st, err := fx.svc.FetchStatus()
	require.NoError(t, err)
	require.Len(t, st, 5)
	for _, s := range st {
		assert.Equal(t, "never_fetched", s.Status)
		assert.Nil(t, s.LastFetch)
	}

	_, err = fx.svc.RunCycle(context.Background(), common.TierDaily)
	require.NoError(t, err)
	st, err = fx.svc.FetchStatus()
	require.NoError(t, err)
	assert.Equal(t, "ciarmy", st[0].Key)
	assert.Equal(t, "success", st[0].Status)
	assert.Equal(t, 1, st[0].Count)
	require.NotNil(t, st[0].NextFetch)
	assert.Equal(t, st[0].LastFetch.Add(24*time.Hour), *st[0].NextFetch)
}

func TestStatsAndNormalize(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()
	_, err := fx.svc.RunCycle(ctx, common.TierDaily)
	require.NoError(t, err)

	stats, err := fx.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)

	rep, err := fx.svc.Normalize(ctx, normalize.TaskIP)
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, common.StatusSkipped, rep.Results[0].Status)
	assert.Equal(t, normalize.ReasonNoNewFiles, rep.Results[0].Reason)

	_, err = fx.svc.Normalize(ctx, normalize.Task("bogus"))
	assert.ErrorIs(t, err, normalize.ErrUnknownTask)
}

func TestStartRejectsBadCron(t *testing.T) {
	fx := newFixture(t, true)
	fx.svc.cfg.Crons = map[common.Tier]string{common.TierDaily: "not a cron"}
	assert.Error(t, fx.svc.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	fx := newFixture(t, true)
	require.NoError(t, fx.svc.Start(context.Background()))
	assert.Len(t, fx.svc.cron.Entries(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, fx.svc.Stop(ctx))
}

func TestRunCycleSpacesConsecutiveFetches(t *testing.T) {
	fx := newFixture(t, true)
	fx.svc.cfg.SourceDelay = 150 * time.Millisecond

	start := time.Now()
	sum, err := fx.svc.RunCycle(context.Background(), common.TierDaily)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Successful)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// a second cycle starts with a fresh pacer and fetches nothing new
	start = time.Now()
	_, err = fx.svc.RunCycle(context.Background(), common.TierMonthly)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
