package threat

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iocingest/internal/dedup"
	"iocingest/internal/ioc"
	"iocingest/internal/store"
)

func stage(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestProcessAllFeeds(t *testing.T) {
	dir := t.TempDir()
	stage(t, dir, "urlhaus_online.csv", "# header\nhttp://bad.example/a,malware\nhttp://bad.example/b\n")
	stage(t, dir, "ciarmy.txt", "192.0.2.1\n192.0.2.2\n")
	stage(t, dir, "otx_pulse_1.json", `{"name":"p","indicators":[{"indicator":"evil.example","type":"domain"}]}`)
	stage(t, dir, "unrelated.csv", "http://ignored.example/\n")

	s := store.NewMemory()
	p := NewPipeline(dir, dedup.New(s, dedup.WithPause(0)))
	rep, err := p.Process(context.Background())
	require.NoError(t, err)

	assert.Len(t, rep.Files, 3)
	assert.Equal(t, 5, rep.Parsed)
	assert.Equal(t, 5, rep.Upsert.Created)
	assert.Zero(t, rep.Failed)
	assert.Zero(t, rep.DedupRate)
	assert.Equal(t, 2, rep.BySource["URLhaus"].Created)

	n, err := s.Count(context.Background(), ioc.Filter{Source: "CIArmy"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rep, err = p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Upsert.Updated)
	assert.Zero(t, rep.Upsert.Created)
	assert.InDelta(t, 1.0, rep.DedupRate, 0.0001)
	assert.Equal(t, 2, rep.BySource["CIArmy"].Updated)
}

func TestProcessScopedToKeys(t *testing.T) {
	dir := t.TempDir()
	stage(t, dir, "urlhaus_online.csv", "http://bad.example/a\n")
	stage(t, dir, "ciarmy.txt", "192.0.2.1\n")

	s := store.NewMemory()
	rep, err := NewPipeline(dir, dedup.New(s, dedup.WithPause(0))).Process(context.Background(), "ciarmy")
	require.NoError(t, err)
	require.Len(t, rep.Files, 1)
	assert.Equal(t, "CIArmy", rep.Files[0].Source)

	n, _ := s.Count(context.Background(), ioc.Filter{})
	assert.Equal(t, 1, n)
}

func TestProcessSkipsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	stage(t, dir, "otx_pulse_bad.json", "{broken")
	stage(t, dir, "spamhaus.txt", "203.0.113.0/24 ; SBL1\n")

	rep, err := NewPipeline(dir, dedup.New(store.NewMemory(), dedup.WithPause(0))).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Upsert.Created)
	require.Len(t, rep.Files, 2)
	assert.NotEmpty(t, rep.Files[1].Error)
}

type brokenEngine struct{}

func (brokenEngine) Upsert(context.Context, []ioc.Indicator) (dedup.Result, error) {
	return dedup.Result{}, assert.AnError
}

func TestProcessContinuesAfterStoreError(t *testing.T) {
	dir := t.TempDir()
	stage(t, dir, "ciarmy.txt", "192.0.2.1\n")
	stage(t, dir, "spamhaus.txt", "203.0.113.0/24\n")

	rep, err := NewPipeline(dir, brokenEngine{}).Process(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Len(t, rep.Files, 2)
	assert.Equal(t, 2, rep.Failed)
	assert.Contains(t, err.Error(), "spamhaus.txt")
	assert.Contains(t, err.Error(), "ciarmy.txt")
}
