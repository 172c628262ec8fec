package fetch

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iocingest/internal/catalog"
	"iocingest/internal/common"
)

func testOptions(t *testing.T) (Options, string) {
	t.Helper()
	dir := t.TempDir()
	client := NewClient(ClientConfig{
		Timeout:         2 * time.Second,
		Attempts:        3,
		InitialBackoff:  time.Millisecond,
		BreakerFailures: 100,
	}, nil)
	return Options{Client: client, Stager: NewStager(dir), PageDelay: time.Millisecond}, dir
}

func source(handler common.Handler, typ common.PayloadType, url string) catalog.Source {
	return catalog.Source{
		Name: "Test Feed", Key: "test", Enabled: true, URL: url,
		Type: typ, Filename: "test_feed", Handler: handler,
		Schedule: common.TierDaily, TTL: time.Hour,
	}
}

func run(t *testing.T, src catalog.Source, opts Options) Result {
	t.Helper()
	f, err := New(src, opts)
	require.NoError(t, err)
	return f.Fetch(context.Background())
}

func TestSimpleStagesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "https://ref.example/", r.Header.Get("Referer"))
		fmt.Fprint(w, "# comment\n1.1.1.1\n2.2.2.2\n")
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	src := source(common.HandlerSimple, common.PayloadTXT, srv.URL)
	src.Headers = map[string]string{"Referer": "https://ref.example/"}

	res := run(t, src, opts)
	assert.Equal(t, common.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, "test", res.Key)
	assert.False(t, res.Timestamp.IsZero())

	data, err := os.ReadFile(filepath.Join(dir, "test_feed.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "2.2.2.2")
}

func TestRetryThenSucceed(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "ok\n")
	}))
	defer srv.Close()

	opts, _ := testOptions(t)
	res := run(t, source(common.HandlerSimple, common.PayloadTXT, srv.URL), opts)
	assert.Equal(t, common.StatusSuccess, res.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestRetryStatusPolicy(t *testing.T) {
	tests := []struct {
		code     int
		wantHits int32
	}{
		{http.StatusNotFound, 1},
		{http.StatusForbidden, 1},
		{http.StatusTooManyRequests, 3},
		{http.StatusInternalServerError, 3},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			opts, _ := testOptions(t)
			res := run(t, source(common.HandlerSimple, common.PayloadTXT, srv.URL), opts)
			assert.Equal(t, common.StatusFailed, res.Status)
			assert.Contains(t, res.Error, fmt.Sprint(tt.code))
			assert.Equal(t, tt.wantHits, atomic.LoadInt32(&hits))
		})
	}
}

func TestGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("phish_id,url\n1,http://a.example\n"))
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	res := run(t, source(common.HandlerGzip, common.PayloadCSV, srv.URL), opts)
	require.Equal(t, common.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 2, res.Count)

	data, err := os.ReadFile(filepath.Join(dir, "test_feed.csv"))
	require.NoError(t, err)
	assert.Equal(t, "phish_id,url\n1,http://a.example\n", string(data))
}

func TestGzipCorruptPayloadFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not gzip")
	}))
	defer srv.Close()

	opts, _ := testOptions(t)
	res := run(t, source(common.HandlerGzip, common.PayloadCSV, srv.URL), opts)
	assert.Equal(t, common.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "gunzip")
}

func zipBody(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, _ = w.Write([]byte(content))
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestZipEmptyArchiveFails(t *testing.T) {
	body := zipBody(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	res := run(t, source(common.HandlerZip, common.PayloadCSV, srv.URL), opts)
	assert.Equal(t, common.StatusFailed, res.Status)
	assert.Equal(t, ErrEmptyArchive.Error(), res.Error)

	_, err := os.Stat(filepath.Join(dir, "test_feed.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestZipStagesFirstEntry(t *testing.T) {
	body := zipBody(t, map[string]string{"full.csv": "a\nb\nc\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	res := run(t, source(common.HandlerZip, common.PayloadCSV, srv.URL), opts)
	require.Equal(t, common.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 3, res.Count)
	assert.FileExists(t, filepath.Join(dir, "test_feed.csv"))
}

func TestOTXRequiresAPIKey(t *testing.T) {
	opts, _ := testOptions(t)
	src := source(common.HandlerOTX, common.PayloadJSON, "http://127.0.0.1:1/")
	src.APIKeyHeader, src.APIKeyEnv = "X-OTX-API-KEY", "OTX_API_KEY"

	res := run(t, src, opts)
	assert.Equal(t, common.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "missing API key")
	assert.Contains(t, res.Error, "OTX_API_KEY")
}

func TestOTXStagesEachPulse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-OTX-API-KEY"))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": "abc", "name": "p1", "indicators": []any{}},
				{"id": "def", "name": "p2", "indicators": []any{}},
			},
		})
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	src := source(common.HandlerOTX, common.PayloadJSON, srv.URL)
	src.Filename = "otx_pulse"
	src.APIKeyHeader, src.APIKey = "X-OTX-API-KEY", "secret"

	stale := filepath.Join(dir, "otx_pulse_old.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))

	res := run(t, src, opts)
	require.Equal(t, common.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 2, res.Count)
	assert.FileExists(t, filepath.Join(dir, "otx_pulse_abc.json"))
	assert.FileExists(t, filepath.Join(dir, "otx_pulse_def.json"))
	assert.NoFileExists(t, stale)
}

func TestAPIJSONWithQueryKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1", r.URL.Query().Get("api_key"))
		assert.Equal(t, "getlist", r.URL.Query().Get("action"))
		fmt.Fprint(w, `[{"md5":"d41d8cd98f00b204e9800998ecf8427e"},{"md5":"00000000000000000000000000000000"}]`)
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	src := source(common.HandlerAPIJSON, common.PayloadTXT, srv.URL)
	src.APIKeyParam, src.APIKey = "api_key", "k1"
	src.Params = map[string]string{"action": "getlist"}

	res := run(t, src, opts)
	require.Equal(t, common.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 2, res.Count)
	assert.FileExists(t, filepath.Join(dir, "test_feed.json"))
}

func TestAPIJSONFallsBackToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d41d8cd98f00b204e9800998ecf8427e\n00000000000000000000000000000000\n")
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	src := source(common.HandlerAPIJSON, common.PayloadTXT, srv.URL)
	src.APIKeyParam, src.APIKey = "api_key", "k1"

	res := run(t, src, opts)
	require.Equal(t, common.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 2, res.Count)
	assert.FileExists(t, filepath.Join(dir, "test_feed.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "test_feed.json"))
}

func TestXMLExtract(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<iocs>
  <ioc><value>198.51.100.4</value><note>seen</note></ioc>
  <ioc><value>198.51.100.4</value></ioc>
  <ioc ref="http://evil.example/x"><value>10.1.1.1</value></ioc>
</iocs>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	res := run(t, source(common.HandlerXMLExtract, common.PayloadTXT, srv.URL), opts)
	require.Equal(t, common.StatusSuccess, res.Status, res.Error)

	data, err := os.ReadFile(filepath.Join(dir, "test_feed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1\n198.51.100.4\nevil.example\nhttp://evil.example/x", string(data))
	assert.Equal(t, 4, res.Count)
}

func TestXMLExtractNoMatchesIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><root><a>nothing here</a></root>`)
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	staged := filepath.Join(dir, "test_feed.txt")
	require.NoError(t, os.WriteFile(staged, []byte("198.51.100.99"), 0o644))

	res := run(t, source(common.HandlerXMLExtract, common.PayloadTXT, srv.URL), opts)
	assert.Equal(t, common.StatusSuccess, res.Status)
	assert.Equal(t, 0, res.Count)
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Empty(t, data, "previous payload is replaced")
}

func TestXMLExtractMalformedFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><root><a>1.2.3.4</b></root>`)
	}))
	defer srv.Close()

	opts, _ := testOptions(t)
	res := run(t, source(common.HandlerXMLExtract, common.PayloadTXT, srv.URL), opts)
	assert.Equal(t, common.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "parse xml")
}

func TestXMLExtractPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "bad host 203.0.113.9\n")
	}))
	defer srv.Close()

	opts, _ := testOptions(t)
	res := run(t, source(common.HandlerXMLExtract, common.PayloadTXT, srv.URL), opts)
	assert.Equal(t, common.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Count)
}

func TestPhishStatsDedupsAcrossPages(t *testing.T) {
	pages := map[string]string{
		"1": `[{"id":1,"url":"http://a.example"},{"id":2,"url":"http://b.example"}]`,
		"2": `[{"id":2,"url":"http://b.example"},{"id":3,"url":"http://c.example"}]`,
		"3": `[{"id":3,"url":"http://c.example"}]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("_perPage"))
		fmt.Fprint(w, pages[r.URL.Query().Get("_page")])
	}))
	defer srv.Close()

	opts, dir := testOptions(t)
	opts.PhishStatsLimit, opts.PhishStatsPages = 50, 3
	src := source(common.HandlerPhishStats, common.PayloadJSON, srv.URL)
	src.Filename = "phishstats"

	res := run(t, src, opts)
	require.Equal(t, common.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 3, res.Count)
	assert.Len(t, res.Files, 2)
	assert.FileExists(t, filepath.Join(dir, "phishstats_page1.json"))
	assert.FileExists(t, filepath.Join(dir, "phishstats_page2.json"))
	assert.NoFileExists(t, filepath.Join(dir, "phishstats_page3.json"))

	var page2 []map[string]any
	data, err := os.ReadFile(filepath.Join(dir, "phishstats_page2.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &page2))
	require.Len(t, page2, 1)
	assert.Equal(t, "http://c.example", page2[0]["url"])
}

func TestNewUnknownHandler(t *testing.T) {
	_, err := New(source("ftp", common.PayloadTXT, "http://x"), Options{})
	assert.ErrorContains(t, err, "unknown handler")
}

func TestPacerSpacesCalls(t *testing.T) {
	p := NewPacer(20 * time.Millisecond)
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)

	unpaced := NewPacer(0)
	start = time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, unpaced.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}
