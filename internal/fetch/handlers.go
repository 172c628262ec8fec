package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"iocingest/internal/catalog"
	"iocingest/internal/common"
	"iocingest/internal/detection"
	"iocingest/internal/metrics"
)

const maxOTXPulses = 100

// Skip reasons reported in Result.Reason.
const (
	ReasonDisabled       = "disabled"
	ReasonNoURL          = "url_not_configured"
	ReasonAlreadyFetched = "already_fetched"
)

// Result is the uniform outcome of one fetch attempt.
type Result struct {
	Source    string        `json:"source"`
	Key       string        `json:"key"`
	Status    common.Status `json:"status"`
	Count     int           `json:"count"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Files     []string      `json:"files,omitempty"`
}

// Skipped builds a result for a source that was not attempted.
func Skipped(src catalog.Source, reason string, now time.Time) Result {
	return Result{Source: src.Name, Key: src.Key, Status: common.StatusSkipped, Reason: reason, Timestamp: now}
}

// Fetcher retrieves one source and stages its payload. Fetch never panics
// and never returns an error: failures are reported in the Result.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) Result
}

// Options are the collaborators shared by all handlers.
type Options struct {
	Client          *Client
	Stager          *Stager
	PhishStatsLimit int
	PhishStatsPages int
	PageDelay       time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PhishStatsLimit <= 0 {
		o.PhishStatsLimit = 100
	}
	if o.PhishStatsPages <= 0 {
		o.PhishStatsPages = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type stageFunc func(ctx context.Context) (count int, files []string, err error)

type sourceFetcher struct {
	src   catalog.Source
	opts  Options
	stage stageFunc
}

// New binds the handler named by src.Handler to src.
func New(src catalog.Source, opts Options) (Fetcher, error) {
	f := &sourceFetcher{src: src, opts: opts.withDefaults()}
	switch src.Handler {
	case common.HandlerSimple:
		f.stage = f.simple
	case common.HandlerGzip:
		f.stage = f.gunzip
	case common.HandlerZip:
		f.stage = f.unzip
	case common.HandlerOTX:
		f.stage = f.otx
	case common.HandlerAPIJSON:
		f.stage = f.apiJSON
	case common.HandlerXMLExtract:
		f.stage = f.xmlExtract
	case common.HandlerPhishStats:
		f.stage = f.phishStats
	default:
		return nil, fmt.Errorf("source %s: unknown handler %q", src.Key, src.Handler)
	}
	return f, nil
}

func (f *sourceFetcher) Name() string { return f.src.Key }

func (f *sourceFetcher) Fetch(ctx context.Context) (res Result) {
	start := time.Now()
	res = Result{Source: f.src.Name, Key: f.src.Key}
	log := f.opts.Logger.With("source", f.src.Key, "handler", string(f.src.Handler))

	defer func() {
		if r := recover(); r != nil {
			res.Status = common.StatusFailed
			res.Error = fmt.Sprintf("handler panic: %v", r)
		}
		res.Timestamp = f.opts.Now()
		metrics.FetchTotal.WithLabelValues(f.src.Key, string(res.Status)).Inc()
		metrics.FetchDuration.WithLabelValues(f.src.Key).Observe(time.Since(start).Seconds())
		if res.Status == common.StatusFailed {
			log.Error("fetch failed", "err", res.Error)
			return
		}
		log.Info("fetch complete", "count", res.Count, "files", len(res.Files), "took", time.Since(start))
	}()

	count, files, err := f.stage(ctx)
	res.Count = count
	res.Files = files
	if err != nil {
		res.Status = common.StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = common.StatusSuccess
	return res
}

func (f *sourceFetcher) simple(ctx context.Context) (int, []string, error) {
	body, err := f.get(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	return f.stageText(f.src.StagedName(), body)
}

func (f *sourceFetcher) gunzip(ctx context.Context) (int, []string, error) {
	body, err := f.get(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return 0, nil, fmt.Errorf("gunzip: %w", err)
	}
	return f.stageText(f.src.StagedName(), data)
}

func (f *sourceFetcher) unzip(ctx context.Context) (int, []string, error) {
	body, err := f.get(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return 0, nil, fmt.Errorf("open zip: %w", err)
	}
	var entry *zip.File
	for _, zf := range zr.File {
		if !zf.FileInfo().IsDir() {
			entry = zf
			break
		}
	}
	if entry == nil {
		return 0, nil, ErrEmptyArchive
	}
	rc, err := entry.Open()
	if err != nil {
		return 0, nil, fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", entry.Name, err)
	}
	return f.stageText(f.src.StagedName(), data)
}

// otx stages each returned pulse as its own file.
func (f *sourceFetcher) otx(ctx context.Context) (int, []string, error) {
	body, err := f.get(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	var payload struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, nil, fmt.Errorf("decode pulses: %w", err)
	}
	if err := f.opts.Stager.Remove(f.src.Filename + "_*.json"); err != nil {
		return 0, nil, fmt.Errorf("clear staged pulses: %w", err)
	}

	pulses := payload.Results
	if len(pulses) > maxOTXPulses {
		pulses = pulses[:maxOTXPulses]
	}
	var files []string
	for _, raw := range pulses {
		var head struct {
			ID any `json:"id"`
		}
		_ = json.Unmarshal(raw, &head)
		id := "unknown"
		if head.ID != nil {
			id = safeName(fmt.Sprint(head.ID))
		}
		path, err := f.opts.Stager.Write(fmt.Sprintf("%s_%s.json", f.src.Filename, id), raw)
		if err != nil {
			return len(payload.Results), files, err
		}
		files = append(files, path)
	}
	return len(payload.Results), files, nil
}

// apiJSON stages the whole JSON body, or the raw text if it is not JSON.
func (f *sourceFetcher) apiJSON(ctx context.Context) (int, []string, error) {
	body, err := f.get(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	jsonName, textName := f.src.Filename+".json", f.src.Filename+".txt"

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		f.opts.Logger.Debug("response is not JSON, staging as text", "source", f.src.Key)
		if err := f.opts.Stager.Remove(jsonName); err != nil {
			return 0, nil, err
		}
		return f.stageText(textName, body)
	}

	count := 1
	switch v := doc.(type) {
	case []any:
		count = len(v)
	case map[string]any:
		count = len(v)
	}
	if err := f.opts.Stager.Remove(textName); err != nil {
		return 0, nil, err
	}
	path, err := f.opts.Stager.Write(jsonName, body)
	if err != nil {
		return 0, nil, err
	}
	return count, []string{path}, nil
}

// xmlExtract stages only the indicator values found in the payload.
func (f *sourceFetcher) xmlExtract(ctx context.Context) (int, []string, error) {
	body, err := f.get(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	if !bytes.Contains(body, []byte("<?xml")) {
		return f.stageMatches(detection.Extract(string(body)))
	}
	leaves, err := xmlText(body)
	if err != nil {
		return 0, nil, fmt.Errorf("parse xml: %w", err)
	}
	matches := detection.Extract(strings.Join(leaves, "\n"))
	if len(matches) == 0 {
		f.opts.Logger.Warn("no indicators found in XML, staging empty file", "source", f.src.Key)
	}
	return f.stageMatches(matches)
}

// phishStats walks a fixed number of pages, dropping entries whose id was
// already seen on an earlier page, and stages each page separately.
func (f *sourceFetcher) phishStats(ctx context.Context) (int, []string, error) {
	if err := f.opts.Stager.Remove(f.src.Filename + "_page*.json"); err != nil {
		return 0, nil, fmt.Errorf("clear staged pages: %w", err)
	}
	pacer := NewPacer(f.opts.PageDelay)
	seen := make(map[string]struct{})
	total := 0
	var files []string

	for page := 1; page <= f.opts.PhishStatsPages; page++ {
		if err := pacer.Wait(ctx); err != nil {
			return total, files, err
		}
		body, err := f.get(ctx, map[string]string{
			"_page":    strconv.Itoa(page),
			"_perPage": strconv.Itoa(f.opts.PhishStatsLimit),
		})
		if err != nil {
			return total, files, fmt.Errorf("page %d: %w", page, err)
		}
		var entries []map[string]any
		if err := json.Unmarshal(body, &entries); err != nil {
			return total, files, fmt.Errorf("decode page %d: %w", page, err)
		}

		fresh := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			if id, ok := e["id"]; ok && id != nil {
				k := fmt.Sprint(id)
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
			}
			fresh = append(fresh, e)
		}
		if len(fresh) == 0 {
			continue
		}
		data, err := json.MarshalIndent(fresh, "", "  ")
		if err != nil {
			return total, files, err
		}
		path, err := f.opts.Stager.Write(fmt.Sprintf("%s_page%d.json", f.src.Filename, page), data)
		if err != nil {
			return total, files, err
		}
		files = append(files, path)
		total += len(fresh)
	}
	return total, files, nil
}

func (f *sourceFetcher) stageText(name string, data []byte) (int, []string, error) {
	path, err := f.opts.Stager.Write(name, data)
	if err != nil {
		return 0, nil, err
	}
	return countLines(data), []string{path}, nil
}

func (f *sourceFetcher) stageMatches(matches []string) (int, []string, error) {
	path, err := f.opts.Stager.Write(f.src.StagedName(), []byte(strings.Join(matches, "\n")))
	if err != nil {
		return 0, nil, err
	}
	return len(matches), []string{path}, nil
}

// get requests the source URL with the source's headers, API key and any extra query params.
func (f *sourceFetcher) get(ctx context.Context, extra map[string]string) ([]byte, error) {
	if f.src.NeedsAPIKey() && f.src.APIKey == "" {
		return nil, fmt.Errorf("%w: set %s", ErrMissingAPIKey, f.src.APIKeyEnv)
	}
	u, err := url.Parse(f.src.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, v := range f.src.Params {
		q.Set(k, v)
	}
	for k, v := range extra {
		q.Set(k, v)
	}
	if f.src.APIKeyParam != "" {
		q.Set(f.src.APIKeyParam, f.src.APIKey)
	}
	u.RawQuery = q.Encode()

	headers := make(map[string]string, len(f.src.Headers)+1)
	for k, v := range f.src.Headers {
		headers[k] = v
	}
	if f.src.APIKeyHeader != "" {
		headers[f.src.APIKeyHeader] = f.src.APIKey
	}
	if f.opts.Client == nil {
		return nil, errors.New("no http client configured")
	}
	return f.opts.Client.Get(ctx, f.src.Key, u.String(), headers)
}

// xmlText collects every character-data leaf and attribute value in document order.
func xmlText(body []byte) ([]string, error) {
	d := xml.NewDecoder(bytes.NewReader(body))
	d.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	var out []string
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			for _, a := range t.Attr {
				if v := strings.TrimSpace(a.Value); v != "" {
					out = append(out, v)
				}
			}
		case xml.CharData:
			if v := strings.TrimSpace(string(t)); v != "" {
				out = append(out, v)
			}
		}
	}
}

func countLines(data []byte) int {
	n := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
