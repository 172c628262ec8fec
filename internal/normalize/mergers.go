package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"iocingest/internal/common"
	"iocingest/internal/detection"
	"iocingest/internal/parse"
)

var ipPrefixes = []string{"ciarmy", "dshield_openioc", "emerging_threats", "spamhaus"}

type ipMerger struct {
	on   bool
	file string
}

func (m *ipMerger) task() Task     { return TaskIP }
func (m *ipMerger) enabled() bool  { return m.on }
func (m *ipMerger) output() string { return m.file }
func (m *ipMerger) accepts(name string) bool {
	return hasPrefix(name, ipPrefixes...)
}

func (m *ipMerger) merge(ctx context.Context, n *Normalizer, files []string) (Result, error) {
	existing, err := readLines(n.outputPath(m.file))
	if err != nil {
		return Result{}, err
	}
	set := newKeySet(len(existing))
	for _, ip := range existing {
		set.Add(ip)
	}
	prev := set.Len()

	var done outcomes
	processed := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		name := filepath.Base(path)
		lines, err := readLines(path)
		if err != nil {
			done.add(path, common.StatusFailed, 0)
			continue
		}
		count := 0
		for _, line := range lines {
			if strings.HasPrefix(name, "spamhaus") {
				line = strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
			}
			for _, ip := range detection.IPs(line) {
				set.Add(ip)
				count++
			}
		}
		done.add(path, common.StatusSuccess, count)
		processed++
	}

	ips := make([]string, 0, set.Len())
	for ip := range set.keys {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	_, err = n.out.Write(m.file, []byte(strings.Join(ips, "\n")+"\n"))
	n.commit(TaskIP, done, err)
	if err != nil {
		return Result{}, err
	}
	return Result{Previous: prev, Added: set.Len() - prev, Total: set.Len(), Files: processed}, nil
}

// tableMerger consolidates tabular families into one CSV artifact keyed by a natural key.
type tableMerger struct {
	name    Task
	on      bool
	file    string
	columns []string
	key     func(row) string
	accept  func(name string) bool
	// extract returns the normalized rows of one staged file and the number of
	// entries it held before normalization.
	extract  func(path, name string) ([]row, int, error)
	numbered bool
}

func (m *tableMerger) task() Task               { return m.name }
func (m *tableMerger) enabled() bool            { return m.on }
func (m *tableMerger) output() string           { return m.file }
func (m *tableMerger) accepts(name string) bool { return m.accept(name) }

func (m *tableMerger) merge(ctx context.Context, n *Normalizer, files []string) (Result, error) {
	var all []row
	existing, _, err := readTable(n.outputPath(m.file))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Result{}, err
	}
	set := newKeySet(len(existing))
	for _, r := range existing {
		if k := m.key(r); k != "" && set.Add(k) {
			all = append(all, r)
		}
	}
	prev := len(all)

	var done outcomes
	processed := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rows, raw, err := m.extract(path, filepath.Base(path))
		if err != nil {
			done.add(path, common.StatusFailed, 0)
			continue
		}
		if raw == 0 {
			done.add(path, common.StatusEmpty, 0)
			continue
		}
		added := 0
		for _, r := range rows {
			k := m.key(r)
			if k == "" || !set.Add(k) {
				continue
			}
			all = append(all, r)
			added++
		}
		done.add(path, common.StatusSuccess, added)
		processed++
	}

	if len(all) == 0 {
		n.commit(m.name, done, nil)
		return Result{Files: processed}, nil
	}
	if m.numbered {
		for i, r := range all {
			r["id"] = strconv.Itoa(i + 1)
		}
	}
	data, err := encodeTable(m.columns, all)
	if err == nil {
		_, err = n.out.Write(m.file, data)
	}
	n.commit(m.name, done, err)
	if err != nil {
		return Result{}, err
	}
	return Result{Previous: prev, Added: len(all) - prev, Total: len(all), Files: processed}, nil
}

func threatMerger(on bool, file string) *tableMerger {
	return &tableMerger{
		name:    TaskThreat,
		on:      on,
		file:    file,
		columns: []string{"id", "indicator", "indicator_type", "threat_type", "tags", "reporter", "reference", "last_seen", "source"},
		key:     func(r row) string { return r.first("indicator") },
		accept: func(name string) bool {
			return strings.HasSuffix(name, ".csv") && hasPrefix(name, "urlhaus", "threatfox")
		},
		extract:  extractThreat,
		numbered: true,
	}
}

func extractThreat(path, name string) ([]row, int, error) {
	rows, cols, err := readTable(path)
	if err != nil {
		return nil, 0, err
	}
	source := strings.TrimSuffix(strings.TrimSuffix(name, ".csv"), ".txt")
	out := make([]row, 0, len(rows))
	for _, r := range rows {
		indicator := r.first("ioc_value", "url", "indicator", "value")
		if indicator == "" && len(cols) > 2 {
			if v := strings.TrimSpace(r[cols[2]]); strings.HasPrefix(v, "http") {
				indicator = v
			}
		}
		if indicator == "" {
			continue
		}
		typ := r.first("ioc_type", "indicator_type")
		if typ == "" {
			if r["url_status"] != "" {
				typ = string(common.TypeURL)
			} else {
				typ = string(detection.DetectType(indicator))
			}
		}
		out = append(out, row{
			"indicator":      indicator,
			"indicator_type": typ,
			"threat_type":    r.first("threat_type", "threat"),
			"tags":           r["tags"],
			"reporter":       r["reporter"],
			"reference":      r["reference"],
			"last_seen":      r.first("last_seen_utc", "last_seen", "dateadded"),
			"source":         source,
		})
	}
	return out, len(rows), nil
}

func phishingMerger(on bool, file string) *tableMerger {
	return &tableMerger{
		name: TaskPhishing,
		on:   on,
		file: file,
		columns: []string{"source", "url", "ip", "country", "asn", "date", "score", "host", "domain", "tld",
			"target", "submission_time", "verified", "online"},
		key: func(r row) string { return r.first("url") },
		accept: func(name string) bool {
			return (strings.HasPrefix(name, "phishstats_page") && strings.HasSuffix(name, ".json")) ||
				(strings.HasPrefix(name, "phishtank") && strings.HasSuffix(name, ".csv"))
		},
		extract: extractPhishing,
	}
}

func extractPhishing(path, name string) ([]row, int, error) {
	if strings.HasSuffix(name, ".json") {
		entries, err := jsonEntries(path, false)
		if err != nil {
			return nil, 0, err
		}
		out := make([]row, 0, len(entries))
		for _, e := range entries {
			out = append(out, row{
				"source":  "phishstats",
				"url":     parse.Field(e, "url", "phish_url"),
				"ip":      parse.Field(e, "ip"),
				"country": parse.Field(e, "countryname", "country"),
				"asn":     parse.Field(e, "asn"),
				"date":    parse.Field(e, "date"),
				"score":   parse.Field(e, "score"),
				"host":    parse.Field(e, "host"),
				"domain":  parse.Field(e, "domain"),
				"tld":     parse.Field(e, "tld"),
			})
		}
		return out, len(entries), nil
	}
	rows, _, err := readTable(path)
	if err != nil {
		return nil, 0, err
	}
	out := make([]row, 0, len(rows))
	for _, r := range rows {
		out = append(out, row{
			"source":          "phishtank",
			"url":             r.first("url", "phish_url"),
			"target":          r["target"],
			"submission_time": r["submission_time"],
			"verified":        r["verified"],
			"online":          r["online"],
		})
	}
	return out, len(rows), nil
}

func softwareMerger(on bool, file string) *tableMerger {
	return &tableMerger{
		name:    TaskSoftware,
		on:      on,
		file:    file,
		columns: []string{"sha256", "md5", "sha1", "file_name", "file_type", "mime_type", "yara_rule", "source"},
		key:     func(r row) string { return r.first("sha256", "md5", "sha1") },
		accept: func(name string) bool {
			switch {
			case strings.HasPrefix(name, "bazaar_recent"):
				return strings.HasSuffix(name, ".csv")
			case strings.HasPrefix(name, "malshare_getlist"):
				return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".txt")
			case strings.HasPrefix(name, "bazaar_yara_stats"):
				return strings.HasSuffix(name, ".json")
			}
			return false
		},
		extract: extractSoftware,
	}
}

func extractSoftware(path, name string) ([]row, int, error) {
	switch {
	case strings.HasPrefix(name, "bazaar_recent"):
		rows, _, err := readTable(path)
		if err != nil {
			return nil, 0, err
		}
		out := make([]row, 0, len(rows))
		for _, r := range rows {
			out = append(out, row{
				"sha256":    r.first("sha256_hash", "sha256"),
				"md5":       r.first("md5_hash", "md5"),
				"sha1":      r.first("sha1_hash", "sha1"),
				"file_name": r["file_name"],
				"file_type": r.first("file_type_guess", "file_type"),
				"mime_type": r["mime_type"],
				"source":    "bazaar",
			})
		}
		return out, len(rows), nil

	case strings.HasPrefix(name, "bazaar_yara_stats"):
		entries, err := jsonEntries(path, true)
		if err != nil {
			return nil, 0, err
		}
		out := make([]row, 0, len(entries))
		for _, e := range entries {
			out = append(out, row{
				"sha256":    parse.Field(e, "sha256_hash", "sha256"),
				"md5":       parse.Field(e, "md5_hash", "md5"),
				"file_name": parse.Field(e, "file_name"),
				"file_type": parse.Field(e, "file_type"),
				"yara_rule": parse.Field(e, "yara_rule"),
				"source":    "bazaar_yara",
			})
		}
		return out, len(entries), nil
	}
	return extractHashList(path)
}

// extractHashList reads a JSON listing or one hash per line.
func extractHashList(path string) ([]row, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var entries []map[string]any
	var doc any
	if json.Unmarshal(data, &doc) == nil {
		if list, ok := doc.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					entries = append(entries, map[string]any{"hash": s})
				}
			}
		}
		entries = append(entries, parse.Entries(doc)...)
	} else {
		for _, l := range strings.Split(string(data), "\n") {
			if l = strings.TrimSpace(l); l != "" {
				entries = append(entries, map[string]any{"hash": l})
			}
		}
	}

	out := make([]row, 0, len(entries))
	for _, e := range entries {
		r := row{
			"sha256":    parse.Field(e, "sha256", "SHA256"),
			"md5":       parse.Field(e, "md5", "MD5"),
			"sha1":      parse.Field(e, "sha1", "SHA1"),
			"file_name": parse.Field(e, "file_name", "filename"),
			"file_type": parse.Field(e, "file_type", "type"),
			"mime_type": parse.Field(e, "mime_type"),
			"source":    "malshare",
		}
		if h := parse.Field(e, "hash"); h != "" {
			switch len(h) {
			case 64:
				r["sha256"] = h
			case 40:
				r["sha1"] = h
			case 32:
				r["md5"] = h
			}
		}
		out = append(out, r)
	}
	return out, len(entries), nil
}

// jsonEntries decodes a staged JSON file into its entry objects. With
// unwrap, a top-level "data" member is used when present.
func jsonEntries(path string, unwrap bool) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if m, ok := doc.(map[string]any); ok && unwrap {
		if inner, ok := m["data"]; ok && inner != nil {
			doc = inner
		}
	}
	return parse.Entries(doc), nil
}

func hasPrefix(name string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
