package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/willf/bloom"
)

// keySet tracks natural keys already present in a merged artifact. The bloom
// filter answers most misses without touching the map.
type keySet struct {
	filter *bloom.BloomFilter
	keys   map[string]struct{}
}

func newKeySet(expected int) *keySet {
	if expected < 1024 {
		expected = 1024
	}
	return &keySet{
		filter: bloom.New(uint(expected*10), 7),
		keys:   make(map[string]struct{}, expected),
	}
}

func (s *keySet) Has(k string) bool {
	if !s.filter.Test([]byte(k)) {
		return false
	}
	_, ok := s.keys[k]
	return ok
}

// Add inserts k and reports whether it was new.
func (s *keySet) Add(k string) bool {
	if s.Has(k) {
		return false
	}
	s.filter.Add([]byte(k))
	s.keys[k] = struct{}{}
	return true
}

func (s *keySet) Len() int { return len(s.keys) }

type row map[string]string

// first returns the first non-empty value among cols.
func (r row) first(cols ...string) string {
	for _, c := range cols {
		if v := strings.TrimSpace(r[c]); v != "" {
			return v
		}
	}
	return ""
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

func normHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSpace(strings.TrimPrefix(h, "#"))
	return strings.Trim(h, `"`)
}

// readTable parses a CSV file into rows keyed by lower-cased header. Lines
// starting with '#' are comments; when the last comment before the first data
// line holds a comma separated list it is taken as the header.
func readTable(path string) ([]row, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var header []string
	var body []string
	lastComment := ""
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if len(body) == 0 && strings.Contains(trimmed, ",") {
				lastComment = trimmed
			}
			continue
		}
		body = append(body, line)
	}
	if lastComment != "" {
		rec, err := newCSVReader(strings.NewReader(strings.TrimPrefix(lastComment, "#"))).Read()
		if err != nil {
			return nil, nil, err
		}
		header = rec
	}

	cr := newCSVReader(strings.NewReader(strings.Join(body, "\n")))
	var rows []row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if header == nil {
			header = rec
			continue
		}
		r := make(row, len(header))
		for i, h := range header {
			if i < len(rec) {
				r[normHeader(h)] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, r)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = normHeader(h)
	}
	return rows, cols, nil
}

func encodeTable(columns []string, rows []row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	rec := make([]string, len(columns))
	for _, r := range rows {
		for i, c := range columns {
			rec[i] = r[c]
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// readLines returns the trimmed non-empty lines of path; a missing file has none.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}
