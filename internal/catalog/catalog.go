package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"iocingest/internal/common"
)

var (
	ErrUnknownSource  = errors.New("unknown source")
	ErrSourceDisabled = errors.New("source disabled")
)

// Source describes one upstream feed.
type Source struct {
	Name     string             `json:"name" yaml:"name"`
	Key      string             `json:"key" yaml:"key"`
	Enabled  bool               `json:"enabled" yaml:"enabled"`
	URL      string             `json:"url" yaml:"url"`
	Type     common.PayloadType `json:"type" yaml:"type"`
	Filename string             `json:"filename" yaml:"filename"`
	Handler  common.Handler     `json:"handler" yaml:"handler"`
	Schedule common.Tier        `json:"schedule" yaml:"schedule"`
	TTL      time.Duration      `json:"ttl" yaml:"ttl"`

	// EnvName is the suffix of the IOC_SOURCE_* and IOC_URL_* variables.
	EnvName string `json:"-" yaml:"-"`
	// APIKeyEnv names the variable holding the source's API key, if it needs one.
	APIKeyEnv    string            `json:"-" yaml:"-"`
	APIKey       string            `json:"-" yaml:"-"`
	APIKeyHeader string            `json:"-" yaml:"-"`
	APIKeyParam  string            `json:"-" yaml:"-"`
	Headers      map[string]string `json:"-" yaml:"-"`
	Params       map[string]string `json:"-" yaml:"-"`
}

// StagedName is the file name a single-payload handler writes.
func (s Source) StagedName() string {
	return s.Filename + "." + string(s.Type)
}

// NeedsAPIKey reports whether requests must carry an API key.
func (s Source) NeedsAPIKey() bool {
	return s.APIKeyHeader != "" || s.APIKeyParam != ""
}

// Override carries per-source settings read from configuration.
type Override struct {
	Enabled *bool
	URL     string
	APIKey  string
}

// Catalog is the validated, ordered set of sources.
type Catalog struct {
	sources []Source
	byKey   map[string]int
}

// New validates sources and builds a catalog. Keys must be unique and TTLs positive.
func New(sources []Source) (*Catalog, error) {
	c := &Catalog{byKey: make(map[string]int, len(sources))}
	for _, s := range sources {
		if s.Key == "" {
			return nil, fmt.Errorf("source %q: empty key", s.Name)
		}
		if _, dup := c.byKey[s.Key]; dup {
			return nil, fmt.Errorf("source %q: duplicate key", s.Key)
		}
		if s.TTL <= 0 {
			return nil, fmt.Errorf("source %q: ttl must be positive", s.Key)
		}
		if !s.Schedule.IsValid() {
			return nil, fmt.Errorf("source %q: unknown schedule %q", s.Key, s.Schedule)
		}
		c.byKey[s.Key] = len(c.sources)
		c.sources = append(c.sources, s)
	}
	return c, nil
}

// Apply returns a copy of the catalog with configuration overrides merged in.
func (c *Catalog) Apply(overrides map[string]Override) *Catalog {
	out := &Catalog{byKey: c.byKey, sources: make([]Source, len(c.sources))}
	copy(out.sources, c.sources)
	for i := range out.sources {
		o, ok := overrides[out.sources[i].Key]
		if !ok {
			continue
		}
		if o.Enabled != nil {
			out.sources[i].Enabled = *o.Enabled
		}
		if o.URL != "" {
			out.sources[i].URL = o.URL
		}
		if o.APIKey != "" {
			out.sources[i].APIKey = o.APIKey
		}
	}
	return out
}

// All returns every source in catalog order.
func (c *Catalog) All() []Source {
	return append([]Source(nil), c.sources...)
}

// Lookup returns the source with the given key.
func (c *Catalog) Lookup(key string) (Source, error) {
	i, ok := c.byKey[key]
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	return c.sources[i], nil
}

// Tier returns the sources scheduled on t, in catalog order.
func (c *Catalog) Tier(t common.Tier) []Source {
	var out []Source
	for _, s := range c.sources {
		if s.Schedule == t {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns the sorted source keys.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		keys = append(keys, s.Key)
	}
	sort.Strings(keys)
	return keys
}
