package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"iocingest/internal/catalog"
	"iocingest/internal/common"
	"iocingest/internal/fetch"
	"iocingest/internal/normalize"
	"iocingest/internal/server"
	"iocingest/internal/store"
)

const (
	TrackingJSON = "json"
	TrackingBolt = "bolt"
)

// Config is the fully resolved process configuration.
type Config struct {
	Server    server.Config
	LogFormat string
	LogLevel  string

	SourcesEnabled  bool
	FeedsPath       string
	Client          fetch.ClientConfig
	SourceDelay     time.Duration
	PhishStatsLimit int
	PhishStatsPages int
	PageDelay       time.Duration
	Crons           map[common.Tier]string
	Overrides       map[string]catalog.Override

	Normalize normalize.Config

	DBDriver        string
	DBDSN           string
	TrackingBackend string
	RunOnStart      bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("IOC_HTTP_ADDR", ":8080")
	v.SetDefault("IOC_METRICS_ADDR", ":9090")
	v.SetDefault("IOC_GRPC_ADDR", ":9091")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("IOC_SOURCES_ENABLED", true)
	v.SetDefault("IOC_FEEDS_PATH", "./data/ingested")
	v.SetDefault("IOC_FETCH_RETRY_ATTEMPTS", 3)
	v.SetDefault("IOC_FETCH_TIMEOUT_MS", 30000)
	v.SetDefault("IOC_FETCH_BACKOFF_MS", 2000)
	v.SetDefault("IOC_SOURCE_DELAY_MS", 2000)
	v.SetDefault("PHISHSTATS_LIMIT", 100)
	v.SetDefault("PHISHSTATS_PAGES", 3)
	v.SetDefault("PHISHSTATS_PAGE_DELAY_MS", 1000)

	v.SetDefault("CRON_MONTHLY", "0 0 1 * *")
	v.SetDefault("CRON_48_HOURS", "0 0 */2 * *")
	v.SetDefault("CRON_DAILY", "0 0 * * *")

	v.SetDefault("RUN_JOBS", true)
	v.SetDefault("NORMALIZE_OUTPUT_PATH", "./data/normalized")
	v.SetDefault("NORMALIZE_IP_LISTS", true)
	v.SetDefault("NORMALIZE_THREAT_INTEL", true)
	v.SetDefault("NORMALIZE_PHISHING_URLS", true)
	v.SetDefault("NORMALIZE_SOFTWARE_DETECTIONS", true)
	v.SetDefault("OUTPUT_IP_LIST", "merged_ip_list.txt")
	v.SetDefault("OUTPUT_THREAT_INTEL", "merged_threat_data.csv")
	v.SetDefault("OUTPUT_PHISHING_URLS", "merged_phishing_data.csv")
	v.SetDefault("OUTPUT_SOFTWARE_DETECTIONS", "merged_software_data.csv")

	v.SetDefault("IOC_DB_DRIVER", store.DriverSQLite)
	v.SetDefault("IOC_DB_DSN", "./data/ioc.db")
	v.SetDefault("IOC_TRACKING_BACKEND", TrackingJSON)
	v.SetDefault("IOC_RUN_ON_START", true)
}

// Load reads envFiles (default .env) when present, then the YAML file named
// by IOC_CONFIG_FILE, then the environment. Later sources win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if path := v.GetString("IOC_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	ms := func(key string) time.Duration { return time.Duration(v.GetInt(key)) * time.Millisecond }

	feeds := v.GetString("IOC_FEEDS_PATH")
	input := v.GetString("NORMALIZE_INPUT_PATH")
	if input == "" {
		input = feeds
	}

	c := &Config{
		Server: server.Config{
			HTTPAddr:    v.GetString("IOC_HTTP_ADDR"),
			MetricsAddr: v.GetString("IOC_METRICS_ADDR"),
			GRPCAddr:    v.GetString("IOC_GRPC_ADDR"),
		},
		LogFormat: v.GetString("LOG_FORMAT"),
		LogLevel:  v.GetString("LOG_LEVEL"),

		SourcesEnabled: v.GetBool("IOC_SOURCES_ENABLED"),
		FeedsPath:      feeds,
		Client: fetch.ClientConfig{
			Timeout:        ms("IOC_FETCH_TIMEOUT_MS"),
			Attempts:       v.GetInt("IOC_FETCH_RETRY_ATTEMPTS"),
			InitialBackoff: ms("IOC_FETCH_BACKOFF_MS"),
		},
		SourceDelay:     ms("IOC_SOURCE_DELAY_MS"),
		PhishStatsLimit: v.GetInt("PHISHSTATS_LIMIT"),
		PhishStatsPages: v.GetInt("PHISHSTATS_PAGES"),
		PageDelay:       ms("PHISHSTATS_PAGE_DELAY_MS"),
		Crons: map[common.Tier]string{
			common.TierMonthly: v.GetString("CRON_MONTHLY"),
			common.Tier48Hours: v.GetString("CRON_48_HOURS"),
			common.TierDaily:   v.GetString("CRON_DAILY"),
		},
		Overrides: overrides(v, catalog.Defaults()),

		Normalize: normalize.Config{
			Enabled:    v.GetBool("RUN_JOBS"),
			InputDir:   input,
			OutputDir:  v.GetString("NORMALIZE_OUTPUT_PATH"),
			IPLists:    v.GetBool("NORMALIZE_IP_LISTS"),
			Threat:     v.GetBool("NORMALIZE_THREAT_INTEL"),
			Phishing:   v.GetBool("NORMALIZE_PHISHING_URLS"),
			Software:   v.GetBool("NORMALIZE_SOFTWARE_DETECTIONS"),
			IPFile:     v.GetString("OUTPUT_IP_LIST"),
			ThreatFile: v.GetString("OUTPUT_THREAT_INTEL"),
			PhishFile:  v.GetString("OUTPUT_PHISHING_URLS"),
			SWFile:     v.GetString("OUTPUT_SOFTWARE_DETECTIONS"),
		},

		DBDriver:        strings.ToLower(v.GetString("IOC_DB_DRIVER")),
		DBDSN:           v.GetString("IOC_DB_DSN"),
		TrackingBackend: strings.ToLower(v.GetString("IOC_TRACKING_BACKEND")),
		RunOnStart:      v.GetBool("IOC_RUN_ON_START"),
	}
	return c, c.Validate()
}

// overrides collects IOC_SOURCE_<NAME>, IOC_URL_<NAME> and API key variables.
func overrides(v *viper.Viper, sources []catalog.Source) map[string]catalog.Override {
	out := make(map[string]catalog.Override)
	for _, s := range sources {
		var o catalog.Override
		set := false
		if raw := v.GetString("IOC_SOURCE_" + s.EnvName); raw != "" {
			on := v.GetBool("IOC_SOURCE_" + s.EnvName)
			o.Enabled = &on
			set = true
		}
		if u := v.GetString("IOC_URL_" + s.EnvName); u != "" {
			o.URL = u
			set = true
		}
		if s.APIKeyEnv != "" {
			if k := v.GetString(s.APIKeyEnv); k != "" {
				o.APIKey = k
				set = true
			}
		}
		if set {
			out[s.Key] = o
		}
	}
	return out
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("IOC_DB_DRIVER: unsupported driver %q", c.DBDriver))
	}
	switch c.TrackingBackend {
	case TrackingJSON, TrackingBolt:
	default:
		errs = append(errs, fmt.Errorf("IOC_TRACKING_BACKEND: unsupported backend %q", c.TrackingBackend))
	}
	if c.FeedsPath == "" {
		errs = append(errs, errors.New("IOC_FEEDS_PATH must not be empty"))
	}
	if c.Client.Attempts < 1 {
		errs = append(errs, errors.New("IOC_FETCH_RETRY_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}
