package parse

import (
	"path/filepath"
	"sort"
)

// Feed binds staged files of one catalog source to a parser.
type Feed struct {
	Key     string
	Source  string
	Pattern string
	Parse   Parser
}

// Feeds is the table of staged files the pipeline knows how to read.
var Feeds = []Feed{
	{Key: "urlhaus", Source: "URLhaus", Pattern: "urlhaus_online.csv", Parse: CSVLines},
	{Key: "feodo", Source: "Feodo", Pattern: "feodo.csv", Parse: CSVLines},
	{Key: "threatfox", Source: "ThreatFox", Pattern: "threatfox_full.csv", Parse: CSVLines},
	{Key: "phishtank", Source: "PhishTank", Pattern: "phishtank.csv", Parse: CSVLines},
	{Key: "bazaar", Source: "Bazaar", Pattern: "bazaar_recent.csv", Parse: CSVLines},
	{Key: "spamhaus", Source: "Spamhaus", Pattern: "spamhaus.txt", Parse: TextLines},
	{Key: "emergingThreats", Source: "EmergingThreats", Pattern: "emerging_threats.txt", Parse: TextLines},
	{Key: "ciarmy", Source: "CIArmy", Pattern: "ciarmy.txt", Parse: TextLines},
	{Key: "dshield_openioc", Source: "DShieldOpenIOC", Pattern: "dshield_openioc.txt", Parse: TextLines},
	{Key: "dshield_threatfeeds", Source: "DShieldThreatFeeds", Pattern: "dshield_threatfeeds.txt", Parse: TextLines},
	{Key: "malshare", Source: "MalShare", Pattern: "malshare_getlist.*", Parse: HashList},
	{Key: "otx", Source: "OTX", Pattern: "otx_pulse_*.json", Parse: OTXPulse},
	{Key: "phishstats", Source: "PhishStats", Pattern: "phishstats_page*.json", Parse: PhishStats},
	{Key: "bazaar_yara", Source: "BazaarYARA", Pattern: "bazaar_yara_stats.json", Parse: BazaarYARA},
}

// Match is a staged file paired with the feed that reads it.
type Match struct {
	Feed Feed
	Path string
}

// Discover lists staged files in dir belonging to the given source keys.
// With no keys every feed is considered. Files are returned in name order.
func Discover(dir string, keys ...string) ([]Match, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []Match
	for _, f := range Feeds {
		if len(want) > 0 && !want[f.Key] {
			continue
		}
		paths, err := filepath.Glob(filepath.Join(dir, f.Pattern))
		if err != nil {
			return nil, err
		}
		sort.Strings(paths)
		for _, p := range paths {
			out = append(out, Match{Feed: f, Path: p})
		}
	}
	return out, nil
}
