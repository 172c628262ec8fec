package catalog

import (
	"time"

	"iocingest/internal/common"
)

const (
	day   = 24 * time.Hour
	month = 30 * day
)

// Defaults returns the built-in feed descriptors. URLs come from configuration;
// a source without one is skipped at fetch time.
func Defaults() []Source {
	return []Source{
		{
			Name: "URLhaus", Key: "urlhaus", EnvName: "URLHAUS", Enabled: true,
			Type: common.PayloadCSV, Filename: "urlhaus_online",
			Handler: common.HandlerSimple, Schedule: common.TierMonthly, TTL: month,
		},
		{
			// subscription feed, off unless explicitly enabled
			Name: "Feodo Tracker", Key: "feodo", EnvName: "FEODO",
			Type: common.PayloadCSV, Filename: "feodo",
			Handler: common.HandlerSimple, Schedule: common.TierMonthly, TTL: month,
		},
		{
			Name: "CI Army", Key: "ciarmy", EnvName: "CIARMY", Enabled: true,
			Type: common.PayloadTXT, Filename: "ciarmy",
			Handler: common.HandlerSimple, Schedule: common.TierMonthly, TTL: month,
		},
		{
			Name: "ThreatFox", Key: "threatfox", EnvName: "THREATFOX", Enabled: true,
			Type: common.PayloadCSV, Filename: "threatfox_full",
			Handler: common.HandlerZip, Schedule: common.Tier48Hours, TTL: 2 * day,
		},
		{
			Name: "PhishTank", Key: "phishtank", EnvName: "PHISHTANK", Enabled: true,
			Type: common.PayloadCSV, Filename: "phishtank",
			Handler: common.HandlerGzip, Schedule: common.TierDaily, TTL: day,
			Headers: map[string]string{"Referer": "https://www.phishtank.com/"},
		},
		{
			Name: "Spamhaus", Key: "spamhaus", EnvName: "SPAMHAUS", Enabled: true,
			Type: common.PayloadTXT, Filename: "spamhaus",
			Handler: common.HandlerSimple, Schedule: common.TierDaily, TTL: day,
		},
		{
			Name: "Emerging Threats", Key: "emergingThreats", EnvName: "EMERGING_THREATS", Enabled: true,
			Type: common.PayloadTXT, Filename: "emerging_threats",
			Handler: common.HandlerSimple, Schedule: common.TierDaily, TTL: day,
		},
		{
			Name: "OTX", Key: "otx", EnvName: "OTX", Enabled: true,
			Type: common.PayloadJSON, Filename: "otx_pulse",
			Handler: common.HandlerOTX, Schedule: common.TierDaily, TTL: day,
			APIKeyEnv: "OTX_API_KEY", APIKeyHeader: "X-OTX-API-KEY",
		},
		{
			Name: "Bazaar", Key: "bazaar", EnvName: "BAZAAR", Enabled: true,
			Type: common.PayloadCSV, Filename: "bazaar_recent",
			Handler: common.HandlerSimple, Schedule: common.TierDaily, TTL: day,
		},
		{
			Name: "Bazaar YARA", Key: "bazaar_yara", EnvName: "BAZAAR_YARA",
			Type: common.PayloadJSON, Filename: "bazaar_yara_stats",
			Handler: common.HandlerAPIJSON, Schedule: common.TierDaily, TTL: day,
			APIKeyEnv: "BAZAAR_API_KEY", APIKeyHeader: "Auth-Key",
		},
		{
			Name: "DShield OpenIOC", Key: "dshield_openioc", EnvName: "DSHIELD_OPENIOC", Enabled: true,
			Type: common.PayloadTXT, Filename: "dshield_openioc",
			Handler: common.HandlerXMLExtract, Schedule: common.TierDaily, TTL: day,
		},
		{
			Name: "DShield ThreatFeeds", Key: "dshield_threatfeeds", EnvName: "DSHIELD_THREATFEEDS", Enabled: true,
			Type: common.PayloadTXT, Filename: "dshield_threatfeeds",
			Handler: common.HandlerXMLExtract, Schedule: common.TierDaily, TTL: day,
		},
		{
			Name: "MalShare", Key: "malshare", EnvName: "MALSHARE", Enabled: true,
			Type: common.PayloadTXT, Filename: "malshare_getlist",
			Handler: common.HandlerAPIJSON, Schedule: common.TierDaily, TTL: day,
			APIKeyEnv: "MALSHARE_API_KEY", APIKeyParam: "api_key",
			Params: map[string]string{"action": "getlist"},
		},
		{
			Name: "PhishStats", Key: "phishstats", EnvName: "PHISHSTATS", Enabled: true,
			Type: common.PayloadJSON, Filename: "phishstats",
			Handler: common.HandlerPhishStats, Schedule: common.TierDaily, TTL: day,
		},
	}
}

// Default builds the catalog from Defaults.
func Default() *Catalog {
	c, err := New(Defaults())
	if err != nil {
		panic(err)
	}
	return c
}
