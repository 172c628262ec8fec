package parse

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iocingest/internal/common"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCSVLines(t *testing.T) {
	p := writeFile(t, t.TempDir(), "urlhaus_online.csv", `# comment
"http://bad.example/a.exe","malware download"
evil.example

44d88612fea8a8f36de82e1278abb02f
"not a thing"
`)
	got, err := CSVLines(p, "URLhaus", now)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, common.TypeURL, got[0].Type)
	assert.Equal(t, "http://bad.example/a.exe", got[0].Value)
	assert.Equal(t, "malware download", got[0].Description)
	assert.Equal(t, 75, got[0].Confidence)
	assert.Equal(t, []string{"urlhaus", "url"}, got[0].Tags)
	assert.Equal(t, now, got[0].FirstSeen)

	assert.Equal(t, common.TypeDomain, got[1].Type)
	assert.Equal(t, "IOC from URLhaus", got[1].Description)
	assert.Equal(t, common.TypeMD5, got[2].Type)

	assert.Equal(t, common.TypeUnknown, got[3].Type, "unknown values are kept")
	assert.Equal(t, "not a thing", got[3].Value)
}

func TestTextLines(t *testing.T) {
	p := writeFile(t, t.TempDir(), "spamhaus.txt", `; Spamhaus DROP
1.10.16.0/20 ; SBL256894
# comment
no address here
203.0.113.9
`)
	got, err := TextLines(p, "Spamhaus", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1.10.16.0", got[0].Value)
	assert.Equal(t, "203.0.113.9", got[1].Value)
	assert.Equal(t, common.TypeIPv4, got[1].Type)
	assert.Equal(t, "IP from Spamhaus", got[1].Description)
	assert.Equal(t, 80, got[1].Confidence)
	assert.Equal(t, []string{"spamhaus", "ipv4"}, got[1].Tags)
}

func TestOTXPulse(t *testing.T) {
	p := writeFile(t, t.TempDir(), "otx_pulse_1.json", `{
  "id": "1",
  "name": "Emotet wave",
  "tags": ["emotet", "banking"],
  "created": "2026-02-01T10:00:00.000000",
  "modified": "2026-02-02T10:00:00.000000",
  "indicators": [
    {"indicator": "c2.evil.example", "type": "hostname", "created": "2026-02-01T11:00:00"},
    {"indicator": "http://evil.example/gate.php", "type": "URL", "confidence": 90},
    {"indicator": "44d88612fea8a8f36de82e1278abb02f", "type": "FileHash-MD5"},
    {"content": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "type": "FileHash-SHA256"},
    {"indicator": "something", "type": "YARA"},
    {"type": "IPv4"}
  ]
}`)
	got, err := OTXPulse(p, "OTX", now)
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, common.TypeDomain, got[0].Type)
	assert.Equal(t, "Emotet wave", got[0].Description)
	assert.Equal(t, 70, got[0].Confidence)
	assert.Equal(t, []string{"emotet", "banking"}, got[0].Tags)
	assert.Equal(t, time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC), got[0].FirstSeen)
	assert.Equal(t, time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC), got[0].LastSeen)

	assert.Equal(t, common.TypeURL, got[1].Type)
	assert.Equal(t, 90, got[1].Confidence)
	assert.Equal(t, common.TypeMD5, got[2].Type)
	assert.Equal(t, common.TypeSHA256, got[3].Type)
	assert.Equal(t, common.TypeUnknown, got[4].Type)
}

func TestOTXPulseDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "otx_pulse_2.json", `{"indicators":[{"indicator":"1.2.3.4","type":"IPv4"}]}`)
	got, err := OTXPulse(p, "OTX", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "OTX Indicator", got[0].Description)
	assert.Equal(t, []string{"otx"}, got[0].Tags)
	assert.Equal(t, now, got[0].FirstSeen)
}

func TestPhishStats(t *testing.T) {
	p := writeFile(t, t.TempDir(), "phishstats_page1.json", `[
  {"id": 1, "url": "http://login.bank.example/", "ip": "198.51.100.1", "title": "Bank login", "date": "2026-02-28T09:00:00.000Z"},
  {"id": 2, "phish_url": "http://pay.example/"},
  {"id": 3, "ip": "198.51.100.2"}
]`)
	got, err := PhishStats(p, "PhishStats", now)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, common.TypeURL, got[0].Type)
	assert.Equal(t, 80, got[0].Confidence)
	assert.Equal(t, []string{"phishstats", "phishing", "url"}, got[0].Tags)
	assert.Equal(t, time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC), got[0].FirstSeen)

	assert.Equal(t, common.TypeIPv4, got[1].Type)
	assert.Equal(t, "IP hosting phishing site: Bank login", got[1].Description)
	assert.Equal(t, 75, got[1].Confidence)

	assert.Equal(t, "http://pay.example/", got[2].Value)
	assert.Equal(t, "IP hosting phishing site: ", got[3].Description)
}

func TestBazaarYARA(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bazaar_yara_stats.json", `{"query_status":"ok","data":[
  {"sha256_hash": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "yara_rule": "win_emotet"},
  {"md5_hash": "44d88612fea8a8f36de82e1278abb02f"},
  {"file_name": "nothing.exe"}
]}`)
	got, err := BazaarYARA(p, "BazaarYARA", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, common.TypeSHA256, got[0].Type)
	assert.Equal(t, "Malware sample - YARA: win_emotet", got[0].Description)
	assert.Equal(t, 85, got[0].Confidence)
	assert.Equal(t, []string{"bazaar", "malware", "hash", "win_emotet"}, got[0].Tags)
	assert.Equal(t, common.TypeMD5, got[1].Type)
	assert.Equal(t, "Malware sample - YARA: unknown", got[1].Description)
}

func TestHashList(t *testing.T) {
	dir := t.TempDir()
	md5 := "44d88612fea8a8f36de82e1278abb02f"
	sha1 := "da39a3ee5e6b4b0d3255bfef95601890afd80709"

	txt := writeFile(t, dir, "malshare_getlist.txt", md5+"\n\nnot-a-hash\n"+sha1+"\n")
	got, err := HashList(txt, "MalShare", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, common.TypeMD5, got[0].Type)
	assert.Equal(t, common.TypeSHA1, got[1].Type)
	assert.Equal(t, []string{"malshare", "malware", "sha1"}, got[1].Tags)

	js := writeFile(t, dir, "malshare_getlist.json", `[{"md5":"`+md5+`"},"`+sha1+`",{"x":1}]`)
	got, err = HashList(js, "MalShare", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, md5, got[0].Value)
}

func TestMalformedJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "otx_pulse_x.json", `{not json`)
	_, err := OTXPulse(p, "OTX", now)
	assert.Error(t, err)
	_, err = PhishStats(p, "PhishStats", now)
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := CSVLines(filepath.Join(t.TempDir(), "nope.csv"), "x", now)
	assert.Error(t, err)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "urlhaus_online.csv", "")
	writeFile(t, dir, "otx_pulse_b.json", "{}")
	writeFile(t, dir, "otx_pulse_a.json", "{}")
	writeFile(t, dir, "malshare_getlist.txt", "")
	writeFile(t, dir, "merged_ip_list.txt", "")

	all, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, all, 4)

	scoped, err := Discover(dir, "otx")
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	assert.Equal(t, "otx_pulse_a.json", filepath.Base(scoped[0].Path))
	assert.Equal(t, "OTX", scoped[0].Feed.Source)
}
