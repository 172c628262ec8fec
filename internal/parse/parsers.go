package parse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"iocingest/internal/common"
	"iocingest/internal/detection"
	"iocingest/internal/ioc"
)

// Parser turns one staged file into canonical indicators attributed to source.
type Parser func(path, source string, now time.Time) ([]ioc.Indicator, error)

// CSVLines reads comma-separated lines whose first field is the indicator value.
func CSVLines(path, source string, now time.Time) ([]ioc.Indicator, error) {
	var out []ioc.Indicator
	err := eachLine(path, func(line string) {
		if strings.HasPrefix(line, "#") {
			return
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.Trim(strings.TrimSpace(parts[i]), `"'`)
		}
		value := parts[0]
		if value == "" {
			return
		}
		typ := detection.DetectType(value)
		desc := "IOC from " + source
		if len(parts) > 1 && parts[1] != "" {
			desc = parts[1]
		}
		out = append(out, ioc.Indicator{
			Type:        typ,
			Value:       value,
			Source:      source,
			Description: desc,
			FirstSeen:   now,
			LastSeen:    now,
			Confidence:  75,
			Tags:        []string{strings.ToLower(source), string(typ)},
		})
	})
	return out, err
}

// TextLines takes the first IPv4 address of every non-comment line.
func TextLines(path, source string, now time.Time) ([]ioc.Indicator, error) {
	var out []ioc.Indicator
	err := eachLine(path, func(line string) {
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			return
		}
		ip, ok := detection.FirstIPv4(line)
		if !ok {
			return
		}
		out = append(out, ioc.Indicator{
			Type:        common.TypeIPv4,
			Value:       ip,
			Source:      source,
			Description: "IP from " + source,
			FirstSeen:   now,
			LastSeen:    now,
			Confidence:  80,
			Tags:        []string{strings.ToLower(source), "ipv4"},
		})
	})
	return out, err
}

// otxTypes maps the vendor type vocabulary onto canonical types.
var otxTypes = map[string]common.IndicatorType{
	"ipv4":            common.TypeIPv4,
	"domain":          common.TypeDomain,
	"hostname":        common.TypeDomain,
	"url":             common.TypeURL,
	"uri":             common.TypeURL,
	"filehash-md5":    common.TypeMD5,
	"filehash-sha1":   common.TypeSHA1,
	"filehash-sha256": common.TypeSHA256,
}

func otxType(vendor string) common.IndicatorType {
	v := strings.ToLower(strings.TrimSpace(vendor))
	if t, ok := otxTypes[v]; ok {
		return t
	}
	if strings.Contains(v, "hash") {
		return common.TypeMD5
	}
	return common.TypeUnknown
}

// OTXPulse reads one staged pulse. Indicators inherit the pulse's name, tags and timestamps.
func OTXPulse(path, source string, now time.Time) ([]ioc.Indicator, error) {
	var pulse map[string]any
	if err := readJSON(path, &pulse); err != nil {
		return nil, err
	}
	pulseName := Field(pulse, "name")
	pulseTags := stringList(pulse["tags"])
	if len(pulseTags) == 0 {
		pulseTags = []string{"otx"}
	}
	pulseCreated := timeOr(Field(pulse, "created"), now)
	pulseModified := timeOr(Field(pulse, "modified"), now)

	var out []ioc.Indicator
	for _, ind := range Entries(pulse["indicators"]) {
		value := Field(ind, "indicator", "content")
		if value == "" {
			continue
		}
		desc := pulseName
		if desc == "" {
			desc = Field(ind, "description")
		}
		if desc == "" {
			desc = "OTX Indicator"
		}
		conf := num(ind, "confidence")
		if conf == 0 {
			conf = 70
		}
		out = append(out, ioc.Indicator{
			Type:        otxType(Field(ind, "type")),
			Value:       value,
			Source:      source,
			Description: desc,
			FirstSeen:   timeOr(Field(ind, "created"), pulseCreated),
			LastSeen:    timeOr(Field(ind, "modified"), pulseModified),
			Confidence:  conf,
			Tags:        pulseTags,
		})
	}
	return out, nil
}

// PhishStats reads a staged page; each entry yields its URL and, when present, its hosting IP.
func PhishStats(path, source string, now time.Time) ([]ioc.Indicator, error) {
	var doc any
	if err := readJSON(path, &doc); err != nil {
		return nil, err
	}
	var out []ioc.Indicator
	for _, e := range Entries(doc) {
		seen := timeOr(Field(e, "date"), now)
		u := Field(e, "url", "phish_url")
		if u != "" {
			desc := Field(e, "title")
			if desc == "" {
				desc = "Phishing URL"
			}
			out = append(out, ioc.Indicator{
				Type: common.TypeURL, Value: u, Source: source, Description: desc,
				FirstSeen: seen, LastSeen: seen, Confidence: 80,
				Tags: []string{"phishstats", "phishing", "url"},
			})
		}
		if ip := Field(e, "ip"); ip != "" {
			target := Field(e, "title")
			if target == "" {
				target = u
			}
			out = append(out, ioc.Indicator{
				Type: common.TypeIPv4, Value: ip, Source: source,
				Description: "IP hosting phishing site: " + target,
				FirstSeen:   seen, LastSeen: seen, Confidence: 75,
				Tags: []string{"phishstats", "phishing", "ip"},
			})
		}
	}
	return out, nil
}

// BazaarYARA reads YARA-tagged malware samples, preferring sha256 over md5.
func BazaarYARA(path, source string, now time.Time) ([]ioc.Indicator, error) {
	var doc any
	if err := readJSON(path, &doc); err != nil {
		return nil, err
	}
	if m, ok := doc.(map[string]any); ok {
		if data, ok := m["data"]; ok {
			doc = data
		}
	}
	var out []ioc.Indicator
	for _, e := range Entries(doc) {
		hash := Field(e, "sha256_hash", "md5_hash")
		if hash == "" {
			continue
		}
		rule := Field(e, "yara_rule", "rule")
		if rule == "" {
			rule = "unknown"
		}
		seen := timeOr(Field(e, "first_seen"), now)
		out = append(out, ioc.Indicator{
			Type:        hashType(hash),
			Value:       hash,
			Source:      source,
			Description: "Malware sample - YARA: " + rule,
			FirstSeen:   seen,
			LastSeen:    now,
			Confidence:  85,
			Tags:        []string{"bazaar", "malware", "hash", rule},
		})
	}
	return out, nil
}

// HashList reads a sample listing that is either JSON (strings or objects
// with md5/sha1/sha256 fields) or one hash per line.
func HashList(path, source string, now time.Time) ([]ioc.Indicator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hashes []string
	var doc any
	if json.Unmarshal(data, &doc) == nil {
		if m, ok := doc.(map[string]any); ok {
			doc = []any{m}
		}
		if list, ok := doc.([]any); ok {
			for _, item := range list {
				switch v := item.(type) {
				case string:
					hashes = append(hashes, v)
				case map[string]any:
					if h := Field(v, "sha256", "SHA256", "md5", "MD5", "sha1", "SHA1", "hash"); h != "" {
						hashes = append(hashes, h)
					}
				}
			}
		}
	} else {
		for _, line := range strings.Split(string(data), "\n") {
			hashes = append(hashes, strings.TrimSpace(line))
		}
	}

	var out []ioc.Indicator
	for _, h := range hashes {
		typ := hashType(h)
		if !typ.IsHash() {
			continue
		}
		out = append(out, ioc.Indicator{
			Type:        typ,
			Value:       h,
			Source:      source,
			Description: "Malware sample from " + source,
			FirstSeen:   now,
			LastSeen:    now,
			Confidence:  75,
			Tags:        []string{strings.ToLower(source), "malware", string(typ)},
		})
	}
	return out, nil
}

func hashType(h string) common.IndicatorType {
	t := detection.DetectType(h)
	if t.IsHash() {
		return t
	}
	return common.TypeUnknown
}

func eachLine(path string, fn func(line string)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
	return sc.Err()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
