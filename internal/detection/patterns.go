// internal/detection/patterns.go
package detection

import (
	"regexp"
	"sort"
	"strings"

	"iocingest/internal/common"
)

// PatternConfig declares one indicator pattern. Examples must be recognized
// by the pattern as Type.
type PatternConfig struct {
	Name     string
	Type     common.IndicatorType
	Pattern  string
	Examples []string
}

type CompiledPattern struct {
	Regex *regexp.Regexp
	Name  string
	Type  common.IndicatorType
}

// extractionPatterns run unanchored over free text.
var extractionPatterns = []PatternConfig{
	{
		Name:     "url",
		Type:     common.TypeURL,
		Pattern:  `https?://[^\s'",]+`,
		Examples: []string{"http://bad.example/payload.exe"},
	},
	{
		Name:     "ipv4",
		Type:     common.TypeIPv4,
		Pattern:  `(?:\d{1,3}\.){3}\d{1,3}`,
		Examples: []string{"203.0.113.7"},
	},
	{
		Name:     "domain",
		Type:     common.TypeDomain,
		Pattern:  `(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}\b`,
		Examples: []string{"c2.evil.example"},
	},
}

// typePatterns are anchored and tried in order; the first match decides the type.
var typePatterns = []PatternConfig{
	{Name: "ipv4", Type: common.TypeIPv4, Pattern: `^(?:\d{1,3}\.){3}\d{1,3}$`,
		Examples: []string{"203.0.113.7"}},
	{Name: "url", Type: common.TypeURL, Pattern: `^https?://`,
		Examples: []string{"https://203.0.113.7/gate.php", "http://bad.example"}},
	{Name: "md5", Type: common.TypeMD5, Pattern: `(?i)^[a-f0-9]{32}$`,
		Examples: []string{"d41d8cd98f00b204e9800998ecf8427e"}},
	{Name: "sha1", Type: common.TypeSHA1, Pattern: `(?i)^[a-f0-9]{40}$`,
		Examples: []string{"DA39A3EE5E6B4B0D3255BFEF95601890AFD80709"}},
	{Name: "sha256", Type: common.TypeSHA256, Pattern: `(?i)^[a-f0-9]{64}$`,
		Examples: []string{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}},
	{Name: "domain", Type: common.TypeDomain, Pattern: `(?i)^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`,
		Examples: []string{"c2.evil.example"}},
}

var (
	firstIPv4   = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	ipv4OrCIDR  = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)
	defaultPats = NewPatternDetector()
)

// PatternDetector extracts and classifies indicator values.
type PatternDetector struct {
	extract  []*CompiledPattern
	classify []*CompiledPattern
}

func NewPatternDetector() *PatternDetector {
	return &PatternDetector{
		extract:  compile(extractionPatterns),
		classify: compile(typePatterns),
	}
}

func compile(cfgs []PatternConfig) []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, &CompiledPattern{Regex: regexp.MustCompile(c.Pattern), Name: c.Name, Type: c.Type})
	}
	return out
}

// Extract applies the URL, IPv4 and domain patterns independently and returns
// the union of matches, de-duplicated and sorted.
func (pd *PatternDetector) Extract(text string) []string {
	seen := make(map[string]struct{})
	for _, p := range pd.extract {
		for _, m := range p.Regex.FindAllString(text, -1) {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// DetectType classifies a single value.
func (pd *PatternDetector) DetectType(value string) common.IndicatorType {
	value = strings.TrimSpace(value)
	for _, p := range pd.classify {
		if p.Regex.MatchString(value) {
			return p.Type
		}
	}
	return common.TypeUnknown
}

// Extract uses the default detector.
func Extract(text string) []string { return defaultPats.Extract(text) }

// DetectType uses the default detector.
func DetectType(value string) common.IndicatorType { return defaultPats.DetectType(value) }

// FirstIPv4 returns the first dotted quad in line.
func FirstIPv4(line string) (string, bool) {
	m := firstIPv4.FindString(line)
	return m, m != ""
}

// IPs returns every IPv4 address or CIDR block in line.
func IPs(line string) []string {
	return ipv4OrCIDR.FindAllString(line, -1)
}
