package severity

import (
	"log/slog"
	"math"
	"strings"

	"iocingest/internal/common"
	"iocingest/internal/metrics"
)

const (
	baseScore         = 50
	defaultSourceRank = 50
	defaultTypeRank   = 50
	sourceWeight      = 0.3
	typeWeight        = 0.3
)

// sourceScores rank feeds by reliability. Keys are compared against the
// indicator's source with case and punctuation removed; the longest
// matching prefix wins.
var sourceScores = map[string]int{
	"urlhaus":            90,
	"threatfox":          90,
	"spamhaus":           90,
	"otx":                85,
	"emergingthreats":    85,
	"ciarmy":             80,
	"phishtank":          75,
	"phishstats":         75,
	"malshare":           75,
	"bazaar":             70,
	"bazaaryara":         65,
	"feodo":              85,
	"dshieldopenioc":     60,
	"dshieldthreatfeeds": 60,
}

var typeScores = map[common.IndicatorType]int{
	common.TypeMD5:    80,
	common.TypeSHA1:   80,
	common.TypeSHA256: 80,
	common.TypeURL:    75,
	common.TypeDomain: 65,
	common.TypeIPv4:   60,
}

type keywordTier struct {
	boost int
	words []string
}

// keywordTiers are checked in order and only the first matching tier applies.
var keywordTiers = []keywordTier{
	{20, []string{
		"ransomware", "apt", "advanced persistent", "zero-day", "exploit", "backdoor",
		"trojan", "rat", "remote access", "c2", "command and control",
		"cryptominer", "miner", "botnet", "ddos",
	}},
	{10, []string{
		"malware", "phishing", "phish", "scam", "fraud", "stealer", "banking",
		"credential", "keylogger", "spyware", "adware",
	}},
	{5, []string{"suspicious", "potentially unwanted", "pua", "pup", "unwanted"}},
}

// Input is what the classifier looks at.
type Input struct {
	Type          common.IndicatorType
	Source        string
	Description   string
	Tags          []string
	ObservedCount int
	// Confidence is an explicit confidence; zero means none was supplied.
	Confidence int
}

// Verdict is the classification outcome.
type Verdict struct {
	Severity   common.Severity `json:"severity"`
	Score      int             `json:"severityScore"`
	Confidence int             `json:"confidence"`
}

// Fallback is returned whenever scoring cannot complete.
var Fallback = Verdict{Severity: common.SeverityMedium, Score: 50, Confidence: 50}

// Classify scores an indicator. It never panics.
func Classify(in Input) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ClassifyFallbacks.Inc()
			slog.Warn("classification failed, using default", "source", in.Source, "type", in.Type, "panic", r)
			v = Fallback
		}
	}()

	src := SourceScore(in.Source)
	score := float64(baseScore)
	score += float64(src-baseScore) * sourceWeight
	score += float64(TypeScore(in.Type)-baseScore) * typeWeight
	score += float64(keywordBoost(in.Description, in.Tags))
	if in.ObservedCount > 1 {
		score += math.Min(10, math.Log(float64(in.ObservedCount))*2)
	}
	if in.Confidence != 0 {
		score += float64(in.Confidence-50) * 0.1
	}

	s := clamp(int(math.Round(score)))
	conf := in.Confidence
	if conf == 0 {
		conf = deriveConfidence(src, in)
	}
	return Verdict{Severity: Tier(s), Score: s, Confidence: clamp(conf)}
}

// BatchClassify classifies each input independently.
func BatchClassify(in []Input) []Verdict {
	out := make([]Verdict, len(in))
	for i := range in {
		out[i] = Classify(in[i])
	}
	return out
}

// Tier maps a clamped score onto a severity tier.
func Tier(score int) common.Severity {
	switch {
	case score >= 85:
		return common.SeverityCritical
	case score >= 70:
		return common.SeverityHigh
	case score >= 50:
		return common.SeverityMedium
	case score >= 30:
		return common.SeverityLow
	default:
		return common.SeverityInfo
	}
}

// SourceScore looks up the reliability of a source name.
func SourceScore(source string) int {
	key := squash(source)
	best, bestLen := defaultSourceRank, 0
	for k, v := range sourceScores {
		if len(k) > bestLen && strings.HasPrefix(key, k) {
			best, bestLen = v, len(k)
		}
	}
	return best
}

// TypeScore is the inherent severity of an indicator type.
func TypeScore(t common.IndicatorType) int {
	if v, ok := typeScores[t]; ok {
		return v
	}
	return defaultTypeRank
}

func keywordBoost(description string, tags []string) int {
	text := strings.ToLower(description + " " + strings.Join(tags, " "))
	for _, tier := range keywordTiers {
		for _, w := range tier.words {
			if strings.Contains(text, w) {
				return tier.boost
			}
		}
	}
	return 0
}

func deriveConfidence(sourceScore int, in Input) int {
	c := float64(sourceScore)
	if len(in.Description) > 20 {
		c += 5
	}
	if len(in.Tags) > 0 {
		c += 5
	}
	if in.ObservedCount > 3 {
		c += math.Min(10, float64(in.ObservedCount)*2)
	}
	return int(math.Round(c))
}

// squash lowercases s and drops everything but letters and digits.
func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Stats summarises a set of verdicts.
type Stats struct {
	BySeverity        map[common.Severity]int `json:"bySeverity"`
	AverageScore      float64                 `json:"averageScore"`
	AverageConfidence float64                 `json:"averageConfidence"`
}

// Summarize computes severity distribution and averages.
func Summarize(vs []Verdict) Stats {
	st := Stats{BySeverity: make(map[common.Severity]int, len(common.Severities))}
	for _, s := range common.Severities {
		st.BySeverity[s] = 0
	}
	if len(vs) == 0 {
		return st
	}
	var score, conf int
	for _, v := range vs {
		st.BySeverity[v.Severity]++
		score += v.Score
		conf += v.Confidence
	}
	st.AverageScore = float64(score) / float64(len(vs))
	st.AverageConfidence = float64(conf) / float64(len(vs))
	return st
}
