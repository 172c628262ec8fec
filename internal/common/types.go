package common

// IndicatorType is the canonical kind of an indicator value.
type IndicatorType string

const (
	TypeIPv4    IndicatorType = "ipv4"
	TypeDomain  IndicatorType = "domain"
	TypeURL     IndicatorType = "url"
	TypeMD5     IndicatorType = "md5"
	TypeSHA1    IndicatorType = "sha1"
	TypeSHA256  IndicatorType = "sha256"
	TypeUnknown IndicatorType = "unknown"
)

// IsHash reports whether t is one of the file hash types.
func (t IndicatorType) IsHash() bool {
	return t == TypeMD5 || t == TypeSHA1 || t == TypeSHA256
}

// Severity denotes the severity tier assigned to a persisted indicator.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists tiers from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Tier is the fetch schedule a source belongs to.
type Tier string

const (
	TierMonthly Tier = "monthly"
	Tier48Hours Tier = "48hours"
	TierDaily   Tier = "daily"
)

// Tiers lists all schedule tiers.
var Tiers = []Tier{TierMonthly, Tier48Hours, TierDaily}

// IsValid reports whether t names a known tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierMonthly, Tier48Hours, TierDaily:
		return true
	}
	return false
}

// Status is the outcome of a fetch or normalize attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusEmpty   Status = "empty"
)

// Handler names the retrieval strategy of a source.
type Handler string

const (
	HandlerSimple     Handler = "simple"
	HandlerGzip       Handler = "gzip"
	HandlerZip        Handler = "zip"
	HandlerOTX        Handler = "otx_api"
	HandlerAPIJSON    Handler = "api_json"
	HandlerXMLExtract Handler = "xml_extract"
	HandlerPhishStats Handler = "phishstats_api"
)

// PayloadType is the staged file format of a source.
type PayloadType string

const (
	PayloadCSV  PayloadType = "csv"
	PayloadTXT  PayloadType = "txt"
	PayloadJSON PayloadType = "json"
)
