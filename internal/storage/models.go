package storage

import (
	"strings"
	"time"
)

// TrustDirection is the direction of a trust relationship as seen from the analyzed domain
type TrustDirection string

const (
	DirectionInbound       TrustDirection = "inbound"
	DirectionOutbound      TrustDirection = "outbound"
	DirectionBidirectional TrustDirection = "bidirectional"
	DirectionDisabled      TrustDirection = "disabled"
)

// ParseTrustDirection normalizes a direction label. Unknown values map to disabled.
func ParseTrustDirection(s string) TrustDirection {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound", "in":
		return DirectionInbound
	case "outbound", "out":
		return DirectionOutbound
	case "bidirectional", "both", "two-way":
		return DirectionBidirectional
	default:
		return DirectionDisabled
	}
}

// TrustKind classifies a trust relationship
type TrustKind string

const (
	KindIntraForest TrustKind = "intra-forest"
	KindForestTrust TrustKind = "forest-trust"
	KindExternal    TrustKind = "external"
	KindTerminal    TrustKind = "terminal"
)

// ParseTrustKind normalizes a kind label. Unknown values map to terminal,
// matching how non-forest trusts are treated during exploration.
func ParseTrustKind(s string) TrustKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "intra-forest", "intraforest", "parent-child", "tree-root":
		return KindIntraForest
	case "forest-trust", "forest":
		return KindForestTrust
	case "external":
		return KindExternal
	default:
		return KindTerminal
	}
}

// TrustEdge is one trust relationship discovered while analyzing a domain
type TrustEdge struct {
	Partner      string         `json:"partner" yaml:"partner"`
	Direction    TrustDirection `json:"direction" yaml:"direction"`
	Kind         TrustKind      `json:"kind" yaml:"kind"`
	KnownDomains []string       `json:"known_domains,omitempty" yaml:"known_domains,omitempty"`
}

// OutcomeStatus is the final state of one domain analysis
type OutcomeStatus string

const (
	StatusSucceeded     OutcomeStatus = "succeeded"
	StatusFailed        OutcomeStatus = "failed"
	StatusLicenseDenied OutcomeStatus = "license_denied"
)

// Outcome is the result of analyzing a single domain
type Outcome struct {
	DomainName    string        `json:"domain_name"`
	Status        OutcomeStatus `json:"status"`
	TrustEdges    []TrustEdge   `json:"trust_edges,omitempty"`
	Payload       []byte        `json:"payload,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Elapsed       time.Duration `json:"elapsed"`
	ErrorCategory string        `json:"error_category,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// Succeeded reports whether the analysis completed without error
func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// Run describes one exploration run as persisted in the database
type Run struct {
	RunID        string
	Target       string
	StartedAt    time.Time
	FinishedAt   time.Time
	TotalDomains int
	QuitReason   string
}

// DomainRecord is the persisted view of the last outcome of a domain
type DomainRecord struct {
	DomainName    string
	Status        OutcomeStatus
	ErrorCategory string
	ErrorMessage  string
	Payload       []byte
	AnalyzedAt    time.Time
	RunID         string
	AnalysisCount int
}

// Metrics tracks exploration statistics for export on exit
type Metrics struct {
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	DomainsDiscovered   int       `json:"domains_discovered"`
	DomainsAnalyzed     int       `json:"domains_analyzed"`
	DomainsFailed       int       `json:"domains_failed"`
	DomainsSkipped      int       `json:"domains_skipped"`
	TrustEdgesRecorded  int       `json:"trust_edges_recorded"`
	TotalAnalysisTimeMs int64     `json:"total_analysis_time_ms"`
	AvgAnalysisTimeMs   int64     `json:"avg_analysis_time_ms"`
	TerminationReason   string    `json:"termination_reason"`
}
