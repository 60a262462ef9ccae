package explorer

import (
	"context"
	"strings"

	"github.com/alvmarrod/trust-carto/internal/storage"
)

// Credential is handed to the analyzer untouched
type Credential struct {
	Username string
	Password string
}

// Empty reports whether no credential was configured
func (c Credential) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// NetworkSettings are the connection parameters passed to collaborators
type NetworkSettings struct {
	Port       int
	Credential Credential
}

// Request describes one exploration run. It must not be modified while the run is active.
type Request struct {
	// Target is either one domain name or a wildcard pattern (see IsWildcard)
	Target                  string
	AnalyzeReachableDomains bool
	ExploreTerminalDomains  bool
	ExploreForestTrust      bool
	// CenterDomain is forwarded to report builders for the simplified graph
	CenterDomain    string
	ExcludedDomains []string
	Network         NetworkSettings
}

// AnalyzeOptions are the per-domain parameters given to the Analyzer
type AnalyzeOptions struct {
	Network                 NetworkSettings
	AnalyzeReachableDomains bool
	// LimitHoneyPot is set when the license is basic tier
	LimitHoneyPot bool
}

// Analyzer inspects a single domain. It must be safe for concurrent use with different domains.
type Analyzer interface {
	Analyze(ctx context.Context, domain string, opts AnalyzeOptions) (*storage.Outcome, error)
}

// CandidateSource lists the domains reachable from the current position, used to resolve wildcards
type CandidateSource interface {
	ListReachableDomains(ctx context.Context, settings NetworkSettings) ([]string, error)
}

// LicenseGate answers licensing questions
type LicenseGate interface {
	IsAllowedDomain(name string) bool
	IsBasicTier() bool
}

// ExclusionSet is a case-insensitive set of domain names
type ExclusionSet map[string]struct{}

// NewExclusionSet builds a set from names
func NewExclusionSet(names ...string) ExclusionSet {
	set := make(ExclusionSet, len(names))
	for _, n := range names {
		set.Add(n)
	}
	return set
}

// Add inserts a name
func (s ExclusionSet) Add(name string) {
	if key := normalizeDomain(name); key != "" {
		s[key] = struct{}{}
	}
}

// Contains reports whether name is in the set, ignoring case
func (s ExclusionSet) Contains(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s[normalizeDomain(name)]
	return ok
}

func normalizeDomain(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
