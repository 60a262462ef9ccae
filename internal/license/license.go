package license

import (
	"strings"

	"github.com/alvmarrod/trust-carto/internal/explorer"
	"github.com/sirupsen/logrus"
)

// EditionBasic is the entry-level edition; analyzers limit their honeypot detection for it
const EditionBasic = "Basic"

// Gate restricts analysis to licensed domain patterns.
// An empty pattern list allows every domain.
type Gate struct {
	patterns []string
	edition  string
}

// NewGate creates a gate from wildcard patterns such as *.corp.local
func NewGate(edition string, patterns ...string) *Gate {
	g := &Gate{edition: strings.TrimSpace(edition)}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			g.patterns = append(g.patterns, p)
		}
	}
	logrus.Debugf("License gate: edition=%q, %d domain patterns", g.edition, len(g.patterns))
	return g
}

// ParseLimitation splits a domain limitation list separated by commas or semicolons
func ParseLimitation(limitation string) []string {
	fields := strings.FieldsFunc(limitation, func(r rune) bool {
		return r == ',' || r == ';'
	})

	var patterns []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			patterns = append(patterns, f)
		}
	}
	return patterns
}

// IsAllowedDomain reports whether name matches at least one licensed pattern
func (g *Gate) IsAllowedDomain(name string) bool {
	if len(g.patterns) == 0 {
		return true
	}
	for _, p := range g.patterns {
		if explorer.Matches(p, name) {
			return true
		}
	}
	return false
}

// IsBasicTier reports whether the edition is the basic one
func (g *Gate) IsBasicTier() bool {
	return strings.EqualFold(g.edition, EditionBasic)
}

// Patterns returns the licensed patterns
func (g *Gate) Patterns() []string {
	return append([]string(nil), g.patterns...)
}
