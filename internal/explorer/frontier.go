package explorer

import (
	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/sirupsen/logrus"
)

// Expand returns the domains that should be analyzed next based on the trust edges of one outcome.
// Names listed in req.ExcludedDomains or alreadyExcluded (may be nil) are dropped, ignoring case.
// Duplicates within the result are collapsed; no state is kept between calls.
func Expand(outcome *storage.Outcome, req Request, alreadyExcluded ExclusionSet) []string {
	next, _ := expand(outcome, req, alreadyExcluded)
	return next
}

// expand also returns the candidates dropped by exclusion so they can be reported
func expand(outcome *storage.Outcome, req Request, alreadyExcluded ExclusionSet) (next, excluded []string) {
	if outcome == nil || len(outcome.TrustEdges) == 0 {
		return nil, nil
	}

	exclusions := NewExclusionSet(req.ExcludedDomains...)
	for name := range alreadyExcluded {
		exclusions.Add(name)
	}

	seen := make(map[string]bool)
	consider := func(name, reason string) {
		key := normalizeDomain(name)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true

		if exclusions.Contains(key) {
			logrus.Debugf("Domain %s not to explore (%s)", name, reason)
			excluded = append(excluded, name)
			return
		}
		next = append(next, name)
	}

	for _, edge := range outcome.TrustEdges {
		logrus.Debugf("Examining %s for additional exploration", edge.Partner)

		if edge.Direction == storage.DirectionInbound || edge.Direction == storage.DirectionDisabled {
			continue
		}

		switch edge.Kind {
		case storage.KindIntraForest:
			continue
		case storage.KindForestTrust:
			if !req.ExploreForestTrust {
				continue
			}
			consider(edge.Partner, "direct domain")
			for _, known := range edge.KnownDomains {
				consider(known, "known domain")
			}
		default:
			if !req.ExploreTerminalDomains {
				continue
			}
			consider(edge.Partner, "terminal domain")
		}
	}

	return next, excluded
}
