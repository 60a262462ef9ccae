package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/sirupsen/logrus"
)

// ReportOptions are forwarded to every report builder
type ReportOptions struct {
	RunID        string
	CenterDomain string
}

// ReportBuilder renders the consolidated outcomes of a run
type ReportBuilder interface {
	Name() string
	Build(ctx context.Context, outcomes []storage.Outcome, opts ReportOptions) error
}

// Sink accumulates per-domain outcomes from concurrent workers
type Sink struct {
	mu       sync.Mutex
	outcomes []storage.Outcome
}

// NewSink creates an empty sink
func NewSink() *Sink {
	return &Sink{
		outcomes: make([]storage.Outcome, 0),
	}
}

// Add stores a copy of outcome. Safe for concurrent use.
func (s *Sink) Add(outcome *storage.Outcome) {
	if outcome == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, *outcome)
}

// All returns a snapshot of every outcome in insertion order
func (s *Sink) All() []storage.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]storage.Outcome, len(s.outcomes))
	copy(all, s.outcomes)
	return all
}

// Sorted returns a snapshot ordered by domain name, then timestamp
func (s *Sink) Sorted() []storage.Outcome {
	all := s.All()
	sort.SliceStable(all, func(i, j int) bool {
		a, b := strings.ToLower(all[i].DomainName), strings.ToLower(all[j].DomainName)
		if a != b {
			return a < b
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all
}

// Len returns the number of stored outcomes
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

// Counts returns the number of outcomes per status
func (s *Sink) Counts() (succeeded, failed, licenseDenied int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outcomes {
		switch s.outcomes[i].Status {
		case storage.StatusSucceeded:
			succeeded++
		case storage.StatusLicenseDenied:
			licenseDenied++
		default:
			failed++
		}
	}
	return succeeded, failed, licenseDenied
}

// Publish hands the sorted outcomes to every builder. A failing builder does not stop the others.
func (s *Sink) Publish(ctx context.Context, opts ReportOptions, builders ...ReportBuilder) error {
	outcomes := s.Sorted()

	var errs []error
	for _, b := range builders {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		logrus.Infof("Generating report %s (%d domains)", b.Name(), len(outcomes))
		if err := b.Build(ctx, outcomes, opts); err != nil {
			logrus.Errorf("Report %s failed: %v", b.Name(), err)
			errs = append(errs, fmt.Errorf("report %s: %w", b.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// Flush writes every outcome and its trust edges to storage
func (s *Sink) Flush(store *storage.Storage, runID string) error {
	outcomes := s.All()

	startTime := time.Now()
	logrus.Info("Starting flush to database...")

	domainsWritten := 0
	trustsWritten := 0
	var firstErr error

	for i := range outcomes {
		outcome := &outcomes[i]

		fromID, err := store.UpsertDomain(outcome, runID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logrus.Warnf("Failed to flush domain %s: %v", outcome.DomainName, err)
			continue
		}
		domainsWritten++

		for _, edge := range outcome.TrustEdges {
			toID, err := store.EnsureDomain(edge.Partner)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				logrus.Warnf("Failed to flush trust partner %s: %v", edge.Partner, err)
				continue
			}

			if err := store.UpsertTrust(fromID, toID, edge); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				logrus.Warnf("Failed to flush trust %s -> %s: %v", outcome.DomainName, edge.Partner, err)
				continue
			}
			trustsWritten++
		}
	}

	duration := time.Since(startTime)
	logrus.Infof("Flush complete: %d domains, %d trusts written in %v", domainsWritten, trustsWritten, duration)

	return firstErr
}
