package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	domainsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carto_domains_discovered_total",
		Help: "Domains admitted for analysis, from seeding or trust exploration",
	})

	domainAnalyses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carto_domain_analyses_total",
		Help: "Domain analyses by final status",
	}, []string{"status"})

	domainsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carto_domains_skipped_total",
		Help: "Domains skipped because of licensing, exclusion or the domain cap",
	})

	trustEdges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carto_trust_edges_total",
		Help: "Trust edges reported by successful analyses",
	})

	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carto_domain_analysis_duration_seconds",
		Help:    "Duration of single domain analyses",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
	})
)

// Tracker holds and manages exploration metrics
type Tracker struct {
	mu                  sync.Mutex
	data                storage.Metrics
	totalAnalysisTimeMs int64
	analysisCount       int
}

// NewTracker creates a new metrics tracker
func NewTracker() *Tracker {
	return &Tracker{
		data: storage.Metrics{
			StartTime: time.Now(),
		},
	}
}

// IncrementDomainsDiscovered increments the discovered domains counter
func (t *Tracker) IncrementDomainsDiscovered() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.DomainsDiscovered++
	domainsDiscovered.Inc()
}

// IncrementDomainsAnalyzed increments the successful analysis counter
func (t *Tracker) IncrementDomainsAnalyzed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.DomainsAnalyzed++
	domainAnalyses.WithLabelValues(string(storage.StatusSucceeded)).Inc()
}

// IncrementDomainsFailed increments the failed analysis counter
func (t *Tracker) IncrementDomainsFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.DomainsFailed++
	domainAnalyses.WithLabelValues(string(storage.StatusFailed)).Inc()
}

// IncrementDomainsSkipped increments the skipped domains counter
func (t *Tracker) IncrementDomainsSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.DomainsSkipped++
	domainsSkipped.Inc()
}

// AddTrustEdges adds n to the trust edges counter
func (t *Tracker) AddTrustEdges(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.TrustEdgesRecorded += n
	trustEdges.Add(float64(n))
}

// RecordAnalysisTime records a domain analysis duration
func (t *Tracker) RecordAnalysisTime(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalAnalysisTimeMs += duration.Milliseconds()
	t.analysisCount++
	analysisDuration.Observe(duration.Seconds())
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalAnalysisTimeMs = t.totalAnalysisTimeMs

	if t.analysisCount > 0 {
		snapshot.AvgAnalysisTimeMs = t.totalAnalysisTimeMs / int64(t.analysisCount)
	}

	return snapshot
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.data.TotalAnalysisTimeMs = t.totalAnalysisTimeMs

	if t.analysisCount > 0 {
		t.data.AvgAnalysisTimeMs = t.totalAnalysisTimeMs / int64(t.analysisCount)
	}

	jsonData, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for periodic console updates
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Domains: %d discovered, %d analyzed, %d failed, %d skipped | Trusts: %d",
		t.data.DomainsDiscovered,
		t.data.DomainsAnalyzed,
		t.data.DomainsFailed,
		t.data.DomainsSkipped,
		t.data.TrustEdgesRecorded,
	)
}

// Handler exposes the collectors in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
// It returns the bound address, which differs from addr when the port is 0.
func Serve(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Metrics server failed: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("Metrics server shutdown: %v", err)
		}
	}()

	logrus.Infof("Serving metrics on http://%s/metrics", ln.Addr())
	return ln.Addr().String(), nil
}
