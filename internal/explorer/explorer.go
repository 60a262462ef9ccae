package explorer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/trust-carto/internal/consolidation"
	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/alvmarrod/trust-carto/internal/task"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultWorkers         = 100
	DefaultQueueCapacity   = 30
	DefaultShutdownTimeout = 30 * time.Second
)

// Reasons a run stopped accepting work
const (
	QuitCompleted = "completed"
	QuitDomainCap = "domain_cap"
	QuitCancelled = "cancelled"
	QuitNoDomains = "no_domains"
)

// Reasons a domain was not analyzed
const (
	SkipExcluded  = "excluded"
	SkipLicense   = "license"
	SkipDomainCap = "domain_cap"
	SkipCancelled = "cancelled"
)

var (
	ErrNoAnalyzer        = errors.New("explorer: no analyzer configured")
	ErrNoCandidateSource = errors.New("explorer: wildcard target requires a candidate source")
	ErrEmptyTarget       = errors.New("explorer: empty target")
)

// Recorder receives progress counters. metrics.Tracker implements it.
type Recorder interface {
	IncrementDomainsDiscovered()
	IncrementDomainsAnalyzed()
	IncrementDomainsFailed()
	IncrementDomainsSkipped()
	AddTrustEdges(n int)
	RecordAnalysisTime(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) IncrementDomainsDiscovered()      {}
func (noopRecorder) IncrementDomainsAnalyzed()        {}
func (noopRecorder) IncrementDomainsFailed()          {}
func (noopRecorder) IncrementDomainsSkipped()         {}
func (noopRecorder) AddTrustEdges(int)                {}
func (noopRecorder) RecordAnalysisTime(time.Duration) {}

// Options tune an Explorer. Zero values select the defaults.
type Options struct {
	Workers       int
	QueueCapacity int
	// MaxDomains caps how many domains one run may admit (0 = unlimited)
	MaxDomains int
	// ShutdownTimeout bounds the wait for workers once quit is requested; it is applied
	// once before cancelling in-flight analyses and once more before abandoning them
	ShutdownTimeout time.Duration
	// AnalysisTimeout bounds a single domain analysis (0 = no limit)
	AnalysisTimeout time.Duration
	// AnalysisRate limits analysis starts per second (0 = unlimited)
	AnalysisRate float64
	Recorder     Recorder
	// Sink receives outcomes; a fresh sink is created per run when nil
	Sink   *consolidation.Sink
	Runner *task.Runner
}

// SkippedDomain is a domain that was never analyzed
type SkippedDomain struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

// Result is the output of one exploration run
type Result struct {
	RunID        string
	Target       string
	CenterDomain string
	StartedAt    time.Time
	Elapsed      time.Duration
	// Outcomes are sorted by domain name
	Outcomes     []storage.Outcome
	TotalDomains int
	Skipped      []SkippedDomain
	QuitReason   string
	Sink         *consolidation.Sink
}

// Succeeded returns the successful outcomes
func (r *Result) Succeeded() []storage.Outcome {
	return r.filter(func(o *storage.Outcome) bool { return o.Succeeded() })
}

// Failed returns the outcomes that did not succeed, license denials included
func (r *Result) Failed() []storage.Outcome {
	return r.filter(func(o *storage.Outcome) bool { return !o.Succeeded() })
}

func (r *Result) filter(keep func(*storage.Outcome) bool) []storage.Outcome {
	var out []storage.Outcome
	for i := range r.Outcomes {
		if keep(&r.Outcomes[i]) {
			out = append(out, r.Outcomes[i])
		}
	}
	return out
}

// Explorer analyzes a network of domains in parallel, following trust relationships
type Explorer struct {
	analyzer Analyzer
	source   CandidateSource
	license  LicenseGate
	opts     Options
}

// New creates an explorer. source is only needed for wildcard targets and license may be nil.
func New(analyzer Analyzer, source CandidateSource, license LicenseGate, opts Options) *Explorer {
	applyDefaults(&opts)
	return &Explorer{
		analyzer: analyzer,
		source:   source,
		license:  license,
		opts:     opts,
	}
}

func applyDefaults(opts *Options) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.Runner == nil {
		opts.Runner = &task.Runner{}
	}
}

// Explore resolves the target, analyzes every admitted domain and drains to completion.
// Per-domain failures never abort the run; an error is returned only when the run cannot start.
func (e *Explorer) Explore(ctx context.Context, req Request) (*Result, error) {
	if e.analyzer == nil {
		return nil, ErrNoAnalyzer
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return nil, ErrEmptyTarget
	}

	sink := e.opts.Sink
	if sink == nil {
		sink = consolidation.NewSink()
	}

	result := &Result{
		RunID:        uuid.NewString(),
		Target:       req.Target,
		CenterDomain: req.CenterDomain,
		StartedAt:    time.Now(),
		Sink:         sink,
	}

	seeds, excluded, err := e.resolveSeeds(ctx, req)
	if err != nil {
		return nil, err
	}

	r := newRun(ctx, e, req, sink)
	for _, d := range excluded {
		r.skip(d, SkipExcluded)
	}

	if len(seeds) == 0 {
		logrus.Warnf("No domain to analyze for %s", req.Target)
		r.quitReason = QuitNoDomains
	} else {
		r.execute(ctx, seeds)
	}

	result.Elapsed = time.Since(result.StartedAt)
	result.Outcomes = sink.Sorted()
	result.TotalDomains, result.Skipped, result.QuitReason = r.summary()

	logrus.Infof("Exploration of %s finished (%s): %d domains in %v, %d skipped",
		req.Target, result.QuitReason, result.TotalDomains, result.Elapsed, len(result.Skipped))

	return result, nil
}

// resolveSeeds returns the initial domains, and the wildcard matches dropped by exclusion
func (e *Explorer) resolveSeeds(ctx context.Context, req Request) (seeds, excluded []string, err error) {
	if !IsWildcard(req.Target) {
		return []string{req.Target}, nil, nil
	}
	if e.source == nil {
		return nil, nil, ErrNoCandidateSource
	}

	var candidates []string
	var listErr error
	res := e.opts.Runner.Run("Exploration", func() error {
		candidates, listErr = e.source.ListReachableDomains(ctx, req.Network)
		return listErr
	})
	if !res.Succeeded {
		if listErr == nil {
			listErr = errors.New(res.Message)
		}
		return nil, nil, fmt.Errorf("resolve %s: %w", req.Target, listErr)
	}

	exclusions := NewExclusionSet(req.ExcludedDomains...)
	seen := make(map[string]bool)

	logrus.Info("List of domains that will be queried")
	for _, candidate := range candidates {
		key := normalizeDomain(candidate)
		if key == "" || seen[key] || !Matches(req.Target, candidate) {
			continue
		}
		seen[key] = true

		if exclusions.Contains(candidate) {
			logrus.Debugf("Domain %s is filtered", candidate)
			excluded = append(excluded, candidate)
			continue
		}
		logrus.Info(candidate)
		seeds = append(seeds, candidate)
	}

	return seeds, excluded, nil
}

// run holds the shared state of one exploration
type run struct {
	parent  context.Context
	e       *Explorer
	req     Request
	sink    *consolidation.Sink
	queue   *BoundedQueue[string]
	limiter *rate.Limiter
	opts    AnalyzeOptions

	// mu guards everything below; seen and the watermark counters change together
	mu          sync.Mutex
	backlog     *sync.Cond
	seen        map[string]struct{}
	pending     []string
	admitted    int
	completed   int
	capped      bool
	skipped     []SkippedDomain
	skippedSeen map[string]bool
	quitReason  string
	quitCh      chan struct{}
}

func newRun(ctx context.Context, e *Explorer, req Request, sink *consolidation.Sink) *run {
	r := &run{
		parent:      ctx,
		e:           e,
		req:         req,
		sink:        sink,
		queue:       NewBoundedQueue[string](e.opts.QueueCapacity),
		seen:        make(map[string]struct{}),
		skippedSeen: make(map[string]bool),
		quitCh:      make(chan struct{}),
		opts: AnalyzeOptions{
			Network:                 req.Network,
			AnalyzeReachableDomains: req.AnalyzeReachableDomains,
		},
	}
	r.backlog = sync.NewCond(&r.mu)

	if e.license != nil {
		r.opts.LimitHoneyPot = e.license.IsBasicTier()
	}
	if e.opts.AnalysisRate > 0 {
		// Burst of one spaces every start, including the first second of the run
		r.limiter = rate.NewLimiter(rate.Limit(e.opts.AnalysisRate), 1)
	}
	return r
}

func (r *run) execute(ctx context.Context, seeds []string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Seeds are admitted before any worker can complete, so the watermark cannot fire early
	r.admit(seeds)

	go r.feed()

	logrus.Infof("Starting %d analysis workers", r.e.opts.Workers)
	var g errgroup.Group
	for i := 0; i < r.e.opts.Workers; i++ {
		id := i + 1
		g.Go(func() error {
			r.worker(runCtx, id)
			return nil
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			logrus.Warn("Exploration cancelled, draining queue")
			r.requestQuit(QuitCancelled)
		case <-r.quitCh:
		}
	}()

	<-r.quitCh
	logrus.Infof("Quit requested (%s), waiting for workers to complete", r.reason())
	r.shutdown(&g, cancel)
}

// shutdown joins the workers; on timeout it cancels in-flight analyses, then gives up on stragglers
func (r *run) shutdown(g *errgroup.Group, cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timeout := r.e.opts.ShutdownTimeout
	select {
	case <-done:
		logrus.Debug("All workers stopped")
		return
	case <-time.After(timeout):
		logrus.Warnf("Workers timeout (%v) - cancelling in-flight analyses", timeout)
		cancel()
	}

	select {
	case <-done:
		logrus.Info("All workers stopped after cancellation")
	case <-time.After(timeout):
		logrus.Warn("Workers did not stop after cancellation - some analyses may still be running")
	}
}

// admit marks names as seen and schedules the new ones, honoring the domain cap
func (r *run) admit(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := false
	for _, name := range names {
		key := normalizeDomain(name)
		if key == "" {
			continue
		}
		if _, ok := r.seen[key]; ok {
			logrus.Debugf("Domain %s already scheduled, skipping", name)
			continue
		}
		r.seen[key] = struct{}{}

		if r.quitReason != "" {
			r.skipLocked(name, SkipCancelled)
			continue
		}
		if max := r.e.opts.MaxDomains; max > 0 && r.admitted >= max {
			if !r.capped {
				logrus.Warnf("Domain cap of %d reached, no further domains will be explored", max)
			}
			r.capped = true
			r.skipLocked(name, SkipDomainCap)
			continue
		}

		r.admitted++
		r.pending = append(r.pending, name)
		r.e.opts.Recorder.IncrementDomainsDiscovered()
		added = true
	}

	if added {
		r.backlog.Signal()
	}
}

// feed moves admitted domains into the bounded queue so workers never block on enqueue
func (r *run) feed() {
	for {
		r.mu.Lock()
		for len(r.pending) == 0 && r.quitReason == "" {
			r.backlog.Wait()
		}
		if r.quitReason != "" {
			for _, d := range r.pending {
				r.skipLocked(d, SkipCancelled)
			}
			r.pending = nil
			r.mu.Unlock()
			return
		}
		domain := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()

		if !r.queue.Enqueue(domain) {
			r.skip(domain, SkipCancelled)
		}
	}
}

// complete records one finished domain and requests quit once every admitted domain is done
func (r *run) complete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed++
	if r.completed >= r.admitted {
		reason := QuitCompleted
		switch {
		case r.parent.Err() != nil:
			reason = QuitCancelled
		case r.capped:
			reason = QuitDomainCap
		}
		r.requestQuitLocked(reason)
	}
}

func (r *run) requestQuit(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestQuitLocked(reason)
}

func (r *run) requestQuitLocked(reason string) {
	if r.quitReason != "" {
		return
	}
	r.quitReason = reason
	r.queue.RequestQuit()
	r.backlog.Broadcast()
	close(r.quitCh)
}

func (r *run) reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quitReason
}

func (r *run) skip(domain, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipLocked(domain, reason)
}

func (r *run) skipLocked(domain, reason string) {
	key := normalizeDomain(domain)
	if r.skippedSeen[key] {
		return
	}
	r.skippedSeen[key] = true
	r.skipped = append(r.skipped, SkippedDomain{Domain: domain, Reason: reason})
	r.e.opts.Recorder.IncrementDomainsSkipped()
}

func (r *run) summary() (total int, skipped []SkippedDomain, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	skipped = make([]SkippedDomain, len(r.skipped))
	copy(skipped, r.skipped)
	sort.Slice(skipped, func(i, j int) bool {
		return normalizeDomain(skipped[i].Domain) < normalizeDomain(skipped[j].Domain)
	})
	return r.admitted, skipped, r.quitReason
}

func (r *run) worker(ctx context.Context, id int) {
	logrus.Debugf("Worker %d started", id)

	for {
		domain, ok := r.queue.Dequeue()
		if !ok {
			logrus.Debugf("Worker %d: queue stopped, exiting", id)
			return
		}

		logrus.Debugf("Worker %d: popped %s", id, domain)
		r.process(ctx, domain)
	}
}

// process analyzes one domain; completion is always recorded, whatever happens
func (r *run) process(ctx context.Context, domain string) {
	defer r.complete()

	if ctx.Err() != nil {
		r.skip(domain, SkipCancelled)
		return
	}

	if r.e.license != nil && !r.e.license.IsAllowedDomain(domain) {
		logrus.Warnf("Skipping domain [%s] due to license domain limitations", domain)
		r.sink.Add(&storage.Outcome{
			DomainName:    domain,
			Status:        storage.StatusLicenseDenied,
			Timestamp:     time.Now(),
			ErrorCategory: string(task.CategoryConfiguration),
			ErrorMessage:  fmt.Sprintf("domain %s: %v", domain, task.ErrLicense),
		})
		r.skip(domain, SkipLicense)
		return
	}

	var analyzed *storage.Outcome
	res := r.e.opts.Runner.Run("Perform analysis for "+domain, func() error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		out, err := r.analyze(ctx, domain)
		if err != nil {
			return err
		}
		if out == nil {
			return fmt.Errorf("analyzer returned no outcome for %s", domain)
		}
		analyzed = out
		return nil
	})

	outcome := finalizeOutcome(domain, analyzed, res)
	r.sink.Add(outcome)
	r.e.opts.Recorder.RecordAnalysisTime(res.Elapsed)

	if !outcome.Succeeded() {
		r.e.opts.Recorder.IncrementDomainsFailed()
		logrus.Warnf("Analysis of %s failed (%s)", domain, res.Category)
		return
	}

	r.e.opts.Recorder.IncrementDomainsAnalyzed()
	r.e.opts.Recorder.AddTrustEdges(len(outcome.TrustEdges))
	logrus.Infof("Analysis of %s completed with success", domain)

	if !r.req.ExploreForestTrust && !r.req.ExploreTerminalDomains {
		return
	}

	next, excluded := expand(outcome, r.req, nil)
	for _, d := range excluded {
		r.skip(d, SkipExcluded)
	}
	r.admit(next)
}

// analyze calls the analyzer under the per-domain timeout. A call that outlives its context
// is abandoned so that a stuck analyzer cannot hold the worker.
func (r *run) analyze(ctx context.Context, domain string) (*storage.Outcome, error) {
	if timeout := r.e.opts.AnalysisTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type reply struct {
		out *storage.Outcome
		err error
	}
	ch := make(chan reply, 1)

	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- reply{err: &task.PanicError{Value: v}}
			}
		}()
		out, err := r.e.analyzer.Analyze(ctx, domain, r.opts)
		ch <- reply{out: out, err: err}
	}()

	select {
	case rep := <-ch:
		return rep.out, rep.err
	case <-ctx.Done():
		return nil, fmt.Errorf("analysis of %s abandoned: %w", domain, ctx.Err())
	}
}

func finalizeOutcome(domain string, analyzed *storage.Outcome, res task.Result) *storage.Outcome {
	outcome := analyzed
	if outcome == nil {
		outcome = &storage.Outcome{}
	}
	if outcome.DomainName == "" {
		outcome.DomainName = domain
	}
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}
	outcome.Elapsed = res.Elapsed

	if res.Succeeded {
		outcome.Status = storage.StatusSucceeded
		outcome.ErrorCategory = ""
		outcome.ErrorMessage = ""
	} else {
		outcome.Status = storage.StatusFailed
		outcome.ErrorCategory = string(res.Category)
		outcome.ErrorMessage = res.Message
		outcome.TrustEdges = nil
	}
	return outcome
}
