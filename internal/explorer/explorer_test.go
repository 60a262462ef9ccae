package explorer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alvmarrod/trust-carto/internal/consolidation"
	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/alvmarrod/trust-carto/internal/task"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnalyzer struct {
	mu     sync.Mutex
	calls  map[string]int
	edges  map[string][]storage.TrustEdge
	errs   map[string]error
	hang   map[string]bool
	panics map[string]bool
	opts   []AnalyzeOptions
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		calls:  make(map[string]int),
		edges:  make(map[string][]storage.TrustEdge),
		errs:   make(map[string]error),
		hang:   make(map[string]bool),
		panics: make(map[string]bool),
	}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, domain string, opts AnalyzeOptions) (*storage.Outcome, error) {
	f.mu.Lock()
	f.calls[domain]++
	f.opts = append(f.opts, opts)
	edges, err := f.edges[domain], f.errs[domain]
	hang, panics := f.hang[domain], f.panics[domain]
	f.mu.Unlock()

	if panics {
		panic("analyzer blew up on " + domain)
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &storage.Outcome{
		DomainName: domain,
		TrustEdges: edges,
		Payload:    []byte("report for " + domain),
	}, nil
}

func (f *fakeAnalyzer) callCount(domain string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[domain]
}

func (f *fakeAnalyzer) analyzed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.calls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type staticSource struct {
	domains []string
	err     error
}

func (s staticSource) ListReachableDomains(context.Context, NetworkSettings) ([]string, error) {
	return s.domains, s.err
}

type denyGate struct {
	denied string
	basic  bool
}

func (g denyGate) IsAllowedDomain(name string) bool { return !strings.EqualFold(name, g.denied) }
func (g denyGate) IsBasicTier() bool                { return g.basic }

func quietOptions() Options {
	logger, _ := test.NewNullLogger()
	return Options{
		Workers:         4,
		QueueCapacity:   2,
		ShutdownTimeout: time.Second,
		Runner:          &task.Runner{Logger: logger},
	}
}

func exploreWithin(t *testing.T, e *Explorer, ctx context.Context, req Request) *Result {
	t.Helper()

	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := e.Explore(ctx, req)
		ch <- reply{res, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.res
	case <-time.After(10 * time.Second):
		t.Fatal("exploration did not finish")
		return nil
	}
}

func outcomeNames(outcomes []storage.Outcome) []string {
	names := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		names = append(names, o.DomainName)
	}
	return names
}

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.PanicLevel)
	m.Run()
}

func TestExplore_WildcardSeedsOnlyMatches(t *testing.T) {
	analyzer := newFakeAnalyzer()
	source := staticSource{domains: []string{"a.test", "b.test", "c.corp"}}

	res := exploreWithin(t, New(analyzer, source, nil, quietOptions()), context.Background(), Request{Target: "*.test"})

	assert.Equal(t, []string{"a.test", "b.test"}, analyzer.analyzed())
	assert.Equal(t, []string{"a.test", "b.test"}, outcomeNames(res.Outcomes))
	assert.Equal(t, 2, res.Sink.Len())
	assert.Equal(t, 2, res.TotalDomains)
	assert.Equal(t, QuitCompleted, res.QuitReason)
	assert.NotEmpty(t, res.RunID)
}

func TestExplore_ErrorIsolation(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.errs["bad.corp"] = &task.NetworkError{Host: "bad.corp", Err: errors.New("connection refused")}
	source := staticSource{domains: []string{"bad.corp", "good.corp"}}

	res := exploreWithin(t, New(analyzer, source, nil, quietOptions()), context.Background(), Request{Target: "*.corp"})

	require.Len(t, res.Outcomes, 2)
	require.Len(t, res.Failed(), 1)
	require.Len(t, res.Succeeded(), 1)

	failed := res.Failed()[0]
	assert.Equal(t, "bad.corp", failed.DomainName)
	assert.Equal(t, storage.StatusFailed, failed.Status)
	assert.Equal(t, string(task.CategoryNetwork), failed.ErrorCategory)
	assert.Contains(t, failed.ErrorMessage, "connection refused")
	assert.Equal(t, "good.corp", res.Succeeded()[0].DomainName)
}

func TestExplore_PanicIsContained(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.panics["boom.corp"] = true

	res := exploreWithin(t, New(analyzer, nil, nil, quietOptions()), context.Background(), Request{Target: "boom.corp"})

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, storage.StatusFailed, res.Outcomes[0].Status)
	assert.Equal(t, string(task.CategoryUnexpected), res.Outcomes[0].ErrorCategory)
}

func TestExplore_FollowsTrustsOnce(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.edges["root.corp"] = []storage.TrustEdge{
		{Partner: "partner.corp", Direction: storage.DirectionBidirectional, Kind: storage.KindForestTrust,
			KnownDomains: []string{"child.partner.corp"}},
		{Partner: "ext.corp", Direction: storage.DirectionOutbound, Kind: storage.KindExternal},
		{Partner: "in.corp", Direction: storage.DirectionInbound, Kind: storage.KindExternal},
		{Partner: "skip.corp", Direction: storage.DirectionOutbound, Kind: storage.KindExternal},
	}
	analyzer.edges["partner.corp"] = []storage.TrustEdge{
		{Partner: "ROOT.corp", Direction: storage.DirectionBidirectional, Kind: storage.KindForestTrust},
		{Partner: "ext.corp", Direction: storage.DirectionOutbound, Kind: storage.KindTerminal},
	}
	analyzer.edges["ext.corp"] = []storage.TrustEdge{
		{Partner: "partner.corp", Direction: storage.DirectionOutbound, Kind: storage.KindExternal},
	}

	req := Request{
		Target:                 "root.corp",
		ExploreForestTrust:     true,
		ExploreTerminalDomains: true,
		ExcludedDomains:        []string{"skip.corp"},
	}
	res := exploreWithin(t, New(analyzer, nil, nil, quietOptions()), context.Background(), req)

	assert.Equal(t, []string{"child.partner.corp", "ext.corp", "partner.corp", "root.corp"}, analyzer.analyzed())
	for _, d := range analyzer.analyzed() {
		assert.Equal(t, 1, analyzer.callCount(d), d)
	}
	assert.Equal(t, 4, res.TotalDomains)
	assert.Equal(t, []SkippedDomain{{Domain: "skip.corp", Reason: SkipExcluded}}, res.Skipped)
	assert.Equal(t, QuitCompleted, res.QuitReason)
}

func TestExplore_LicenseDenied(t *testing.T) {
	analyzer := newFakeAnalyzer()
	source := staticSource{domains: []string{"ok.corp", "denied.corp"}}
	gate := denyGate{denied: "denied.corp", basic: true}

	res := exploreWithin(t, New(analyzer, source, gate, quietOptions()), context.Background(), Request{Target: "*.corp"})

	assert.Equal(t, 0, analyzer.callCount("denied.corp"))
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, storage.StatusLicenseDenied, res.Outcomes[0].Status)
	assert.Equal(t, "denied.corp", res.Outcomes[0].DomainName)
	assert.Equal(t, []SkippedDomain{{Domain: "denied.corp", Reason: SkipLicense}}, res.Skipped)

	for _, opts := range analyzer.opts {
		assert.True(t, opts.LimitHoneyPot)
	}
}

func TestExplore_DomainCap(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.edges["root.corp"] = []storage.TrustEdge{
		{Partner: "one.corp", Direction: storage.DirectionOutbound, Kind: storage.KindExternal},
		{Partner: "two.corp", Direction: storage.DirectionOutbound, Kind: storage.KindExternal},
		{Partner: "three.corp", Direction: storage.DirectionOutbound, Kind: storage.KindExternal},
	}

	opts := quietOptions()
	opts.MaxDomains = 2
	req := Request{Target: "root.corp", ExploreTerminalDomains: true}
	res := exploreWithin(t, New(analyzer, nil, nil, opts), context.Background(), req)

	assert.Equal(t, []string{"one.corp", "root.corp"}, analyzer.analyzed())
	assert.Equal(t, 2, res.TotalDomains)
	assert.Equal(t, QuitDomainCap, res.QuitReason)
	assert.ElementsMatch(t, []SkippedDomain{
		{Domain: "three.corp", Reason: SkipDomainCap},
		{Domain: "two.corp", Reason: SkipDomainCap},
	}, res.Skipped)
}

func TestExplore_AnalysisTimeout(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.hang["slow.corp"] = true
	source := staticSource{domains: []string{"slow.corp", "fast.corp"}}

	opts := quietOptions()
	opts.AnalysisTimeout = 50 * time.Millisecond
	res := exploreWithin(t, New(analyzer, source, nil, opts), context.Background(), Request{Target: "*.corp"})

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, storage.StatusSucceeded, res.Outcomes[0].Status)
	assert.Equal(t, "slow.corp", res.Outcomes[1].DomainName)
	assert.Equal(t, string(task.CategoryTimeout), res.Outcomes[1].ErrorCategory)
	assert.Equal(t, QuitCompleted, res.QuitReason)
}

func TestExplore_CancelStopsHungWorkers(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.hang["stuck.corp"] = true

	opts := quietOptions()
	opts.ShutdownTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := exploreWithin(t, New(analyzer, nil, nil, opts), ctx, Request{Target: "stuck.corp"})

	assert.Equal(t, QuitCancelled, res.QuitReason)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, string(task.CategoryTimeout), res.Outcomes[0].ErrorCategory)
}

func TestExplore_AnalysisRateSpacesStarts(t *testing.T) {
	analyzer := newFakeAnalyzer()
	source := staticSource{domains: []string{"a.corp", "b.corp", "c.corp", "d.corp", "e.corp"}}

	opts := quietOptions()
	opts.AnalysisRate = 20
	start := time.Now()
	res := exploreWithin(t, New(analyzer, source, nil, opts), context.Background(), Request{Target: "*.corp"})
	elapsed := time.Since(start)

	// Five starts at 20/s leave four 50ms gaps
	assert.GreaterOrEqual(t, elapsed, 180*time.Millisecond)
	assert.Len(t, res.Succeeded(), 5)
	assert.Equal(t, QuitCompleted, res.QuitReason)
}

func TestExplore_CancelWhileRateLimited(t *testing.T) {
	analyzer := newFakeAnalyzer()
	source := staticSource{domains: []string{"first.corp", "second.corp"}}

	opts := quietOptions()
	opts.Workers = 2
	opts.AnalysisRate = 0.5

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res := exploreWithin(t, New(analyzer, source, nil, opts), ctx, Request{Target: "*.corp"})

	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	assert.Equal(t, QuitCancelled, res.QuitReason)
	require.Len(t, res.Outcomes, 2)
	require.Len(t, res.Succeeded(), 1)
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, string(task.CategoryTimeout), res.Failed()[0].ErrorCategory)
	assert.Len(t, analyzer.analyzed(), 1)
}

func TestExplore_Errors(t *testing.T) {
	analyzer := newFakeAnalyzer()

	_, err := New(nil, nil, nil, quietOptions()).Explore(context.Background(), Request{Target: "a.corp"})
	assert.ErrorIs(t, err, ErrNoAnalyzer)

	_, err = New(analyzer, nil, nil, quietOptions()).Explore(context.Background(), Request{Target: "  "})
	assert.ErrorIs(t, err, ErrEmptyTarget)

	_, err = New(analyzer, nil, nil, quietOptions()).Explore(context.Background(), Request{Target: "*.corp"})
	assert.ErrorIs(t, err, ErrNoCandidateSource)

	listErr := errors.New("directory unavailable")
	_, err = New(analyzer, staticSource{err: listErr}, nil, quietOptions()).Explore(context.Background(), Request{Target: "*.corp"})
	assert.ErrorIs(t, err, listErr)
}

func TestExplore_NoMatches(t *testing.T) {
	analyzer := newFakeAnalyzer()
	source := staticSource{domains: []string{"a.test", "ex.corp"}}
	req := Request{Target: "*.corp", ExcludedDomains: []string{"EX.corp"}}

	res := exploreWithin(t, New(analyzer, source, nil, quietOptions()), context.Background(), req)

	assert.Empty(t, res.Outcomes)
	assert.Equal(t, QuitNoDomains, res.QuitReason)
	assert.Equal(t, []SkippedDomain{{Domain: "ex.corp", Reason: SkipExcluded}}, res.Skipped)
}

type countingRecorder struct {
	mu         sync.Mutex
	discovered int
	analyzed   int
	failed     int
	skipped    int
	edges      int
}

func (c *countingRecorder) IncrementDomainsDiscovered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovered++
}

func (c *countingRecorder) IncrementDomainsAnalyzed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyzed++
}

func (c *countingRecorder) IncrementDomainsFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

func (c *countingRecorder) IncrementDomainsSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped++
}

func (c *countingRecorder) AddTrustEdges(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edges += n
}

func (c *countingRecorder) RecordAnalysisTime(time.Duration) {}

func TestExplore_RecorderAndSharedSink(t *testing.T) {
	analyzer := newFakeAnalyzer()
	analyzer.errs["b.corp"] = errors.New("boom")
	analyzer.edges["a.corp"] = []storage.TrustEdge{
		{Partner: "in.corp", Direction: storage.DirectionInbound, Kind: storage.KindExternal},
	}
	source := staticSource{domains: []string{"a.corp", "b.corp"}}

	rec := &countingRecorder{}
	sink := consolidation.NewSink()
	opts := quietOptions()
	opts.Recorder = rec
	opts.Sink = sink

	res := exploreWithin(t, New(analyzer, source, nil, opts), context.Background(), Request{Target: "*.corp"})

	assert.Same(t, sink, res.Sink)
	assert.Equal(t, 2, sink.Len())
	assert.Equal(t, 2, rec.discovered)
	assert.Equal(t, 1, rec.analyzed)
	assert.Equal(t, 1, rec.failed)
	assert.Equal(t, 1, rec.edges)
}
