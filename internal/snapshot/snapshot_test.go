package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/alvmarrod/trust-carto/internal/explorer"
	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/alvmarrod/trust-carto/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ explorer.Analyzer        = (*Store)(nil)
	_ explorer.CandidateSource = (*Store)(nil)
)

const rootSnapshot = `
domain: corp.local
reachable: [lab.local, Partner.local]
trusts:
  - partner: partner.local
    direction: both
    kind: forest
    known_domains: [eu.partner.local]
  - partner: legacy.local
    direction: outbound
    kind: external
  - partner: ""
    direction: outbound
`

func writeSnapshots(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestAnalyze_ReadsTrusts(t *testing.T) {
	dir := writeSnapshots(t, map[string]string{"corp.local.yaml": rootSnapshot})
	store := New(dir)

	outcome, err := store.Analyze(context.Background(), "CORP.local", explorer.AnalyzeOptions{AnalyzeReachableDomains: true})
	require.NoError(t, err)

	assert.Equal(t, "CORP.local", outcome.DomainName)
	assert.Equal(t, rootSnapshot, string(outcome.Payload))
	require.Len(t, outcome.TrustEdges, 2)

	assert.Equal(t, storage.TrustEdge{
		Partner:      "partner.local",
		Direction:    storage.DirectionBidirectional,
		Kind:         storage.KindForestTrust,
		KnownDomains: []string{"eu.partner.local"},
	}, outcome.TrustEdges[0])
	assert.Equal(t, storage.KindExternal, outcome.TrustEdges[1].Kind)
	assert.Equal(t, storage.DirectionOutbound, outcome.TrustEdges[1].Direction)
}

func TestAnalyze_KnownDomainsNeedReachableAnalysis(t *testing.T) {
	dir := writeSnapshots(t, map[string]string{"corp.local.yaml": rootSnapshot})

	outcome, err := New(dir).Analyze(context.Background(), "corp.local", explorer.AnalyzeOptions{})
	require.NoError(t, err)
	assert.Nil(t, outcome.TrustEdges[0].KnownDomains)
}

func TestAnalyze_JSONSnapshot(t *testing.T) {
	fsys := fstest.MapFS{
		"lab.local.json": {Data: []byte(`{"domain":"lab.local","trusts":[{"partner":"corp.local","direction":"inbound","kind":"terminal"}]}`)},
	}

	outcome, err := NewFS(fsys).Analyze(context.Background(), "lab.local", explorer.AnalyzeOptions{})
	require.NoError(t, err)
	require.Len(t, outcome.TrustEdges, 1)
	assert.Equal(t, storage.DirectionInbound, outcome.TrustEdges[0].Direction)
}

func TestAnalyze_Errors(t *testing.T) {
	fsys := fstest.MapFS{
		"broken.local.yaml": {Data: []byte("trusts: [unclosed")},
	}
	store := NewFS(fsys)

	_, err := store.Analyze(context.Background(), "missing.local", explorer.AnalyzeOptions{})
	require.Error(t, err)
	assert.Equal(t, task.CategoryNetwork, task.Classify(err))

	_, err = store.Analyze(context.Background(), "broken.local", explorer.AnalyzeOptions{})
	require.Error(t, err)
	assert.Equal(t, task.CategoryProtocol, task.Classify(err))

	_, err = store.Analyze(context.Background(), "../etc", explorer.AnalyzeOptions{})
	require.Error(t, err)
	assert.Equal(t, task.CategoryConfiguration, task.Classify(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Analyze(ctx, "broken.local", explorer.AnalyzeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListReachableDomains(t *testing.T) {
	fsys := fstest.MapFS{
		"corp.local.yaml":   {Data: []byte(rootSnapshot)},
		"partner.local.yml": {Data: []byte("trusts: []")},
		"broken.local.yaml": {Data: []byte("trusts: [unclosed")},
		"notes.txt":         {Data: []byte("ignored")},
		"archive/old.yaml":  {Data: []byte("domain: old.local")},
	}

	domains, err := NewFS(fsys).ListReachableDomains(context.Background(), explorer.NetworkSettings{})
	require.NoError(t, err)
	assert.Equal(t, []string{"corp.local", "lab.local", "Partner.local"}, domains)
}
