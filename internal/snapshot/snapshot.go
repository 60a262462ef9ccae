// Package snapshot analyzes domains offline from pre-collected per-domain files.
//
// A snapshot directory holds one <domain>.yaml, .yml or .json file per domain:
//
//	domain: corp.local
//	reachable: [lab.local]
//	trusts:
//	  - partner: partner.local
//	    direction: bidirectional
//	    kind: forest-trust
//	    known_domains: [eu.partner.local]
//
// The same directory lists the reachable domains used to resolve wildcard targets.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alvmarrod/trust-carto/internal/explorer"
	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/alvmarrod/trust-carto/internal/task"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var extensions = []string{".yaml", ".yml", ".json"}

// Document is the decoded content of one snapshot file
type Document struct {
	Domain    string   `yaml:"domain"`
	Reachable []string `yaml:"reachable"`
	Trusts    []Trust  `yaml:"trusts"`
}

// Trust is a trust edge as written in a snapshot
type Trust struct {
	Partner      string   `yaml:"partner"`
	Direction    string   `yaml:"direction"`
	Kind         string   `yaml:"kind"`
	KnownDomains []string `yaml:"known_domains"`
}

// Store reads snapshots from a directory
type Store struct {
	fsys fs.FS
	root string
}

// New creates a store over dir
func New(dir string) *Store {
	return &Store{fsys: os.DirFS(dir), root: dir}
}

// NewFS creates a store over any file system
func NewFS(fsys fs.FS) *Store {
	return &Store{fsys: fsys, root: "."}
}

// Analyze loads the snapshot of domain and converts it to an outcome.
// The raw file is kept as the outcome payload.
func (s *Store) Analyze(ctx context.Context, domain string, opts explorer.AnalyzeOptions) (*storage.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, raw, err := s.read(domain)
	if err != nil {
		return nil, err
	}

	doc, err := decode(raw)
	if err != nil {
		return nil, &task.ProtocolError{
			Message:       fmt.Sprintf("malformed snapshot %s", name),
			ServerMessage: err.Error(),
		}
	}

	outcome := &storage.Outcome{
		DomainName: domain,
		Payload:    raw,
		Timestamp:  time.Now(),
	}

	for _, t := range doc.Trusts {
		if strings.TrimSpace(t.Partner) == "" {
			continue
		}
		edge := storage.TrustEdge{
			Partner:      strings.TrimSpace(t.Partner),
			Direction:    storage.ParseTrustDirection(t.Direction),
			Kind:         storage.ParseTrustKind(t.Kind),
			KnownDomains: t.KnownDomains,
		}
		if !opts.AnalyzeReachableDomains {
			edge.KnownDomains = nil
		}
		outcome.TrustEdges = append(outcome.TrustEdges, edge)
	}

	logrus.Debugf("Snapshot %s: %d trusts", name, len(outcome.TrustEdges))
	return outcome, nil
}

// ListReachableDomains returns every domain with a snapshot plus the ones they declare reachable
func (s *Store) ListReachableDomains(ctx context.Context, _ explorer.NetworkSettings) ([]string, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, s.wrap(s.root, err)
	}

	seen := make(map[string]bool)
	var domains []string
	add := func(d string) {
		key := strings.ToLower(strings.TrimSpace(d))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		domains = append(domains, strings.TrimSpace(d))
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ext := path.Ext(e.Name())
		if e.IsDir() || !hasExtension(ext) {
			continue
		}

		raw, err := fs.ReadFile(s.fsys, e.Name())
		if err != nil {
			return nil, s.wrap(e.Name(), err)
		}
		doc, err := decode(raw)
		if err != nil {
			logrus.Warnf("Ignoring malformed snapshot %s: %v", e.Name(), err)
			continue
		}

		if doc.Domain != "" {
			add(doc.Domain)
		} else {
			add(strings.TrimSuffix(e.Name(), ext))
		}
		for _, r := range doc.Reachable {
			add(r)
		}
	}

	sort.Slice(domains, func(i, j int) bool {
		return strings.ToLower(domains[i]) < strings.ToLower(domains[j])
	})
	return domains, nil
}

func (s *Store) read(domain string) (string, []byte, error) {
	base := strings.ToLower(strings.TrimSpace(domain))
	if base == "" || strings.ContainsAny(base, `/\`) {
		return "", nil, &task.ConfigError{Setting: "domain", Err: fmt.Errorf("invalid domain name %q", domain)}
	}

	for _, ext := range extensions {
		name := base + ext
		raw, err := fs.ReadFile(s.fsys, name)
		if err == nil {
			return name, raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, s.wrap(name, err)
		}
	}

	return "", nil, &task.NetworkError{Host: domain, Err: fmt.Errorf("no snapshot in %s: %w", s.root, fs.ErrNotExist)}
}

func (s *Store) wrap(name string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return &task.AccessDeniedError{Resource: path.Join(s.root, name), Err: err}
	}
	return fmt.Errorf("read snapshot %s: %w", name, err)
}

// decode parses YAML or JSON; JSON is valid YAML
func decode(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func hasExtension(ext string) bool {
	for _, e := range extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
