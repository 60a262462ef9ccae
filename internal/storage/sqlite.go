package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		total_domains INTEGER DEFAULT 0,
		quit_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS domains (
		domain_id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain_name TEXT UNIQUE NOT NULL,
		status TEXT,
		error_category TEXT,
		error_message TEXT,
		payload BLOB,
		analyzed_at TIMESTAMP,
		run_id TEXT,
		analysis_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS trusts (
		trust_id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_domain_id INTEGER NOT NULL,
		to_domain_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		known_domains TEXT,
		seen_count INTEGER DEFAULT 1,
		FOREIGN KEY (from_domain_id) REFERENCES domains(domain_id),
		FOREIGN KEY (to_domain_id) REFERENCES domains(domain_id),
		UNIQUE(from_domain_id, to_domain_id)
	);

	CREATE INDEX IF NOT EXISTS idx_domains_name ON domains(domain_name);
	CREATE INDEX IF NOT EXISTS idx_trusts_from ON trusts(from_domain_id);
	CREATE INDEX IF NOT EXISTS idx_trusts_to ON trusts(to_domain_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRun inserts or replaces a run record
func (s *Storage) SaveRun(run Run) error {
	var finished interface{}
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, target, started_at, finished_at, total_domains, quit_reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			total_domains = EXCLUDED.total_domains,
			quit_reason = EXCLUDED.quit_reason
	`, run.RunID, run.Target, run.StartedAt, finished, run.TotalDomains, run.QuitReason)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, returns nil if not found
func (s *Storage) GetRun(runID string) (*Run, error) {
	var run Run
	var finished sql.NullTime
	var reason sql.NullString

	err := s.db.QueryRow(`
		SELECT run_id, target, started_at, finished_at, total_domains, quit_reason
		FROM runs
		WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.Target, &run.StartedAt, &finished, &run.TotalDomains, &reason)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.FinishedAt = finished.Time
	run.QuitReason = reason.String
	return &run, nil
}

// EnsureDomain inserts a domain without an outcome if it is not known yet
// Returns the domain_id of the inserted/existing row
func (s *Storage) EnsureDomain(domain string) (int, error) {
	domain = normalize(domain)

	_, err := s.db.Exec(`
		INSERT INTO domains (domain_name) VALUES (?)
		ON CONFLICT(domain_name) DO NOTHING
	`, domain)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure domain: %w", err)
	}

	return s.domainID(domain)
}

// UpsertDomain records the latest outcome of a domain and bumps its analysis counter
// Returns the domain_id of the inserted/existing row
func (s *Storage) UpsertDomain(outcome *Outcome, runID string) (int, error) {
	domain := normalize(outcome.DomainName)

	_, err := s.db.Exec(`
		INSERT INTO domains (domain_name, status, error_category, error_message, payload, analyzed_at, run_id, analysis_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(domain_name) DO UPDATE SET
			status = EXCLUDED.status,
			error_category = EXCLUDED.error_category,
			error_message = EXCLUDED.error_message,
			payload = COALESCE(EXCLUDED.payload, domains.payload),
			analyzed_at = EXCLUDED.analyzed_at,
			run_id = EXCLUDED.run_id,
			analysis_count = domains.analysis_count + 1
	`, domain, string(outcome.Status), outcome.ErrorCategory, outcome.ErrorMessage, outcome.Payload, outcome.Timestamp, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert domain: %w", err)
	}

	return s.domainID(domain)
}

func (s *Storage) domainID(domain string) (int, error) {
	var domainID int
	err := s.db.QueryRow("SELECT domain_id FROM domains WHERE domain_name = ?", domain).Scan(&domainID)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve domain_id: %w", err)
	}
	return domainID, nil
}

// GetDomain retrieves a domain by name, returns nil if not found
func (s *Storage) GetDomain(domain string) (*DomainRecord, error) {
	var rec DomainRecord
	var status, category, message, runID sql.NullString
	var analyzedAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT domain_name, status, error_category, error_message, payload, analyzed_at, run_id, analysis_count
		FROM domains
		WHERE domain_name = ?
	`, normalize(domain)).Scan(&rec.DomainName, &status, &category, &message, &rec.Payload, &analyzedAt, &runID, &rec.AnalysisCount)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get domain: %w", err)
	}

	rec.Status = OutcomeStatus(status.String)
	rec.ErrorCategory = category.String
	rec.ErrorMessage = message.String
	rec.AnalyzedAt = analyzedAt.Time
	rec.RunID = runID.String
	return &rec, nil
}

// LoadRunOutcomes rebuilds the outcomes last recorded by a run, with their trust edges,
// ordered by domain name. Domains analyzed again by a later run are not included.
func (s *Storage) LoadRunOutcomes(runID string) ([]Outcome, error) {
	rows, err := s.db.Query(`
		SELECT domain_name, status, error_category, error_message, payload, analyzed_at
		FROM domains
		WHERE run_id = ?
		ORDER BY domain_name ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run outcomes: %w", err)
	}

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		var status, category, message sql.NullString
		var analyzedAt sql.NullTime
		if err := rows.Scan(&o.DomainName, &status, &category, &message, &o.Payload, &analyzedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = OutcomeStatus(status.String)
		o.ErrorCategory = category.String
		o.ErrorMessage = message.String
		o.Timestamp = analyzedAt.Time
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	rows.Close()

	// Trusts are loaded once the domain cursor is closed
	for i := range outcomes {
		edges, err := s.ListTrusts(outcomes[i].DomainName)
		if err != nil {
			return nil, err
		}
		outcomes[i].TrustEdges = edges
	}

	return outcomes, nil
}

// UpsertTrust inserts a new trust edge or refreshes it and increments its seen counter
func (s *Storage) UpsertTrust(fromID, toID int, edge TrustEdge) error {
	_, err := s.db.Exec(`
		INSERT INTO trusts (from_domain_id, to_domain_id, direction, kind, known_domains, seen_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(from_domain_id, to_domain_id) DO UPDATE SET
			direction = EXCLUDED.direction,
			kind = EXCLUDED.kind,
			known_domains = EXCLUDED.known_domains,
			seen_count = seen_count + 1
	`, fromID, toID, string(edge.Direction), string(edge.Kind), strings.Join(edge.KnownDomains, ","))

	if err != nil {
		return fmt.Errorf("failed to upsert trust: %w", err)
	}
	return nil
}

// ListTrusts returns the trust edges recorded for a domain, ordered by partner name
func (s *Storage) ListTrusts(domain string) ([]TrustEdge, error) {
	rows, err := s.db.Query(`
		SELECT partner.domain_name, t.direction, t.kind, t.known_domains
		FROM trusts t
		JOIN domains src ON src.domain_id = t.from_domain_id
		JOIN domains partner ON partner.domain_id = t.to_domain_id
		WHERE src.domain_name = ?
		ORDER BY partner.domain_name ASC
	`, normalize(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to list trusts: %w", err)
	}
	defer rows.Close()

	var edges []TrustEdge
	for rows.Next() {
		var edge TrustEdge
		var direction, kind string
		var known sql.NullString
		if err := rows.Scan(&edge.Partner, &direction, &kind, &known); err != nil {
			return nil, fmt.Errorf("failed to scan trust: %w", err)
		}
		edge.Direction = TrustDirection(direction)
		edge.Kind = TrustKind(kind)
		if known.String != "" {
			edge.KnownDomains = strings.Split(known.String, ",")
		}
		edges = append(edges, edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trusts: %w", err)
	}

	return edges, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
