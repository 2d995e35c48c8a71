// Package store is the local incident store: an append-only record of
// incidents, resolutions, and the per-pattern statistics that drive the
// learning loop. Backed by SQLite in WAL mode (pure Go driver, no cgo).
//
// The store exclusively owns incident and resolution rows. Everything
// else in the agent is a reader.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Resolution levels.
const (
	LevelL1 = "L1"
	LevelL2 = "L2"
	LevelL3 = "L3"
)

// Resolution outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomePartial   = "partial"
	OutcomeEscalated = "escalated"
	OutcomeBlocked   = "blocked"
)

// ErrCorrupt indicates the incident database failed its integrity
// check. Fatal to the process (exit code 3).
var ErrCorrupt = errors.New("incident store corrupt")

// ErrDuplicateResolution is returned when a second resolution is
// recorded for an incident. Resolutions are immutable and unique.
var ErrDuplicateResolution = errors.New("incident already resolved")

// Incident is a drift-detection or externally-reported event requiring
// resolution.
type Incident struct {
	ID               string                 `json:"id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	IncidentType     string                 `json:"incident_type"`
	Severity         string                 `json:"severity"`
	CreatedAt        time.Time              `json:"created_at"`
	RawData          map[string]interface{} `json:"raw_data"`
	PatternSignature string                 `json:"pattern_signature"`
}

// Resolution is the terminal outcome of running an incident through the
// three-tier pipeline.
type Resolution struct {
	IncidentID       string                 `json:"incident_id"`
	Level            string                 `json:"resolution_level"`
	Action           string                 `json:"action"`
	ActionParams     map[string]interface{} `json:"action_params,omitempty"`
	Outcome          string                 `json:"outcome"`
	ResolutionTimeMs int64                  `json:"resolution_time_ms"`
	ResolvedAt       time.Time              `json:"resolved_at"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Reasoning        string                 `json:"reasoning,omitempty"`
	CostUSD          float64                `json:"cost_usd,omitempty"`
	TokensIn         int                    `json:"llm_tokens_in,omitempty"`
	TokensOut        int                    `json:"llm_tokens_out,omitempty"`
}

// PatternStats is the materialized per-signature projection of the
// resolution stream.
type PatternStats struct {
	PatternSignature string
	IncidentType     string
	Severity         string
	Occurrences      int
	L1Resolutions    int
	L2Resolutions    int
	L3Resolutions    int
	Successes        int
	Failures         int
	AvgResolutionMs  float64
	LastSeen         time.Time
}

// SuccessRate returns successes over terminal resolutions (success,
// failure, partial). Escalated and blocked outcomes do not count
// against a pattern.
func (p PatternStats) SuccessRate() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// HistoryEntry is one prior resolution of a pattern, used for L2
// context and escalation tickets.
type HistoryEntry struct {
	IncidentID       string    `json:"incident_id"`
	Level            string    `json:"resolution_level"`
	Action           string    `json:"action"`
	Outcome          string    `json:"outcome"`
	ResolutionTimeMs int64     `json:"resolution_time_ms"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// Store is the incident database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the incident database at path and verifies
// its integrity.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open incident db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.integrityCheck(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id                TEXT PRIMARY KEY,
	site_id           TEXT NOT NULL,
	host_id           TEXT NOT NULL,
	incident_type     TEXT NOT NULL,
	severity          TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	raw_data          TEXT NOT NULL,
	pattern_signature TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_sig ON incidents(pattern_signature);
CREATE INDEX IF NOT EXISTS idx_incidents_host ON incidents(site_id, host_id, incident_type);
CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);

CREATE TABLE IF NOT EXISTS resolutions (
	incident_id        TEXT PRIMARY KEY REFERENCES incidents(id),
	resolution_level   TEXT NOT NULL,
	action             TEXT NOT NULL,
	action_params      TEXT NOT NULL DEFAULT '{}',
	outcome            TEXT NOT NULL,
	resolution_time_ms INTEGER NOT NULL,
	resolved_at        TEXT NOT NULL,
	error_message      TEXT NOT NULL DEFAULT '',
	reasoning          TEXT NOT NULL DEFAULT '',
	cost_usd           REAL NOT NULL DEFAULT 0,
	llm_tokens_in      INTEGER NOT NULL DEFAULT 0,
	llm_tokens_out     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pattern_stats (
	pattern_signature TEXT PRIMARY KEY,
	incident_type     TEXT NOT NULL,
	severity          TEXT NOT NULL,
	occurrences       INTEGER NOT NULL DEFAULT 0,
	l1_resolutions    INTEGER NOT NULL DEFAULT 0,
	l2_resolutions    INTEGER NOT NULL DEFAULT 0,
	l3_resolutions    INTEGER NOT NULL DEFAULT 0,
	successes         INTEGER NOT NULL DEFAULT 0,
	failures          INTEGER NOT NULL DEFAULT 0,
	total_time_ms     INTEGER NOT NULL DEFAULT 0,
	timed_count       INTEGER NOT NULL DEFAULT 0,
	last_seen         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS open_incidents (
	site_id     TEXT NOT NULL,
	host_id     TEXT NOT NULL,
	check_name  TEXT NOT NULL,
	incident_id TEXT NOT NULL,
	opened_at   TEXT NOT NULL,
	PRIMARY KEY (site_id, host_id, check_name)
);

CREATE TABLE IF NOT EXISTS rule_watch (
	rule_id           TEXT PRIMARY KEY,
	pattern_signature TEXT NOT NULL,
	started_at        TEXT NOT NULL,
	executions        INTEGER NOT NULL DEFAULT 0,
	successes         INTEGER NOT NULL DEFAULT 0,
	disabled          INTEGER NOT NULL DEFAULT 0
);
`

func (s *Store) integrityCheck() error {
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity_check returned %q", ErrCorrupt, result)
	}
	return nil
}

// RecordIncident persists an incident and bumps its pattern stats.
func (s *Store) RecordIncident(inc Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(inc.RawData)
	if err != nil {
		return fmt.Errorf("marshal raw_data: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO incidents (id, site_id, host_id, incident_type, severity, created_at, raw_data, pattern_signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.SiteID, inc.HostID, inc.IncidentType, inc.Severity,
		inc.CreatedAt.UTC().Format(time.RFC3339Nano), string(raw), inc.PatternSignature,
	); err != nil {
		return fmt.Errorf("insert incident %s: %w", inc.ID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO pattern_stats (pattern_signature, incident_type, severity, occurrences, last_seen)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(pattern_signature) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen`,
		inc.PatternSignature, inc.IncidentType, inc.Severity,
		inc.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("update pattern_stats: %w", err)
	}

	return tx.Commit()
}

// RecordResolution persists the single, immutable resolution for an
// incident and folds it into pattern stats. A second resolution for the
// same incident returns ErrDuplicateResolution.
func (s *Store) RecordResolution(res Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params, err := json.Marshal(res.ActionParams)
	if err != nil {
		return fmt.Errorf("marshal action_params: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRow("SELECT COUNT(*) FROM resolutions WHERE incident_id = ?", res.IncidentID).Scan(&existing); err != nil {
		return fmt.Errorf("check resolution: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateResolution, res.IncidentID)
	}

	if _, err := tx.Exec(`
		INSERT INTO resolutions (incident_id, resolution_level, action, action_params, outcome,
			resolution_time_ms, resolved_at, error_message, reasoning, cost_usd, llm_tokens_in, llm_tokens_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.IncidentID, res.Level, res.Action, string(params), res.Outcome,
		res.ResolutionTimeMs, res.ResolvedAt.UTC().Format(time.RFC3339Nano),
		res.ErrorMessage, res.Reasoning, res.CostUSD, res.TokensIn, res.TokensOut,
	); err != nil {
		return fmt.Errorf("insert resolution %s: %w", res.IncidentID, err)
	}

	var sig string
	if err := tx.QueryRow("SELECT pattern_signature FROM incidents WHERE id = ?", res.IncidentID).Scan(&sig); err != nil {
		return fmt.Errorf("lookup incident %s: %w", res.IncidentID, err)
	}

	levelCol := ""
	switch res.Level {
	case LevelL1:
		levelCol = "l1_resolutions"
	case LevelL2:
		levelCol = "l2_resolutions"
	case LevelL3:
		levelCol = "l3_resolutions"
	default:
		return fmt.Errorf("unknown resolution level %q", res.Level)
	}

	successes, failures, timed := 0, 0, 0
	switch res.Outcome {
	case OutcomeSuccess:
		successes, timed = 1, 1
	case OutcomeFailure, OutcomePartial:
		failures, timed = 1, 1
	}

	if _, err := tx.Exec(fmt.Sprintf(`
		UPDATE pattern_stats SET
			%s = %s + 1,
			successes = successes + ?,
			failures = failures + ?,
			total_time_ms = total_time_ms + ?,
			timed_count = timed_count + ?
		WHERE pattern_signature = ?`, levelCol, levelCol),
		successes, failures, boolToMs(timed, res.ResolutionTimeMs), timed, sig,
	); err != nil {
		return fmt.Errorf("update pattern_stats: %w", err)
	}

	return tx.Commit()
}

func boolToMs(timed int, ms int64) int64 {
	if timed == 0 {
		return 0
	}
	return ms
}

// GetIncident fetches a single incident by id.
func (s *Store) GetIncident(id string) (*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id, site_id, host_id, incident_type, severity, created_at, raw_data, pattern_signature
		FROM incidents WHERE id = ?`, id)

	var inc Incident
	var created, raw string
	if err := row.Scan(&inc.ID, &inc.SiteID, &inc.HostID, &inc.IncidentType, &inc.Severity, &created, &raw, &inc.PatternSignature); err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	inc.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if err := json.Unmarshal([]byte(raw), &inc.RawData); err != nil {
		return nil, fmt.Errorf("unmarshal raw_data: %w", err)
	}
	return &inc, nil
}

// GetResolution fetches the resolution recorded for an incident.
func (s *Store) GetResolution(incidentID string) (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT incident_id, resolution_level, action, action_params, outcome,
			resolution_time_ms, resolved_at, error_message, reasoning, cost_usd, llm_tokens_in, llm_tokens_out
		FROM resolutions WHERE incident_id = ?`, incidentID)

	var res Resolution
	var params, resolved string
	if err := row.Scan(&res.IncidentID, &res.Level, &res.Action, &params, &res.Outcome,
		&res.ResolutionTimeMs, &resolved, &res.ErrorMessage, &res.Reasoning,
		&res.CostUSD, &res.TokensIn, &res.TokensOut); err != nil {
		return nil, fmt.Errorf("get resolution %s: %w", incidentID, err)
	}
	res.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolved)
	if err := json.Unmarshal([]byte(params), &res.ActionParams); err != nil {
		return nil, fmt.Errorf("unmarshal action_params: %w", err)
	}
	return &res, nil
}

// PatternContext returns the stats and recent resolution history for a
// pattern signature. Attached to L2 plan requests and L3 tickets.
func (s *Store) PatternContext(sig string, limit int) (*PatternStats, []HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, err := s.patternStatsLocked(sig)
	if err != nil {
		return nil, nil, err
	}
	if stats == nil {
		return nil, nil, nil
	}

	rows, err := s.db.Query(`
		SELECT r.incident_id, r.resolution_level, r.action, r.outcome, r.resolution_time_ms, r.resolved_at
		FROM resolutions r JOIN incidents i ON i.id = r.incident_id
		WHERE i.pattern_signature = ?
		ORDER BY r.resolved_at DESC LIMIT ?`, sig, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("pattern history %s: %w", sig, err)
	}
	defer rows.Close()

	var history []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var resolved string
		if err := rows.Scan(&h.IncidentID, &h.Level, &h.Action, &h.Outcome, &h.ResolutionTimeMs, &resolved); err != nil {
			return nil, nil, fmt.Errorf("scan history: %w", err)
		}
		h.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolved)
		history = append(history, h)
	}
	return stats, history, rows.Err()
}

func (s *Store) patternStatsLocked(sig string) (*PatternStats, error) {
	row := s.db.QueryRow(`
		SELECT pattern_signature, incident_type, severity, occurrences,
			l1_resolutions, l2_resolutions, l3_resolutions, successes, failures,
			total_time_ms, timed_count, last_seen
		FROM pattern_stats WHERE pattern_signature = ?`, sig)

	var p PatternStats
	var totalMs, timed int64
	var lastSeen string
	err := row.Scan(&p.PatternSignature, &p.IncidentType, &p.Severity, &p.Occurrences,
		&p.L1Resolutions, &p.L2Resolutions, &p.L3Resolutions, &p.Successes, &p.Failures,
		&totalMs, &timed, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pattern stats %s: %w", sig, err)
	}
	if timed > 0 {
		p.AvgResolutionMs = float64(totalMs) / float64(timed)
	}
	p.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &p, nil
}

// Promotion thresholds for the learning loop.
const (
	PromoteMinOccurrences = 5
	PromoteMinL2          = 3
	PromoteMinSuccessRate = 0.9
	PromoteMaxAvgMs       = 30000
)

// PromotionCandidates returns patterns eligible for L1 promotion: at
// least 5 occurrences, 3 L2 resolutions, 90% success rate, and an
// average resolution under 30 seconds.
func (s *Store) PromotionCandidates() ([]PatternStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT pattern_signature, incident_type, severity, occurrences,
			l1_resolutions, l2_resolutions, l3_resolutions, successes, failures,
			total_time_ms, timed_count, last_seen
		FROM pattern_stats
		WHERE occurrences >= ? AND l2_resolutions >= ?`,
		PromoteMinOccurrences, PromoteMinL2)
	if err != nil {
		return nil, fmt.Errorf("promotion candidates: %w", err)
	}
	defer rows.Close()

	var out []PatternStats
	for rows.Next() {
		var p PatternStats
		var totalMs, timed int64
		var lastSeen string
		if err := rows.Scan(&p.PatternSignature, &p.IncidentType, &p.Severity, &p.Occurrences,
			&p.L1Resolutions, &p.L2Resolutions, &p.L3Resolutions, &p.Successes, &p.Failures,
			&totalMs, &timed, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if timed > 0 {
			p.AvgResolutionMs = float64(totalMs) / float64(timed)
		}
		p.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)

		if p.SuccessRate() >= PromoteMinSuccessRate && p.AvgResolutionMs <= PromoteMaxAvgMs && p.AvgResolutionMs > 0 {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// ActionHistogram returns action → count over successful resolutions of
// a pattern. The learning loop derives action consistency from it.
func (s *Store) ActionHistogram(sig string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT r.action, COUNT(*) FROM resolutions r
		JOIN incidents i ON i.id = r.incident_id
		WHERE i.pattern_signature = ? AND r.outcome = ?
		GROUP BY r.action`, sig, OutcomeSuccess)
	if err != nil {
		return nil, fmt.Errorf("action histogram %s: %w", sig, err)
	}
	defer rows.Close()

	hist := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scan histogram: %w", err)
		}
		hist[action] = n
	}
	return hist, rows.Err()
}

// L1Share returns the fraction of resolutions in the window ending at
// now that were handled at L1, the flywheel's primary health metric.
func (s *Store) L1Share(now time.Time, window time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.UTC().Add(-window).Format(time.RFC3339Nano)
	var total, l1 int
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN resolution_level = 'L1' THEN 1 ELSE 0 END), 0)
		FROM resolutions WHERE resolved_at >= ?`, cutoff).Scan(&total, &l1)
	if err != nil {
		return 0, fmt.Errorf("l1 share: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(l1) / float64(total), nil
}

// OpenIncidentID returns the open incident id for (site, host, check),
// or empty if none.
func (s *Store) OpenIncidentID(siteID, hostID, checkName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`
		SELECT incident_id FROM open_incidents
		WHERE site_id = ? AND host_id = ? AND check_name = ?`,
		siteID, hostID, checkName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open incident lookup: %w", err)
	}
	return id, nil
}

// MarkOpen records an open incident for (site, host, check). Replaces
// any prior open marker for the same key.
func (s *Store) MarkOpen(siteID, hostID, checkName, incidentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO open_incidents (site_id, host_id, check_name, incident_id, opened_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_id, host_id, check_name) DO UPDATE SET
			incident_id = excluded.incident_id, opened_at = excluded.opened_at`,
		siteID, hostID, checkName, incidentID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark open: %w", err)
	}
	return nil
}

// MarkClosed clears the open marker for (site, host, check). Returns
// the incident id that was open, or empty.
func (s *Store) MarkClosed(siteID, hostID, checkName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`
		SELECT incident_id FROM open_incidents
		WHERE site_id = ? AND host_id = ? AND check_name = ?`,
		siteID, hostID, checkName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("closed lookup: %w", err)
	}
	if _, err := s.db.Exec(`
		DELETE FROM open_incidents WHERE site_id = ? AND host_id = ? AND check_name = ?`,
		siteID, hostID, checkName); err != nil {
		return "", fmt.Errorf("mark closed: %w", err)
	}
	return id, nil
}

// WatchStats is the post-promotion watch record for a promoted rule.
type WatchStats struct {
	RuleID           string
	PatternSignature string
	Executions       int
	Successes        int
	Disabled         bool
}

// SuccessRate of the watched rule's L1 executions so far.
func (w WatchStats) SuccessRate() float64 {
	if w.Executions == 0 {
		return 1.0
	}
	return float64(w.Successes) / float64(w.Executions)
}

// StartWatch begins post-promotion watching for a promoted rule.
func (s *Store) StartWatch(ruleID, sig string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO rule_watch (rule_id, pattern_signature, started_at)
		VALUES (?, ?, ?)`, ruleID, sig, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("start watch %s: %w", ruleID, err)
	}
	return nil
}

// RecordWatchExecution folds one L1 execution of a watched rule.
func (s *Store) RecordWatchExecution(ruleID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc := 0
	if success {
		inc = 1
	}
	_, err := s.db.Exec(`
		UPDATE rule_watch SET executions = executions + 1, successes = successes + ?
		WHERE rule_id = ? AND disabled = 0`, inc, ruleID)
	if err != nil {
		return fmt.Errorf("watch execution %s: %w", ruleID, err)
	}
	return nil
}

// Watches returns all active (not disabled) rule watches.
func (s *Store) Watches() ([]WatchStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT rule_id, pattern_signature, executions, successes, disabled
		FROM rule_watch WHERE disabled = 0`)
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	defer rows.Close()

	var out []WatchStats
	for rows.Next() {
		var w WatchStats
		var disabled int
		if err := rows.Scan(&w.RuleID, &w.PatternSignature, &w.Executions, &w.Successes, &disabled); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		w.Disabled = disabled != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// WatchedEver reports whether the pattern has ever been under a
// post-promotion watch, rolled-back (disabled) watches included.
func (s *Store) WatchedEver(sig string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM rule_watch WHERE pattern_signature = ?", sig).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("watched ever %s: %w", sig, err)
	}
	return n > 0, nil
}

// DisableWatch marks a watched rule disabled after a rollback.
func (s *Store) DisableWatch(ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE rule_watch SET disabled = 1 WHERE rule_id = ?", ruleID)
	if err != nil {
		return fmt.Errorf("disable watch %s: %w", ruleID, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
