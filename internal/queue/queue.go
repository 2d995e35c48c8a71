// Package queue implements the durable offline queue for evidence and
// telemetry artifacts produced while the control plane is unreachable.
// Backed by SQLite in WAL mode with synchronous=FULL so every append
// survives power loss.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Artifact kinds stored in the queue.
const (
	KindEvidence  = "evidence"
	KindTelemetry = "telemetry"
	KindAlert     = "alert"
)

// ErrCorrupt indicates the queue database failed its integrity check.
// Fatal to the process (exit code 3).
var ErrCorrupt = errors.New("offline queue corrupt")

// Item is a queued artifact awaiting delivery.
type Item struct {
	ID        int64
	Kind      string
	Ref       string // artifact reference, e.g. bundle_id
	Payload   []byte
	CreatedAt time.Time
	Attempts  int
	LastError string
}

// Queue is an append-only durable store of pending artifacts.
type Queue struct {
	db *sql.DB
	mu sync.Mutex

	highWater int
	alerted   bool
}

// Open opens (or creates) the queue database at path. highWater is the
// depth above which an alert-class record is produced; 0 disables it.
func Open(path string, highWater int) (*Queue, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// Single writer; readers share it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS artifacts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL,
			ref        TEXT NOT NULL DEFAULT '',
			payload    BLOB NOT NULL,
			created_at TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create artifacts table: %w", err)
	}

	q := &Queue{db: db, highWater: highWater}
	if err := q.integrityCheck(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) integrityCheck() error {
	var result string
	if err := q.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity_check returned %q", ErrCorrupt, result)
	}
	return nil
}

// Enqueue appends an artifact. The write is durable when Enqueue
// returns. Exceeding the high-water mark still succeeds but produces
// one alert-class record until the depth drops again.
func (q *Queue) Enqueue(kind, ref string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(
		"INSERT INTO artifacts (kind, ref, payload, created_at) VALUES (?, ?, ?, ?)",
		kind, ref, payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}

	depth := q.countLocked()
	if q.highWater > 0 && depth > q.highWater && !q.alerted {
		q.alerted = true
		log.Printf("[queue] Depth %d exceeds high-water mark %d", depth, q.highWater)
		_, _ = q.db.Exec(
			"INSERT INTO artifacts (kind, ref, payload, created_at) VALUES (?, ?, ?, ?)",
			KindAlert, "queue_high_water",
			[]byte(fmt.Sprintf(`{"alert":"queue_high_water","depth":%d,"high_water":%d}`, depth, q.highWater)),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
	} else if q.highWater > 0 && depth <= q.highWater {
		q.alerted = false
	}
	return nil
}

// Peek returns up to limit items of the given kind, oldest first,
// without removing them.
func (q *Queue) Peek(kind string, limit int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`
		SELECT id, kind, ref, payload, created_at, attempts, last_error
		FROM artifacts WHERE kind = ? ORDER BY id ASC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", kind, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var created string
		if err := rows.Scan(&it.ID, &it.Kind, &it.Ref, &it.Payload, &created, &it.Attempts, &it.LastError); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Ack removes delivered items.
func (q *Queue) Ack(ids ...int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		if _, err := q.db.Exec("DELETE FROM artifacts WHERE id = ?", id); err != nil {
			return fmt.Errorf("ack %d: %w", id, err)
		}
	}
	return nil
}

// Requeue records a failed delivery attempt; the item stays pending.
func (q *Queue) Requeue(id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(
		"UPDATE artifacts SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("requeue %d: %w", id, err)
	}
	return nil
}

// Count returns the number of queued artifacts.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countLocked()
}

func (q *Queue) countLocked() int {
	var n int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM artifacts").Scan(&n); err != nil {
		return 0
	}
	return n
}

// CountKind returns the number of queued artifacts of one kind.
func (q *Queue) CountKind(kind string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM artifacts WHERE kind = ?", kind).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Prune removes artifacts older than maxAge. Returns the number removed.
func (q *Queue) Prune(maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := q.db.Exec("DELETE FROM artifacts WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (q *Queue) Close() error { return q.db.Close() }
