// Package queue is the durable retry store for records whose sync
// attempt failed: a unique-by-external-id upsert, exponential backoff
// by attempt count, and dead-lettering past a configured attempt
// ceiling, backed by an embedded SQLite database opened single-writer
// with WAL mode and a schema-version pragma checked at open time.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/clockutil"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// schemaVersion is the store's on-disk format version. An unrecognized
// version is a StorageCorrupt error, not a migration target — this
// store has never needed one yet.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS retry_items (
	external_id     TEXT PRIMARY KEY,
	snapshot_json   BLOB NOT NULL,
	enqueued_at     TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TEXT NOT NULL,
	last_error      TEXT
);
`

// Item is a single durable retry-queue entry.
type Item struct {
	ExternalID    string
	Snapshot      domain.CanonicalRecord
	EnqueuedAt    time.Time
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
}

// Queue is the single-writer SQLite-backed retry store.
type Queue struct {
	db               *sql.DB
	clock            clockutil.Clock
	maxQueueSize     int
	maxRetryAttempts int
	retryDelays      []time.Duration
}

// Open opens (creating if absent) the SQLite store at path, applies the
// teacher-style pragmas for a single-writer workload, and verifies the
// schema version.
func Open(path string, maxQueueSize, maxRetryAttempts int, retryDelays []time.Duration, clock clockutil.Clock) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open retry queue store: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite allows one writer; avoid SQLITE_BUSY under this single-writer discipline.
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to retry queue store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Queue{
		db:               db,
		clock:            clock,
		maxQueueSize:     maxQueueSize,
		maxRetryAttempts: maxRetryAttempts,
		retryDelays:      retryDelays,
	}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to apply retry queue schema", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_meta").Scan(&count); err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to read schema_meta", err)
	}
	if count == 0 {
		if _, err := db.Exec("INSERT INTO schema_meta (version) VALUES (?)", schemaVersion); err != nil {
			return domain.NewError(domain.KindStorageCorrupt, "failed to seed schema_meta", err)
		}
		return nil
	}

	var version int
	if err := db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&version); err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to read schema version", err)
	}
	if version != schemaVersion {
		return domain.NewError(domain.KindStorageCorrupt, fmt.Sprintf("unrecognized retry queue schema version %d", version), nil)
	}
	return nil
}

// Close releases the database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue upserts an item by external_id: enqueueing the same id twice
// replaces the stored snapshot rather than duplicating the row. It
// rejects the write with a logged-by-caller error when the queue is at
// max_queue_size and external_id is not already present, per the
// "reject, never evict" overflow rule.
func (q *Queue) Enqueue(ctx context.Context, externalID string, snapshot domain.CanonicalRecord) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to begin enqueue transaction", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow("SELECT EXISTS(SELECT 1 FROM retry_items WHERE external_id = ?)", externalID).Scan(&exists); err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to check existing retry item", err)
	}

	if !exists {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM retry_items").Scan(&count); err != nil {
			return domain.NewError(domain.KindStorageCorrupt, "failed to count retry items", err)
		}
		if count >= q.maxQueueSize {
			return domain.NewError(domain.KindStorageCorrupt, fmt.Sprintf("retry queue full (%d items), rejecting enqueue for %s", count, externalID), nil)
		}
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal retry snapshot for %s: %w", externalID, err)
	}

	now := q.clock.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO retry_items (external_id, snapshot_json, enqueued_at, attempt_count, next_attempt_at, last_error)
		VALUES (?, ?, ?, 0, ?, NULL)
		ON CONFLICT(external_id) DO UPDATE SET
			snapshot_json = excluded.snapshot_json,
			enqueued_at   = excluded.enqueued_at
	`, externalID, payload, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to enqueue retry item", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to commit enqueue", err)
	}
	return nil
}

// Due returns every item whose next_attempt_at is at or before now and
// whose attempt_count has not yet reached the configured maximum.
func (q *Queue) Due(ctx context.Context, now time.Time) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT external_id, snapshot_json, enqueued_at, attempt_count, next_attempt_at, last_error
		FROM retry_items
		WHERE next_attempt_at <= ? AND attempt_count < ?
		ORDER BY next_attempt_at ASC
	`, now.Format(time.RFC3339Nano), q.maxRetryAttempts)
	if err != nil {
		return nil, domain.NewError(domain.KindStorageCorrupt, "failed to query due retry items", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it            Item
			snapshotJSON  []byte
			enqueuedAt    string
			nextAttemptAt string
			lastError     sql.NullString
		)
		if err := rows.Scan(&it.ExternalID, &snapshotJSON, &enqueuedAt, &it.AttemptCount, &nextAttemptAt, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan retry item: %w", err)
		}
		if err := json.Unmarshal(snapshotJSON, &it.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retry snapshot for %s: %w", it.ExternalID, err)
		}
		it.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		it.NextAttemptAt, _ = time.Parse(time.RFC3339Nano, nextAttemptAt)
		if lastError.Valid {
			it.LastError = lastError.String
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewError(domain.KindStorageCorrupt, "failed to iterate due retry items", err)
	}
	return items, nil
}

// MarkSuccess deletes an item after it has been successfully reflected
// into the CRM.
func (q *Queue) MarkSuccess(ctx context.Context, externalID string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM retry_items WHERE external_id = ?", externalID); err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to delete retry item on success", err)
	}
	return nil
}

// MarkFailure increments the attempt count, schedules the next attempt
// using retryDelays[min(attempt_count-1, len-1)], and records the
// error text.
func (q *Queue) MarkFailure(ctx context.Context, externalID string, cause error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to begin mark_failure transaction", err)
	}
	defer tx.Rollback()

	var attemptCount int
	if err := tx.QueryRow("SELECT attempt_count FROM retry_items WHERE external_id = ?", externalID).Scan(&attemptCount); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return domain.NewError(domain.KindStorageCorrupt, "failed to read attempt_count", err)
	}

	attemptCount++
	delay := q.retryDelays[minInt(attemptCount-1, len(q.retryDelays)-1)]
	next := q.clock.Now().Add(delay)

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE retry_items
		SET attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE external_id = ?
	`, attemptCount, next.Format(time.RFC3339Nano), errMsg, externalID); err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to update retry item on failure", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.NewError(domain.KindStorageCorrupt, "failed to commit mark_failure", err)
	}
	return nil
}

// Prune drops items that have exhausted max_retry_attempts, returning
// their external ids so the caller can log them as dead.
func (q *Queue) Prune(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT external_id FROM retry_items WHERE attempt_count >= ?", q.maxRetryAttempts)
	if err != nil {
		return nil, domain.NewError(domain.KindStorageCorrupt, "failed to query dead retry items", err)
	}
	var dead []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dead retry item: %w", err)
		}
		dead = append(dead, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.NewError(domain.KindStorageCorrupt, "failed to iterate dead retry items", err)
	}

	if len(dead) == 0 {
		return nil, nil
	}
	if _, err := q.db.ExecContext(ctx, "DELETE FROM retry_items WHERE attempt_count >= ?", q.maxRetryAttempts); err != nil {
		return nil, domain.NewError(domain.KindStorageCorrupt, "failed to delete dead retry items", err)
	}
	return dead, nil
}

// Size reports the current number of items in the queue.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM retry_items").Scan(&count); err != nil {
		return 0, domain.NewError(domain.KindStorageCorrupt, "failed to count retry items", err)
	}
	return count, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
