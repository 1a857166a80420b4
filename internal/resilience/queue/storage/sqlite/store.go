// Package sqlite provides SQLite-backed retry queue persistence.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/voicepipe/voicepipe/internal/platform/storage/sqlitemigrate"
	"github.com/voicepipe/voicepipe/internal/resilience/queue/storage"
	"github.com/voicepipe/voicepipe/internal/resilience/queue/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	defaultMaxItems   = 1000
	defaultRetention  = 7 * 24 * time.Hour
	defaultBackoffCap = 5 * time.Minute
)

// Options tunes store capacity and backoff behavior. The zero value gets
// conservative defaults.
type Options struct {
	// MaxItems caps the total row count; enqueues past the cap evict old
	// terminal items first.
	MaxItems int
	// Retention is the age past which terminal items are purged.
	Retention time.Duration
	// BackoffCap bounds the exponential retry delay.
	BackoffCap time.Duration
	// Clock overrides time.Now, used by tests.
	Clock func() time.Time
}

// Store provides SQLite-backed queue item persistence.
type Store struct {
	sqlDB *sql.DB
	opts  Options
}

// Open opens a retry queue SQLite store and applies migrations.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaultMaxItems
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, opts: opts}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Enqueue persists a new pending item eligible immediately.
func (s *Store) Enqueue(ctx context.Context, service, method string, payload map[string]any, maxRetries int, metadata map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	service = strings.TrimSpace(service)
	method = strings.TrimSpace(method)
	if service == "" {
		return 0, fmt.Errorf("service name is required")
	}
	if method == "" {
		return 0, fmt.Errorf("method name is required")
	}
	if maxRetries < 0 {
		return 0, fmt.Errorf("max retries must not be negative")
	}

	if err := s.makeRoom(ctx); err != nil {
		return 0, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	var metadataJSON any
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata: %w", err)
		}
		metadataJSON = string(encoded)
	}

	now := s.opts.Clock().UTC()
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO queue_items (
	service_name,
	method_name,
	payload,
	status,
	retry_count,
	max_retries,
	created_at,
	updated_at,
	next_retry_at,
	metadata
) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
`,
		service,
		method,
		string(payloadJSON),
		string(storage.StatusPending),
		maxRetries,
		now.UnixMilli(),
		now.UnixMilli(),
		now.UnixMilli(),
		metadataJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue item id: %w", err)
	}
	return id, nil
}

// makeRoom enforces the item cap: purge old terminal items first, then
// evict the oldest terminal items regardless of age. Only when every
// remaining row is live does the enqueue fail with ErrQueueFull.
func (s *Store) makeRoom(ctx context.Context) error {
	count, err := s.Size(ctx)
	if err != nil {
		return err
	}
	if count < s.opts.MaxItems {
		return nil
	}

	if _, err := s.CleanupTerminal(ctx, s.opts.Retention); err != nil {
		return err
	}
	count, err = s.Size(ctx)
	if err != nil {
		return err
	}
	if count < s.opts.MaxItems {
		return nil
	}

	evict := count - s.opts.MaxItems + 1
	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM queue_items
WHERE id IN (
	SELECT id FROM queue_items
	WHERE status IN (?, ?, ?)
	ORDER BY updated_at ASC
	LIMIT ?
)
`,
		string(storage.StatusCompleted),
		string(storage.StatusFailed),
		string(storage.StatusExpired),
		evict,
	)
	if err != nil {
		return fmt.Errorf("evict terminal items: %w", err)
	}
	evicted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("evict terminal items count: %w", err)
	}
	if int(evicted) < evict {
		return storage.ErrQueueFull
	}
	return nil
}

// DequeueEligible returns pending items whose retry time has arrived,
// oldest created first.
func (s *Store) DequeueEligible(ctx context.Context, limit int) ([]storage.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	now := s.opts.Clock().UTC()
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	service_name,
	method_name,
	payload,
	status,
	retry_count,
	max_retries,
	created_at,
	updated_at,
	next_retry_at,
	error_message,
	metadata
FROM queue_items
WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY created_at ASC, id ASC
LIMIT ?
`, string(storage.StatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue eligible: %w", err)
	}
	defer rows.Close()

	items := make([]storage.Item, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible items: %w", err)
	}
	return items, nil
}

func scanItem(rows *sql.Rows) (storage.Item, error) {
	var item storage.Item
	var status string
	var payloadJSON string
	var createdAt, updatedAt int64
	var nextRetryAt sql.NullInt64
	var lastError, metadataJSON sql.NullString
	if err := rows.Scan(
		&item.ID,
		&item.Service,
		&item.Method,
		&payloadJSON,
		&status,
		&item.RetryCount,
		&item.MaxRetries,
		&createdAt,
		&updatedAt,
		&nextRetryAt,
		&lastError,
		&metadataJSON,
	); err != nil {
		return storage.Item{}, fmt.Errorf("scan queue item: %w", err)
	}
	item.Status = storage.Status(status)
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if nextRetryAt.Valid {
		item.NextRetryAt = time.UnixMilli(nextRetryAt.Int64).UTC()
	}
	item.LastError = lastError.String
	if err := json.Unmarshal([]byte(payloadJSON), &item.Payload); err != nil {
		return storage.Item{}, fmt.Errorf("decode payload for item %d: %w", item.ID, err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &item.Metadata); err != nil {
			return storage.Item{}, fmt.Errorf("decode metadata for item %d: %w", item.ID, err)
		}
	}
	return item, nil
}

// MarkProcessing transitions an item to processing.
func (s *Store) MarkProcessing(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, storage.StatusProcessing, "")
}

// MarkCompleted transitions an item to completed. A second call on an
// already completed item is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.opts.Clock().UTC()
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, error_message = NULL, updated_at = ?
WHERE id = ? AND status <> ?
`, string(storage.StatusCompleted), now.UnixMilli(), id, string(storage.StatusCompleted))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark completed count: %w", err)
	}
	if affected == 0 {
		return s.requireExists(ctx, id)
	}
	return nil
}

// MarkFailed records a failed attempt. The backoff delay for the Nth
// failure is min(2^(N-1), cap) seconds; items past their retry budget
// become terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retryCount, maxRetries int
	row := tx.QueryRowContext(ctx, `SELECT retry_count, max_retries FROM queue_items WHERE id = ?`, id)
	if err := row.Scan(&retryCount, &maxRetries); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("load retry counters: %w", err)
	}

	now := s.opts.Clock().UTC()
	if retryCount < maxRetries {
		delay := backoffDelay(retryCount, s.opts.BackoffCap)
		if _, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, retry_count = ?, next_retry_at = ?, error_message = ?, updated_at = ?
WHERE id = ?
`,
			string(storage.StatusPending),
			retryCount+1,
			now.Add(delay).UnixMilli(),
			errMsg,
			now.UnixMilli(),
			id,
		); err != nil {
			return fmt.Errorf("requeue failed item: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, error_message = ?, updated_at = ?
WHERE id = ?
`, string(storage.StatusFailed), errMsg, now.UnixMilli(), id); err != nil {
			return fmt.Errorf("fail item terminally: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark failed: %w", err)
	}
	return nil
}

// backoffDelay doubles per attempt starting at one second, bounded by cap.
func backoffDelay(retryCount int, limit time.Duration) time.Duration {
	if retryCount > 30 {
		return limit
	}
	delay := time.Duration(1<<uint(retryCount)) * time.Second
	if delay > limit {
		return limit
	}
	return delay
}

// MarkFailedPermanent terminally fails an item regardless of its retry
// budget, used when no handler is registered for its service.
func (s *Store) MarkFailedPermanent(ctx context.Context, id int64, errMsg string) error {
	return s.setStatus(ctx, id, storage.StatusFailed, errMsg)
}

func (s *Store) setStatus(ctx context.Context, id int64, status storage.Status, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.opts.Clock().UTC()
	var errValue any
	if errMsg != "" {
		errValue = errMsg
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, error_message = ?, updated_at = ?
WHERE id = ?
`, string(status), errValue, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set status count: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) requireExists(ctx context.Context, id int64) error {
	var found int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM queue_items WHERE id = ?`, id)
	if err := row.Scan(&found); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check queue item: %w", err)
	}
	return nil
}

// ReclaimStuck requeues items left processing by a crashed run.
func (s *Store) ReclaimStuck(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.opts.Clock().UTC()
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, next_retry_at = ?, updated_at = ?
WHERE status = ?
`,
		string(storage.StatusPending),
		now.UnixMilli(),
		now.UnixMilli(),
		string(storage.StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck items: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck count: %w", err)
	}
	return int(affected), nil
}

// CleanupTerminal deletes completed and failed items older than the given age.
func (s *Store) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := s.opts.Clock().UTC().Add(-olderThan)
	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM queue_items
WHERE status IN (?, ?, ?) AND updated_at < ?
`,
		string(storage.StatusCompleted),
		string(storage.StatusFailed),
		string(storage.StatusExpired),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal items: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal count: %w", err)
	}
	return deleted, nil
}

// Stats counts items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[storage.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(*) FROM queue_items GROUP BY status
`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[storage.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[storage.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}
	return stats, nil
}

// Clear deletes items with the given status, or every item when empty.
func (s *Store) Clear(ctx context.Context, status storage.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if status == "" {
		_, err = s.sqlDB.ExecContext(ctx, `DELETE FROM queue_items`)
	} else {
		_, err = s.sqlDB.ExecContext(ctx, `DELETE FROM queue_items WHERE status = ?`, string(status))
	}
	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Size returns the total number of items in the store.
func (s *Store) Size(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return count, nil
}

var _ storage.Store = (*Store)(nil)
