// Package sqlite provides SQLite-backed conversation and metric
// persistence.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/voicepipe/voicepipe/internal/orchestrator/storage"
	"github.com/voicepipe/voicepipe/internal/orchestrator/storage/sqlite/migrations"
	"github.com/voicepipe/voicepipe/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Options tunes the store. The zero value gets defaults.
type Options struct {
	// Clock overrides time.Now, used by tests.
	Clock func() time.Time
}

// Store provides SQLite-backed conversation persistence.
type Store struct {
	sqlDB *sql.DB
	opts  Options
}

var _ storage.Store = (*Store)(nil)

// Open opens a conversation SQLite store and applies migrations.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
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

// SaveMessage appends one turn to a session's history.
func (s *Store) SaveMessage(ctx context.Context, sessionID, role, content string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	if role != storage.RoleUser && role != storage.RoleAssistant {
		return 0, fmt.Errorf("unknown role %q", role)
	}

	now := s.opts.Clock().UTC()
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO conversations (session_id, role, content, created_at)
VALUES (?, ?, ?, ?)
`, sessionID, role, content, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}
	return id, nil
}

// RecentMessages returns up to limit turns for a session, oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	// Newest N rows, then reversed so callers read in conversation order.
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, role, content, created_at
FROM (
	SELECT id, session_id, role, content, created_at
	FROM conversations
	WHERE session_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?
)
ORDER BY created_at ASC, id ASC
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		var m storage.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// ClearHistory removes a session's turns and reports how many.
func (s *Store) ClearHistory(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleared rows: %w", err)
	}
	return n, nil
}

// RecordMetric appends one sample.
func (s *Store) RecordMetric(ctx context.Context, name string, value float64, labels map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("metric name is required")
	}

	var labelsJSON sql.NullString
	if len(labels) > 0 {
		raw, err := json.Marshal(labels)
		if err != nil {
			return fmt.Errorf("encode labels: %w", err)
		}
		labelsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	now := s.opts.Clock().UTC()
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO metrics (name, value, labels, created_at)
VALUES (?, ?, ?, ?)
`, name, value, labelsJSON, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// RecentMetrics returns up to limit samples for a metric name, newest
// first.
func (s *Store) RecentMetrics(ctx context.Context, name string, limit int) ([]storage.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, name, value, labels, created_at
FROM metrics
WHERE name = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []storage.Metric
	for rows.Next() {
		var m storage.Metric
		var labelsJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Name, &m.Value, &labelsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if labelsJSON.Valid && labelsJSON.String != "" {
			if err := json.Unmarshal([]byte(labelsJSON.String), &m.Labels); err != nil {
				return nil, fmt.Errorf("decode labels: %w", err)
			}
		}
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return metrics, nil
}
