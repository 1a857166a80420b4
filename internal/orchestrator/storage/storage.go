// Package storage defines persistence for conversation history and
// operational metrics.
package storage

import (
	"context"
	"time"
)

// Message is one conversation turn.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Roles a message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Metric is one recorded operational sample.
type Metric struct {
	ID        int64
	Name      string
	Value     float64
	Labels    map[string]any
	CreatedAt time.Time
}

// Store persists conversations and metrics across restarts.
type Store interface {
	// SaveMessage appends one turn to a session's history.
	SaveMessage(ctx context.Context, sessionID, role, content string) (int64, error)

	// RecentMessages returns up to limit turns for a session, oldest
	// first.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// ClearHistory removes a session's turns.
	ClearHistory(ctx context.Context, sessionID string) (int64, error)

	// RecordMetric appends one sample.
	RecordMetric(ctx context.Context, name string, value float64, labels map[string]any) error

	// RecentMetrics returns up to limit samples for a metric name,
	// newest first.
	RecentMetrics(ctx context.Context, name string, limit int) ([]Metric, error)

	Close() error
}
