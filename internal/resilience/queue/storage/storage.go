// Package storage defines the durable retry queue records and the store
// contract they persist through.
package storage

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a queued operation.
type Status string

const (
	// StatusPending marks items waiting for their next attempt.
	StatusPending Status = "pending"
	// StatusProcessing marks items currently held by the processor.
	StatusProcessing Status = "processing"
	// StatusCompleted marks items whose handler succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed marks items that exhausted their retries or hit a
	// configuration defect.
	StatusFailed Status = "failed"
	// StatusExpired marks items dropped by age-based cleanup.
	StatusExpired Status = "expired"
)

// ErrQueueFull is returned when an enqueue cannot make room because the
// store is at capacity with live items only.
var ErrQueueFull = errors.New("retry queue is full")

// ErrNotFound is returned when a status transition targets an unknown id.
var ErrNotFound = errors.New("queue item not found")

// Item is one durable queued operation.
type Item struct {
	ID          int64
	Service     string
	Method      string
	Payload     map[string]any
	Status      Status
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	NextRetryAt time.Time
	LastError   string
	Metadata    map[string]any
}

// Store persists queue items across process restarts. Status transitions
// are atomic: two processors never interleave on the same item.
type Store interface {
	// Enqueue persists a new pending item eligible immediately.
	Enqueue(ctx context.Context, service, method string, payload map[string]any, maxRetries int, metadata map[string]any) (int64, error)

	// DequeueEligible returns pending items whose retry time has arrived,
	// oldest created first.
	DequeueEligible(ctx context.Context, limit int) ([]Item, error)

	// MarkProcessing transitions an item to processing.
	MarkProcessing(ctx context.Context, id int64) error

	// MarkCompleted transitions an item to completed. Calling it again on
	// a completed item is a no-op.
	MarkCompleted(ctx context.Context, id int64) error

	// MarkFailed records a failed attempt. Items below their retry budget
	// go back to pending with an exponential backoff delay; items at the
	// budget become terminally failed.
	MarkFailed(ctx context.Context, id int64, errMsg string) error

	// MarkFailedPermanent terminally fails an item regardless of its
	// remaining retry budget, used for configuration defects.
	MarkFailedPermanent(ctx context.Context, id int64, errMsg string) error

	// ReclaimStuck requeues items left processing by a crashed run and
	// returns how many were reclaimed.
	ReclaimStuck(ctx context.Context) (int, error)

	// CleanupTerminal deletes completed and failed items older than the
	// given age and returns how many were removed.
	CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error)

	// Stats counts items grouped by status.
	Stats(ctx context.Context) (map[Status]int, error)

	// Clear deletes items with the given status, or every item when the
	// status is empty.
	Clear(ctx context.Context, status Status) error

	// Size returns the total number of items in the store.
	Size(ctx context.Context) (int, error)
}
