package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voicepipe/voicepipe/internal/resilience/queue/storage"
	"github.com/voicepipe/voicepipe/internal/resilience/queue/storage/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "queue.db"), sqlite.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestProcessOnceReplaysAndCompletes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "n8n", "process_prompt", map[string]any{"text": "hi"}, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	proc, err := NewProcessor(store, Options{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	var gotMethod string
	var gotPayload map[string]any
	err = proc.RegisterHandler("n8n", func(_ context.Context, method string, payload, _ map[string]any) error {
		gotMethod = method
		gotPayload = payload
		return nil
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}

	if err := proc.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}
	if gotMethod != "process_prompt" {
		t.Fatalf("method = %q, want process_prompt", gotMethod)
	}
	if gotPayload["text"] != "hi" {
		t.Fatalf("payload text = %v, want hi", gotPayload["text"])
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[storage.StatusCompleted] != 1 {
		t.Fatalf("completed = %d, want 1 (item %d)", stats[storage.StatusCompleted], id)
	}
}

func TestProcessOnceConsumesRetryOnHandlerError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "n8n", "process_prompt", map[string]any{}, 3, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	proc, err := NewProcessor(store, Options{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := proc.RegisterHandler("n8n", func(context.Context, string, map[string]any, map[string]any) error {
		return errors.New("still down")
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	if err := proc.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[storage.StatusPending] != 1 {
		t.Fatalf("pending = %d, want 1 after failed replay", stats[storage.StatusPending])
	}
}

func TestMissingHandlerFailsPermanently(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "unknown", "anything", map[string]any{}, 3, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	proc, err := NewProcessor(store, Options{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	if err := proc.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[storage.StatusFailed] != 1 {
		t.Fatalf("failed = %d, want 1 for unroutable item", stats[storage.StatusFailed])
	}
}

func TestOverlappingPassSkips(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "n8n", "process_prompt", map[string]any{}, 3, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	proc, err := NewProcessor(store, Options{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	if err := proc.RegisterHandler("n8n", func(context.Context, string, map[string]any, map[string]any) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.ProcessOnce(ctx) }()
	<-started

	// Second pass while the first is blocked inside the handler.
	if err := proc.ProcessOnce(ctx); err != nil {
		t.Fatalf("overlapping pass: %v", err)
	}
	mu.Lock()
	if calls != 1 {
		mu.Unlock()
		t.Fatalf("handler calls = %d, want 1 while pass in flight", calls)
	}
	mu.Unlock()

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
}

func TestRegisterHandlerValidation(t *testing.T) {
	proc, err := NewProcessor(openTestStore(t), Options{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := proc.RegisterHandler("", func(context.Context, string, map[string]any, map[string]any) error { return nil }); err == nil {
		t.Fatal("expected error for empty service name")
	}
	if err := proc.RegisterHandler("n8n", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if err := proc.RegisterHandler("n8n", func(context.Context, string, map[string]any, map[string]any) error { return nil }); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := proc.RegisterHandler("n8n", func(context.Context, string, map[string]any, map[string]any) error { return nil }); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRunReclaimsStuckItems(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "n8n", "process_prompt", map[string]any{}, 3, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	proc, err := NewProcessor(store, Options{Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	replayed := make(chan struct{})
	var once sync.Once
	if err := proc.RegisterHandler("n8n", func(context.Context, string, map[string]any, map[string]any) error {
		once.Do(func() { close(replayed) })
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- proc.Run(runCtx) }()

	select {
	case <-replayed:
	case <-time.After(5 * time.Second):
		t.Fatal("stuck item never replayed")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
}
