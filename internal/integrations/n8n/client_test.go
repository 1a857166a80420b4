package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/voicepipe/voicepipe/internal/resilience/queue/storage"
)

type memQueue struct {
	mu    sync.Mutex
	items []queuedItem
	err   error
}

type queuedItem struct {
	service string
	method  string
	payload map[string]any
}

func (q *memQueue) Enqueue(_ context.Context, service, method string, payload map[string]any, _ int, _ map[string]any) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.items = append(q.items, queuedItem{service: service, method: method, payload: payload})
	return int64(len(q.items)), nil
}

func (q *memQueue) Stats(context.Context) (map[storage.Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[storage.Status]int{storage.StatusPending: len(q.items)}, nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func TestWebhookDelivery(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"done"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, WebhookSecret: "topsecret"}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Call(context.Background(), "process_prompt", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result["response"] != "done" {
		t.Fatalf("response = %v, want done", result["response"])
	}

	var body map[string]any
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if body["method"] != "process_prompt" {
		t.Fatalf("method = %v, want process_prompt", body["method"])
	}
	if !VerifySignature(gotBody, gotSig, "topsecret") {
		t.Fatal("signature does not verify")
	}
	if VerifySignature(gotBody, gotSig, "wrong") {
		t.Fatal("signature verified under wrong secret")
	}
}

func TestUndeliverableRequestDefers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	queue := &memQueue{}
	client, err := NewClient(Config{WebhookURL: srv.URL}, queue)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Call(context.Background(), "process_prompt", map[string]any{"text": "hi"})
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("err = %v, want ErrDeferred", err)
	}
	if queue.len() != 1 {
		t.Fatalf("queued items = %d, want 1", queue.len())
	}
	if got := queue.items[0]; got.service != Service || got.method != "process_prompt" {
		t.Fatalf("queued %s.%s, want n8n.process_prompt", got.service, got.method)
	}
}

func TestRepeatedFailuresTripBreaker(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	queue := &memQueue{}
	client, err := NewClient(Config{WebhookURL: srv.URL}, queue)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	// Default threshold is 3: the fourth call fails fast without a request.
	for i := 0; i < 4; i++ {
		if _, err := client.Call(context.Background(), "process_prompt", nil); !errors.Is(err, ErrDeferred) {
			t.Fatalf("call %d err = %v, want ErrDeferred", i, err)
		}
	}
	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 3 {
		t.Fatalf("webhook hits = %d, want 3", got)
	}
	if queue.len() != 4 {
		t.Fatalf("queued items = %d, want 4", queue.len())
	}
}

func TestQueueFailureSurfacesBothErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	queue := &memQueue{err: errors.New("store on fire")}
	client, err := NewClient(Config{WebhookURL: srv.URL}, queue)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Call(context.Background(), "process_prompt", nil)
	if err == nil || errors.Is(err, ErrDeferred) {
		t.Fatalf("err = %v, want hard failure when deferral also fails", err)
	}
}

func TestRetryHandlerReplaysWithoutDeferring(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	queue := &memQueue{}
	client, err := NewClient(Config{WebhookURL: srv.URL}, queue)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.RetryHandler(context.Background(), "process_prompt", map[string]any{"text": "again"}, nil); err != nil {
		t.Fatalf("retry handler: %v", err)
	}
	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 1 {
		t.Fatalf("webhook hits = %d, want 1", got)
	}
	if queue.len() != 0 {
		t.Fatalf("queued items = %d, want 0 (replay must not re-defer)", queue.len())
	}
}

func TestTestConnectionReportsWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	d := client.TestConnection(context.Background())
	if !d.WebhookOK {
		t.Fatalf("webhook ok = false, error %q", d.WebhookError)
	}
	if d.Breaker.Name != Service {
		t.Fatalf("breaker name = %q, want n8n", d.Breaker.Name)
	}
}

func TestConfigRequiresSomeTransport(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Fatal("expected error with no transport configured")
	}
}
