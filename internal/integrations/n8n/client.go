// Package n8n talks to the workflow engine that turns transcribed prompts
// into responses. It prefers a live websocket, falls back to the HTTP
// webhook, and defers to the retry queue when neither is reachable.
package n8n

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicepipe/voicepipe/internal/platform/timeouts"
	"github.com/voicepipe/voicepipe/internal/resilience/breaker"
	"github.com/voicepipe/voicepipe/internal/resilience/queue/storage"
	"github.com/voicepipe/voicepipe/internal/wsmux"
)

// Service is the retry-queue routing key for deferred requests.
const Service = "n8n"

// ErrDeferred reports that a request could not be delivered now and was
// persisted for replay. The caller will not be re-notified of the outcome.
var ErrDeferred = errors.New("n8n: request deferred to retry queue")

// Queue is the slice of the retry queue the client needs.
type Queue interface {
	Enqueue(ctx context.Context, service, method string, payload map[string]any, maxRetries int, metadata map[string]any) (int64, error)
	Stats(ctx context.Context) (map[storage.Status]int, error)
}

// Config for a Client. At least one of SocketURL and WebhookURL must be
// set.
type Config struct {
	// SocketURL enables the websocket transport when non-empty.
	SocketURL string

	// WebhookURL is the HTTP fallback endpoint.
	WebhookURL string

	// WebhookSecret signs webhook bodies with HMAC-SHA256 when non-empty.
	WebhookSecret string

	// AuthToken is sent in the websocket handshake.
	AuthToken string

	// MaxRetries per deferred request. Defaults to 3.
	MaxRetries int

	HTTPClient *http.Client
	Dialer     wsmux.Dialer
	Clock      func() time.Time
}

func (c *Config) setDefaults() error {
	if c.SocketURL == "" && c.WebhookURL == "" {
		return errors.New("n8n: socket or webhook url is required")
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: timeouts.WebhookRequest}
	}
	if c.Dialer == nil {
		c.Dialer = &wsmux.GorillaDialer{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

// Client delivers workflow requests over the best transport available.
type Client struct {
	cfg     Config
	conn    *wsmux.Manager
	breaker *breaker.Breaker
	queue   Queue
}

// NewClient wires the transports. queue may be nil, in which case
// undeliverable requests fail outright instead of deferring.
func NewClient(cfg Config, queue Queue) (*Client, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	brk, err := breaker.New(breaker.Config{
		Name:  Service,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, breaker: brk, queue: queue}
	if cfg.SocketURL != "" {
		conn, err := wsmux.NewManager(wsmux.Config{
			Name:      Service,
			URL:       cfg.SocketURL,
			Dialer:    cfg.Dialer,
			Handshake: &wsmux.Handshake{Version: "1.0", Client: "voicepipe", Token: cfg.AuthToken},
			Clock:     cfg.Clock,
		})
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}
	return c, nil
}

// Connect brings the websocket up when one is configured. Webhook-only
// clients are a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Connect(ctx)
}

// ProcessPrompt sends a transcribed prompt with rolling conversation
// context and returns the workflow's response payload.
func (c *Client) ProcessPrompt(ctx context.Context, text, sessionID string, history []map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"text":       text,
		"session_id": sessionID,
	}
	if len(history) > 0 {
		payload["context"] = history
	}
	return c.Call(ctx, "process_prompt", payload)
}

// Call delivers method+payload: websocket when connected, webhook
// otherwise, retry queue as the last resort. A deferred request returns
// ErrDeferred wrapping the delivery failure.
func (c *Client) Call(ctx context.Context, method string, payload map[string]any) (map[string]any, error) {
	result, err := c.deliver(ctx, method, payload)
	if err == nil {
		return result, nil
	}
	if c.queue == nil {
		return nil, err
	}
	if _, qErr := c.queue.Enqueue(ctx, Service, method, payload, c.cfg.MaxRetries, nil); qErr != nil {
		return nil, fmt.Errorf("defer after %v: %w", err, qErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrDeferred, err)
}

func (c *Client) deliver(ctx context.Context, method string, payload map[string]any) (map[string]any, error) {
	var result map[string]any
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = c.send(ctx, method, payload)
		return opErr
	})
	return result, err
}

func (c *Client) send(ctx context.Context, method string, payload map[string]any) (map[string]any, error) {
	if c.conn != nil && c.conn.State() == wsmux.StateConnected {
		return c.conn.Request(ctx, method, payload, timeouts.SocketRequest)
	}
	if c.cfg.WebhookURL != "" {
		return c.webhook(ctx, method, payload)
	}
	return nil, wsmux.ErrNotConnected
}

// webhook posts one request to the HTTP fallback, signing the body when a
// secret is configured.
func (c *Client) webhook(ctx context.Context, method string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"method":    method,
		"data":      payload,
		"timestamp": c.cfg.Clock().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, c.cfg.WebhookSecret))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode webhook response: %w", err)
	}
	return result, nil
}

// RetryHandler replays deferred requests through the webhook, bypassing
// the deferral path so a failure consumes one queue retry.
func (c *Client) RetryHandler(ctx context.Context, method string, payload, _ map[string]any) error {
	_, err := c.deliver(ctx, method, payload)
	return err
}

// Sign computes the hex HMAC-SHA256 of body under secret, the value
// carried in X-Webhook-Signature.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches body under secret, in
// constant time.
func VerifySignature(body []byte, sig, secret string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Diagnostics is the result of TestConnection.
type Diagnostics struct {
	SocketState  wsmux.State
	WebhookOK    bool
	WebhookError string
	Breaker      breaker.Stats
	Queue        map[storage.Status]int
}

// TestConnection probes each configured transport without sending a
// workflow request.
func (c *Client) TestConnection(ctx context.Context) Diagnostics {
	d := Diagnostics{Breaker: c.breaker.Stats()}
	if c.queue != nil {
		if stats, err := c.queue.Stats(ctx); err == nil {
			d.Queue = stats
		}
	}
	if c.conn != nil {
		d.SocketState = c.conn.State()
	} else {
		d.SocketState = wsmux.StateDisconnected
	}
	if c.cfg.WebhookURL == "" {
		return d
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeouts.HTTPProbe)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.cfg.WebhookURL, nil)
	if err != nil {
		d.WebhookError = err.Error()
		return d
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		d.WebhookError = err.Error()
		return d
	}
	resp.Body.Close()
	// Any HTTP answer means the endpoint is alive; n8n rejects HEAD with
	// 404 on some versions.
	d.WebhookOK = true
	return d
}

// Breaker exposes the client's failure gate for diagnostics and reset.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Close tears down the websocket if one is up.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
