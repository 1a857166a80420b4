// Package stt streams microphone audio to the transcription service and
// fans transcription events out to registered handlers. Audio sent while
// the socket is down buffers in memory, bounded, and flushes after
// reconnect.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/voicepipe/voicepipe/internal/platform/timeouts"
	"github.com/voicepipe/voicepipe/internal/resilience/breaker"
	"github.com/voicepipe/voicepipe/internal/wsmux"
)

// Service is the breaker name for the transcription dependency.
const Service = "stt"

// Transcription is one recognition result. Partial results stream while
// the speaker talks; Final marks the utterance complete.
type Transcription struct {
	Text       string
	Final      bool
	Confidence float64
	Language   string
}

// Handler receives transcriptions in arrival order.
type Handler func(Transcription)

// Models the transcription service can run, smallest first.
func Models() []string {
	return []string{"tiny", "base", "small", "medium", "large-v3"}
}

// Config for a Client. SocketURL is required.
type Config struct {
	SocketURL string

	// HealthURL, when set, is probed before connect and on a fixed
	// interval; a failed probe tears the socket down.
	HealthURL string

	// SampleRate of the audio stream in Hz. Defaults to 16000.
	SampleRate int

	// Language hint. Defaults to "en".
	Language string

	// Model to transcribe with. Defaults to "base".
	Model string

	// VAD enables server-side voice activity detection.
	VAD bool

	// BufferLimit bounds chunks held while disconnected; the oldest is
	// dropped on overflow. Defaults to 256.
	BufferLimit int

	// HealthInterval between probes. Defaults to 30 seconds.
	HealthInterval time.Duration

	HTTPClient *http.Client
	Dialer     wsmux.Dialer
	Clock      func() time.Time
}

func (c *Config) setDefaults() error {
	if c.SocketURL == "" {
		return errors.New("stt: socket url is required")
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Model == "" {
		c.Model = "base"
	}
	if c.BufferLimit <= 0 {
		c.BufferLimit = 256
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: timeouts.HTTPProbe}
	}
	if c.Dialer == nil {
		c.Dialer = &wsmux.GorillaDialer{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

// Client owns the transcription socket.
type Client struct {
	cfg     Config
	conn    *wsmux.Manager
	breaker *breaker.Breaker

	mu       sync.Mutex
	model    string
	language string
	buffer   [][]byte
	dropped  int
	handlers []Handler

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewClient wires the socket and its event routing.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	brk, err := breaker.New(breaker.Config{Name: Service, Clock: cfg.Clock})
	if err != nil {
		return nil, err
	}
	conn, err := wsmux.NewManager(wsmux.Config{
		Name:   Service,
		URL:    cfg.SocketURL,
		Dialer: cfg.Dialer,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		breaker:  brk,
		model:    cfg.Model,
		language: cfg.Language,
	}
	if err := conn.RegisterEventHandler("transcription", c.onTranscription); err != nil {
		return nil, err
	}
	conn.OnConnect(c.onConnect)
	return c, nil
}

// OnTranscription registers a handler for recognition results. Register
// before Connect.
func (c *Client) OnTranscription(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Connect probes health when configured, brings the socket up, and starts
// the periodic health loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.probe(ctx); err != nil {
		return err
	}
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	if c.cfg.HealthURL != "" && c.healthCancel == nil {
		healthCtx, cancel := context.WithCancel(context.Background())
		c.healthCancel = cancel
		c.healthDone = make(chan struct{})
		go c.healthLoop(healthCtx)
	}
	return nil
}

func (c *Client) probe(ctx context.Context) error {
	if c.cfg.HealthURL == "" {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeouts.HTTPProbe)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("build health probe: %w", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) healthLoop(ctx context.Context) {
	defer close(c.healthDone)
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.probe(ctx); err != nil {
				c.conn.Disconnect(fmt.Errorf("stt health: %w", err))
			}
		}
	}
}

// onConnect runs after every successful connect: it pushes the current
// stream configuration, then flushes audio buffered during the outage.
func (c *Client) onConnect() {
	if err := c.sendConfig(); err != nil {
		log.Printf("stt: send config: %v", err)
	}
	c.flushBuffer()
}

func (c *Client) sendConfig() error {
	c.mu.Lock()
	model, language := c.model, c.language
	c.mu.Unlock()
	return c.conn.SendEvent("config", map[string]any{
		"sample_rate": c.cfg.SampleRate,
		"language":    language,
		"model":       model,
		"vad":         c.cfg.VAD,
	})
}

// SendAudio streams one chunk. While disconnected the chunk buffers for
// delivery after reconnect and the call reports success.
func (c *Client) SendAudio(ctx context.Context, chunk []byte) error {
	if c.conn.State() != wsmux.StateConnected {
		c.bufferChunk(chunk)
		return nil
	}
	err := c.breaker.Do(ctx, func(context.Context) error {
		return c.conn.SendBinary(chunk)
	})
	if err != nil {
		c.bufferChunk(chunk)
		return err
	}
	return nil
}

func (c *Client) bufferChunk(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) >= c.cfg.BufferLimit {
		c.buffer = c.buffer[1:]
		c.dropped++
	}
	c.buffer = append(c.buffer, chunk)
}

func (c *Client) flushBuffer() {
	c.mu.Lock()
	pending := c.buffer
	c.buffer = nil
	dropped := c.dropped
	c.dropped = 0
	c.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	if dropped > 0 {
		log.Printf("stt: dropped %d audio chunks during outage", dropped)
	}
	for _, chunk := range pending {
		if err := c.conn.SendBinary(chunk); err != nil {
			log.Printf("stt: flush buffered audio: %v", err)
			return
		}
	}
	log.Printf("stt: flushed %d buffered audio chunks", len(pending))
}

// BufferedChunks reports audio held for the next reconnect.
func (c *Client) BufferedChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// SetModel switches the transcription model, reconfiguring the live
// stream when connected.
func (c *Client) SetModel(model string) error {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	if c.conn.State() != wsmux.StateConnected {
		return nil
	}
	return c.sendConfig()
}

// SetLanguage switches the language hint, reconfiguring the live stream
// when connected.
func (c *Client) SetLanguage(language string) error {
	c.mu.Lock()
	c.language = language
	c.mu.Unlock()
	if c.conn.State() != wsmux.StateConnected {
		return nil
	}
	return c.sendConfig()
}

func (c *Client) onTranscription(data map[string]any) {
	tr := Transcription{}
	if text, ok := data["text"].(string); ok {
		tr.Text = text
	}
	if final, ok := data["final"].(bool); ok {
		tr.Final = final
	}
	if conf, ok := data["confidence"].(float64); ok {
		tr.Confidence = conf
	}
	if lang, ok := data["language"].(string); ok {
		tr.Language = lang
	}
	if tr.Text == "" {
		return
	}

	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, h := range handlers {
		h(tr)
	}
}

// State reports the socket state.
func (c *Client) State() wsmux.State { return c.conn.State() }

// Breaker exposes the client's failure gate for diagnostics and reset.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Close stops the health loop and tears the socket down.
func (c *Client) Close() error {
	if c.healthCancel != nil {
		c.healthCancel()
		<-c.healthDone
		c.healthCancel = nil
	}
	return c.conn.Close()
}
