// Package tts synthesizes speech through the ElevenLabs-style REST API.
// Synthesized audio is cached on disk by content hash so repeated phrases
// skip the network; playback is delegated to a caller-provided sink.
package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voicepipe/voicepipe/internal/platform/timeouts"
	"github.com/voicepipe/voicepipe/internal/resilience/breaker"
)

// Service is the breaker name for the synthesis dependency.
const Service = "tts"

// Voice is one synthesis voice offered by the API.
type Voice struct {
	ID       string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Quota is the account's character budget.
type Quota struct {
	CharactersUsed int `json:"character_count"`
	CharacterLimit int `json:"character_limit"`
}

// Sink plays synthesized audio. Decoding and output devices live behind
// this boundary.
type Sink interface {
	Play(ctx context.Context, audio []byte) error
}

// Config for a Client. APIKey is required.
type Config struct {
	// BaseURL of the API. Defaults to the hosted endpoint.
	BaseURL string

	APIKey string

	// VoiceID to synthesize with. Defaults to the API's stock voice.
	VoiceID string

	// Model to synthesize with.
	Model string

	// CacheDir enables the on-disk audio cache when non-empty.
	CacheDir string

	// VoiceTTL bounds how long the voice listing is served from memory.
	// Defaults to 5 minutes.
	VoiceTTL time.Duration

	HTTPClient *http.Client
	Clock      func() time.Time
}

func (c *Config) setDefaults() error {
	if c.APIKey == "" {
		return errors.New("tts: api key is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.elevenlabs.io/v1"
	}
	if c.VoiceID == "" {
		c.VoiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	if c.Model == "" {
		c.Model = "eleven_monolingual_v1"
	}
	if c.VoiceTTL <= 0 {
		c.VoiceTTL = 5 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: timeouts.WebhookRequest}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

// Client calls the synthesis API through a breaker.
type Client struct {
	cfg     Config
	breaker *breaker.Breaker

	mu       sync.Mutex
	voiceID  string
	voices   []Voice
	voicesAt time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	brk, err := breaker.New(breaker.Config{Name: Service, Clock: cfg.Clock})
	if err != nil {
		return nil, err
	}
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create audio cache dir: %w", err)
		}
	}
	return &Client{cfg: cfg, breaker: brk, voiceID: cfg.VoiceID}, nil
}

// SetVoice switches the synthesis voice for subsequent calls.
func (c *Client) SetVoice(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceID = id
}

// Voices lists available voices, served from memory within the TTL. When
// the API call fails and a stale listing exists, the stale listing is
// returned rather than an error.
func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	c.mu.Lock()
	if c.voices != nil && c.cfg.Clock().Sub(c.voicesAt) < c.cfg.VoiceTTL {
		cached := c.voices
		c.mu.Unlock()
		return cached, nil
	}
	stale := c.voices
	c.mu.Unlock()

	var listing struct {
		Voices []Voice `json:"voices"`
	}
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.getJSON(ctx, "/voices", &listing)
	})
	if err != nil {
		if stale != nil {
			log.Printf("tts: voice listing failed, serving stale data: %v", err)
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.voices = listing.Voices
	c.voicesAt = c.cfg.Clock()
	c.mu.Unlock()
	return listing.Voices, nil
}

// Synthesize turns text into audio bytes, hitting the on-disk cache
// first when one is configured.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	c.mu.Lock()
	voiceID := c.voiceID
	c.mu.Unlock()

	key := cacheKey(text, voiceID, c.cfg.Model)
	if audio, ok := c.cachedAudio(key); ok {
		return audio, nil
	}

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": c.cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	var audio []byte
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/text-to-speech/"+voiceID, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("xi-api-key", c.cfg.APIKey)
		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("synthesis request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("synthesis returned %d", resp.StatusCode)
		}
		audio, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read synthesis response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.storeAudio(key, audio)
	return audio, nil
}

// Speak synthesizes text and hands the audio to the sink.
func (c *Client) Speak(ctx context.Context, text string, sink Sink) error {
	audio, err := c.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	return sink.Play(ctx, audio)
}

// Quota fetches the account's character budget.
func (c *Client) Quota(ctx context.Context) (Quota, error) {
	var q Quota
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.getJSON(ctx, "/user/subscription", &q)
	})
	return q, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func cacheKey(text, voiceID, model string) string {
	sum := sha256.Sum256([]byte(text + "|" + voiceID + "|" + model))
	return hex.EncodeToString(sum[:])
}

func (c *Client) cachedAudio(key string) ([]byte, bool) {
	if c.cfg.CacheDir == "" {
		return nil, false
	}
	audio, err := os.ReadFile(filepath.Join(c.cfg.CacheDir, key+".mp3"))
	if err != nil {
		return nil, false
	}
	return audio, true
}

// storeAudio caches best-effort: a failed write costs a resynthesis
// later, nothing more.
func (c *Client) storeAudio(key string, audio []byte) {
	if c.cfg.CacheDir == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(c.cfg.CacheDir, key+".mp3"), audio, 0o644); err != nil {
		log.Printf("tts: cache audio: %v", err)
	}
}

// Breaker exposes the client's failure gate for diagnostics and reset.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }
